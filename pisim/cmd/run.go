// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/error404-yang/priority-inheritance/pisim/cmd/util"
	"github.com/error404-yang/priority-inheritance/pisim/config"
	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/log"
	"github.com/error404-yang/priority-inheritance/pkg/scenario"
	"github.com/error404-yang/priority-inheritance/pkg/sim"
	"github.com/error404-yang/priority-inheritance/pkg/trace"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	tracePath string
	json      bool
	quiet     bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run scenarios and check their expectations"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <scenario>... - run built-in scenarios by name, or scenario files by path.
"all" runs every built-in scenario.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.tracePath, "trace", "", "write kernel events as JSON lines to this file. Requires a single scenario.")
	f.BoolVar(&r.json, "json", false, "print reports as JSON instead of text.")
	f.BoolVar(&r.quiet, "quiet", false, "do not print task console output.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	names := f.Args()
	if len(names) == 1 && names[0] == "all" {
		names = scenario.BuiltinNames()
	}
	if r.tracePath != "" && len(names) > 1 {
		return util.Errorf("--trace requires a single scenario, got %d", len(names))
	}
	scs := make([]*scenario.Scenario, 0, len(names))
	for _, name := range names {
		sc, err := loadScenario(conf, name)
		if err != nil {
			return util.Errorf("loading scenario %q: %v", name, err)
		}
		scs = append(scs, sc)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	pal := util.NewPalette(conf.Color, os.Stdout)
	failed := false
	for _, sc := range scs {
		rep, err := r.runOne(ctx, conf, sc, pal)
		if rep == nil {
			return util.Errorf("%v", err)
		}
		if err != nil || !rep.Passed() {
			failed = true
		}
		if r.json {
			if werr := printReportJSON(os.Stdout, rep, err); werr != nil {
				return util.Errorf("writing report: %v", werr)
			}
		} else {
			printReport(os.Stdout, pal, rep, err)
		}
		if ctx.Err() != nil {
			log.Infof("Interrupted, skipping remaining scenarios")
			return subcommands.ExitFailure
		}
	}
	if failed {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// runOne runs sc. The report is nil only if the scenario could not start.
func (r *Run) runOne(ctx context.Context, conf *config.Config, sc *scenario.Scenario, pal util.Palette) (*scenario.Report, error) {
	opts := scenario.RunOptions{
		UsageErrorPolicy: conf.KernelPolicy(),
		MaxTicks:         conf.MaxTicks,
	}
	if !r.quiet && !r.json {
		fmt.Fprintf(os.Stdout, "%s %s\n", pal.Note("=== RUN"), sc.Name)
		if sc.Description != "" {
			fmt.Fprintf(os.Stdout, "    %s\n", strings.TrimSpace(sc.Description))
		}
		opts.Console = os.Stdout
	}

	var tw *trace.Writer
	if r.tracePath != "" {
		var err error
		if tw, err = trace.Create(r.tracePath); err != nil {
			return nil, err
		}
		opts.Listeners = append(opts.Listeners, tw)
	}

	rep, err := scenario.Run(ctx, sc, opts)
	if tw != nil {
		if cerr := tw.Close(); cerr != nil {
			log.Warningf("Closing trace %q: %v", r.tracePath, cerr)
			if err == nil {
				err = cerr
			}
		}
	}
	return rep, err
}

func boosts(events []kernel.Event) int {
	n := 0
	for _, ev := range events {
		if ev.Type == kernel.EventPriorityBoost {
			n++
		}
	}
	return n
}

func printReport(w io.Writer, pal util.Palette, rep *scenario.Report, runErr error) {
	status := pal.Good("--- PASS:")
	if runErr != nil || !rep.Passed() {
		status = pal.Bad("--- FAIL:")
	}
	if rep.Result == nil {
		fmt.Fprintf(w, "%s %s\n", status, rep.Scenario)
	} else {
		st := rep.Result.Stats
		fmt.Fprintf(w, "%s %s (%d ticks, %d idle, %d context switches, %d boosts)\n",
			status, rep.Scenario, st.Ticks, st.IdleTicks, st.ContextSwitches, boosts(rep.Events))
		fmt.Fprintf(w, "    exit order: %s\n", strings.Join(rep.Result.ExitOrder(), ", "))
		for _, e := range rep.Result.Exits {
			if e.Err != nil {
				fmt.Fprintf(w, "    %s\n", pal.Warn(fmt.Sprintf("%s(%d) at tick %d: %v", e.Name, e.TID, e.Tick, e.Err)))
			}
		}
	}
	if runErr != nil {
		fmt.Fprintf(w, "    %s\n", pal.Bad(runErr.Error()))
	}
	for _, failure := range rep.Failures {
		fmt.Fprintf(w, "    %s\n", pal.Bad(failure))
	}
}

type exitJSON struct {
	sim.Exit
	Error string `json:"error,omitempty"`
}

type reportJSON struct {
	Scenario string             `json:"scenario"`
	Passed   bool               `json:"passed"`
	Error    string             `json:"error,omitempty"`
	Stats    *kernel.SchedStats `json:"stats,omitempty"`
	Boosts   int                `json:"boosts"`
	Exits    []exitJSON         `json:"exits"`
	Failures []string           `json:"failures,omitempty"`
}

func printReportJSON(w io.Writer, rep *scenario.Report, runErr error) error {
	out := reportJSON{
		Scenario: rep.Scenario,
		Passed:   runErr == nil && rep.Passed(),
		Boosts:   boosts(rep.Events),
		Exits:    []exitJSON{},
		Failures: rep.Failures,
	}
	if runErr != nil {
		out.Error = runErr.Error()
	}
	if rep.Result != nil {
		out.Stats = &rep.Result.Stats
		for _, e := range rep.Result.Exits {
			ej := exitJSON{Exit: e}
			if e.Err != nil {
				ej.Error = e.Err.Error()
			}
			out.Exits = append(out.Exits, ej)
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

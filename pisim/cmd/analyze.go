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
	"sort"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/error404-yang/priority-inheritance/pisim/cmd/util"
	"github.com/error404-yang/priority-inheritance/pisim/config"
	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/log"
	"github.com/error404-yang/priority-inheritance/pkg/monitor"
)

// Analyze implements subcommands.Command for the "analyze" command.
type Analyze struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Analyze) Name() string {
	return "analyze"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Analyze) Synopsis() string {
	return "report priority boosts and inversions found in event logs"
}

// Usage implements subcommands.Command.Usage.
func (*Analyze) Usage() string {
	return `analyze [flags] <log file>... - read kernel events from log files ("-" for
stdin) and print statistics. Lines that carry no event are ignored.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Analyze) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&a.json, "json", false, "print statistics as JSON.")
}

// Execute implements subcommands.Command.Execute.
func (a *Analyze) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	s := monitor.New().Session("analyze")
	for _, path := range f.Args() {
		n, err := consumeFile(s, path)
		if err != nil {
			return util.Errorf("reading %q: %v", path, err)
		}
		log.Infof("Read %d event(s) from %q", n, path)
	}
	st := s.Snapshot()

	if a.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(st); err != nil {
			return util.Errorf("writing statistics: %v", err)
		}
		return subcommands.ExitSuccess
	}
	printStats(os.Stdout, util.NewPalette(conf.Color, os.Stdout), s.Seen(), &st)
	return subcommands.ExitSuccess
}

func consumeFile(s *monitor.Session, path string) (int, error) {
	if path == "-" {
		return s.Consume(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.Consume(f)
}

func printStats(w io.Writer, pal util.Palette, seen int, st *monitor.Stats) {
	fmt.Fprintf(w, "Events:     %d\n", seen)
	fmt.Fprintf(w, "Boosts:     %d\n", st.TotalBoosts)
	inv := fmt.Sprintf("%d (low %d, medium %d, high %d)", st.TotalInversions,
		st.InversionsBySeverity[monitor.SeverityLow],
		st.InversionsBySeverity[monitor.SeverityMedium],
		st.InversionsBySeverity[monitor.SeverityHigh])
	if st.InversionsBySeverity[monitor.SeverityHigh] > 0 {
		inv = pal.Bad(inv)
	} else if st.TotalInversions > 0 {
		inv = pal.Warn(inv)
	}
	fmt.Fprintf(w, "Inversions: %s\n", inv)
	if len(st.ProcessStats) == 0 {
		return
	}

	pids := make([]kernel.ThreadID, 0, len(st.ProcessStats))
	for pid := range st.ProcessStats {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 4, 1, 2, ' ', 0)
	fmt.Fprint(tw, "PID\tNAME\tINITIAL\tMOST URGENT\tBOOSTS RECEIVED\tBOOSTS GIVEN\tLOCKS\tBLOCKS\n")
	for _, pid := range pids {
		ps := st.ProcessStats[pid]
		urgent := "-"
		if ps.MostUrgent != 0 {
			urgent = fmt.Sprint(ps.MostUrgent)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%d\t%d\t%d\t%d\n",
			ps.PID, ps.Name, ps.InitialPriority, urgent, ps.BoostsReceived, ps.BoostsGiven, ps.LocksAcquired, ps.Blocks)
	}
	_ = tw.Flush()

	if len(st.Inversions) > 0 {
		fmt.Fprintln(w)
		for _, inv := range st.Inversions {
			fmt.Fprintf(w, "tick %d: pid %d (priority %d) waited on pid %d (priority %d), severity %s\n",
				inv.Tick, inv.HighPriorityPID, inv.HighPriority, inv.LowPriorityPID, inv.LowPriority, inv.Severity)
		}
	}
}

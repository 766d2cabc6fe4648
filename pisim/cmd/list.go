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
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/error404-yang/priority-inheritance/pisim/cmd/util"
	"github.com/error404-yang/priority-inheritance/pkg/scenario"
)

// List implements subcommands.Command for the "list" command.
type List struct {
	schema bool
}

// Name implements subcommands.Command.Name.
func (*List) Name() string {
	return "list"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*List) Synopsis() string {
	return "list built-in scenarios, or print one as YAML"
}

// Usage implements subcommands.Command.Usage.
func (*List) Usage() string {
	return `list [flags] [scenario] - list built-in scenarios. With a scenario name or
path, print that scenario as YAML.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *List) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.schema, "schema", false, "print the JSON schema of scenario files instead.")
}

// Execute implements subcommands.Command.Execute.
func (l *List) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() > 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	if l.schema {
		fmt.Fprintln(os.Stdout, scenario.Schema())
		return subcommands.ExitSuccess
	}

	if f.NArg() == 1 {
		sc, err := scenario.Lookup(f.Arg(0))
		if err != nil {
			return util.Errorf("loading scenario %q: %v", f.Arg(0), err)
		}
		b, err := sc.Marshal()
		if err != nil {
			return util.Errorf("marshaling scenario %q: %v", sc.Name, err)
		}
		os.Stdout.Write(b)
		return subcommands.ExitSuccess
	}

	w := tabwriter.NewWriter(os.Stdout, 12, 1, 3, ' ', 0)
	fmt.Fprint(w, "NAME\tTASKS\tLOCKS\tDESCRIPTION\n")
	for _, name := range scenario.BuiltinNames() {
		sc, _ := scenario.Builtin(name)
		desc, _, _ := strings.Cut(strings.TrimSpace(sc.Description), "\n")
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", sc.Name, len(sc.Tasks), len(sc.Locks), desc)
	}
	_ = w.Flush()
	return subcommands.ExitSuccess
}

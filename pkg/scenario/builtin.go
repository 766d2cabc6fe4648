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

package scenario

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

var (
	builtinsOnce sync.Once
	builtins     map[string]*Scenario
)

func loadBuiltins() {
	builtins = make(map[string]*Scenario)
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		panic(fmt.Sprintf("reading built-in scenarios: %v", err))
	}
	for _, e := range entries {
		data, err := builtinFS.ReadFile(path.Join("builtin", e.Name()))
		if err != nil {
			panic(fmt.Sprintf("reading built-in scenario %s: %v", e.Name(), err))
		}
		sc, err := Parse(data)
		if err != nil {
			panic(fmt.Sprintf("built-in scenario %s: %v", e.Name(), err))
		}
		if want := strings.TrimSuffix(e.Name(), ".yaml"); sc.Name != want {
			panic(fmt.Sprintf("built-in scenario %s is named %q", e.Name(), sc.Name))
		}
		builtins[sc.Name] = sc
	}
}

// BuiltinNames returns the names of the built-in scenarios, sorted.
func BuiltinNames() []string {
	builtinsOnce.Do(loadBuiltins)
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin returns the built-in scenario called name. The returned Scenario is
// shared and must not be modified.
func Builtin(name string) (*Scenario, bool) {
	builtinsOnce.Do(loadBuiltins)
	sc, ok := builtins[name]
	return sc, ok
}

// Lookup returns the built-in scenario called nameOrPath, or else loads the
// scenario file at that path.
func Lookup(nameOrPath string) (*Scenario, error) {
	if sc, ok := Builtin(nameOrPath); ok {
		return sc, nil
	}
	return Load(nameOrPath)
}

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

// Package scenario describes workloads for the simulator as YAML documents.
//
// A scenario names a set of locks and tasks. Each task has a base priority, an
// arrival tick and a list of steps. Expectations about the outcome, such as
// the order in which tasks exit, are checked by Run.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
)

// Scenario is a complete workload.
type Scenario struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// LowestPriority overrides the kernel's least urgent priority.
	LowestPriority kernel.Priority `yaml:"lowest_priority,omitempty" json:"lowest_priority,omitempty"`

	Locks  []string     `yaml:"locks,omitempty" json:"locks,omitempty"`
	Tasks  []TaskSpec   `yaml:"tasks" json:"tasks"`
	Expect Expectations `yaml:"expect,omitempty" json:"expect,omitempty"`
}

// TaskSpec describes one task.
type TaskSpec struct {
	Name     string          `yaml:"name" json:"name"`
	Priority kernel.Priority `yaml:"priority" json:"priority"`

	// Start is the tick at which the task is spawned.
	Start uint64 `yaml:"start,omitempty" json:"start,omitempty"`

	Steps []Step `yaml:"steps" json:"steps"`
}

// Step is a single operation of a task. Exactly one of Acquire, Release,
// Work, SetPriority and Log is set.
type Step struct {
	Acquire string `yaml:"acquire,omitempty" json:"acquire,omitempty"`

	// Timeout bounds an Acquire, in ticks. If the lock is not granted in
	// time, the steps up to and including the matching release are skipped.
	Timeout uint64 `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Release     string          `yaml:"release,omitempty" json:"release,omitempty"`
	Work        int             `yaml:"work,omitempty" json:"work,omitempty"`
	SetPriority kernel.Priority `yaml:"set_priority,omitempty" json:"set_priority,omitempty"`
	Log         string          `yaml:"log,omitempty" json:"log,omitempty"`
}

// Kind returns the name of the operation the step performs.
func (s Step) Kind() string {
	switch {
	case s.Acquire != "":
		return "acquire"
	case s.Release != "":
		return "release"
	case s.Work != 0:
		return "work"
	case s.SetPriority != 0:
		return "set_priority"
	case s.Log != "":
		return "log"
	default:
		return "empty"
	}
}

// String implements fmt.Stringer.
func (s Step) String() string {
	switch s.Kind() {
	case "acquire":
		if s.Timeout != 0 {
			return fmt.Sprintf("acquire %s within %d", s.Acquire, s.Timeout)
		}
		return "acquire " + s.Acquire
	case "release":
		return "release " + s.Release
	case "work":
		return fmt.Sprintf("work %d", s.Work)
	case "set_priority":
		return fmt.Sprintf("set_priority %d", s.SetPriority)
	case "log":
		return fmt.Sprintf("log %q", s.Log)
	default:
		return "empty step"
	}
}

// Expectations are checked against the outcome of a run.
type Expectations struct {
	// ExitOrder lists task names in the order they must exit.
	ExitOrder []string `yaml:"exit_order,omitempty" json:"exit_order,omitempty"`

	// Boosts lists priorities tasks must reach through inheritance.
	Boosts []Boost `yaml:"boosts,omitempty" json:"boosts,omitempty"`

	// Aborted lists tasks that must be terminated by a usage error. Any
	// other task failing is an expectation failure.
	Aborted []string `yaml:"aborted,omitempty" json:"aborted,omitempty"`
}

// Boost expects Task to be boosted to Priority at some point.
type Boost struct {
	Task     string          `yaml:"task" json:"task"`
	Priority kernel.Priority `yaml:"priority" json:"priority"`
}

// ErrInvalid is wrapped by every error describing a malformed scenario.
var ErrInvalid = errors.New("invalid scenario")

// Parse decodes and validates a YAML scenario.
func Parse(data []byte) (*Scenario, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	sc := &Scenario{}
	if err := dec.Decode(sc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// Load reads and parses the scenario file at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Marshal encodes sc as YAML.
func (sc *Scenario) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(sc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks the references and ranges that the schema cannot express.
func (sc *Scenario) Validate() error {
	lowest := kernel.DefaultLowestPriority
	if sc.LowestPriority != 0 {
		lowest = sc.LowestPriority
	}
	invalid := func(format string, v ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalid, sc.Name, fmt.Sprintf(format, v...))
	}
	checkPrio := func(what string, p kernel.Priority) error {
		if p < kernel.HighestPriority || p > lowest {
			return invalid("%s: priority %d not in [%d, %d]", what, p, kernel.HighestPriority, lowest)
		}
		return nil
	}

	if len(sc.Tasks) == 0 {
		return invalid("no tasks")
	}
	locks := make(map[string]bool)
	for _, l := range sc.Locks {
		if locks[l] {
			return invalid("duplicate lock %q", l)
		}
		locks[l] = true
	}
	tasks := make(map[string]bool)
	for _, t := range sc.Tasks {
		if tasks[t.Name] {
			return invalid("duplicate task %q", t.Name)
		}
		tasks[t.Name] = true
		if err := checkPrio("task "+t.Name, t.Priority); err != nil {
			return err
		}
		for i, s := range t.Steps {
			what := fmt.Sprintf("task %s step %d (%v)", t.Name, i+1, s)
			if l := s.Acquire + s.Release; l != "" && !locks[l] {
				return invalid("%s: unknown lock %q", what, l)
			}
			if s.Timeout != 0 && s.Acquire == "" {
				return invalid("%s: timeout without acquire", what)
			}
			if s.SetPriority != 0 {
				if err := checkPrio(what, s.SetPriority); err != nil {
					return err
				}
			}
		}
	}

	for _, name := range sc.Expect.ExitOrder {
		if !tasks[name] {
			return invalid("exit_order: unknown task %q", name)
		}
	}
	for _, b := range sc.Expect.Boosts {
		if !tasks[b.Task] {
			return invalid("boosts: unknown task %q", b.Task)
		}
		if err := checkPrio("boosts: task "+b.Task, b.Priority); err != nil {
			return err
		}
	}
	for _, name := range sc.Expect.Aborted {
		if !tasks[name] {
			return invalid("aborted: unknown task %q", name)
		}
	}
	return nil
}

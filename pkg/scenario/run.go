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
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/log"
	"github.com/error404-yang/priority-inheritance/pkg/sim"
)

// RunOptions configures Run.
type RunOptions struct {
	// UsageErrorPolicy is passed to the kernel.
	UsageErrorPolicy kernel.UsageErrorPolicy

	// MaxTicks bounds the run. Zero means no limit.
	MaxTicks uint64

	// Console receives task log steps. Nil discards them.
	Console io.Writer

	// Listeners receive every kernel event as it happens.
	Listeners []kernel.Listener
}

// Report is the outcome of running a scenario.
type Report struct {
	Scenario string
	Result   *sim.Result
	Events   []kernel.Event

	// Failures describe unmet expectations.
	Failures []string
}

// Passed returns true if every expectation was met.
func (r *Report) Passed() bool {
	return len(r.Failures) == 0
}

// Run executes sc on a fresh kernel and checks its expectations. The error
// is non-nil only if the run itself could not complete; unmet expectations
// are reported in Report.Failures.
func Run(ctx context.Context, sc *Scenario, opts RunOptions) (*Report, error) {
	rec := &kernel.Recorder{}
	kopts := []kernel.Option{
		kernel.WithUsageErrorPolicy(opts.UsageErrorPolicy),
		kernel.WithListener(rec),
	}
	if sc.LowestPriority != 0 {
		kopts = append(kopts, kernel.WithLowestPriority(sc.LowestPriority))
	}
	for _, l := range opts.Listeners {
		kopts = append(kopts, kernel.WithListener(l))
	}
	k := kernel.New(kopts...)

	mopts := []sim.Option{sim.WithMaxTicks(opts.MaxTicks)}
	if opts.Console != nil {
		mopts = append(mopts, sim.WithConsole(opts.Console))
	}
	m := sim.NewMachine(k, mopts...)

	locks := make(map[string]kernel.LockID, len(sc.Locks))
	for _, name := range sc.Locks {
		locks[name] = k.NewLock(name)
	}
	for _, t := range sc.Tasks {
		if err := m.Start(t.Name, t.Priority, t.Start, program(t.Steps, locks)); err != nil {
			return nil, err
		}
	}

	log.Infof("Running scenario %q with %d task(s) and %d lock(s)", sc.Name, len(sc.Tasks), len(sc.Locks))
	res, err := m.Run(ctx)
	r := &Report{
		Scenario: sc.Name,
		Result:   res,
		Events:   rec.Events(),
	}
	if err != nil {
		return r, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	r.Failures = sc.Expect.check(r)
	return r, nil
}

// program turns steps into a task body.
func program(steps []Step, locks map[string]kernel.LockID) sim.Program {
	return func(p *sim.Proc) error {
		// skipUntil is the lock whose critical section is being skipped
		// after a timed out acquire.
		skipUntil := ""
		for _, s := range steps {
			if skipUntil != "" {
				if s.Release == skipUntil {
					skipUntil = ""
				}
				continue
			}

			var err error
			switch s.Kind() {
			case "acquire":
				if s.Timeout == 0 {
					err = p.Acquire(locks[s.Acquire])
					break
				}
				var got bool
				got, err = p.AcquireTimeout(locks[s.Acquire], s.Timeout)
				if err == nil && !got {
					p.Printf("gave up on %s after %d ticks", s.Acquire, s.Timeout)
					skipUntil = s.Acquire
				}
			case "release":
				err = p.Release(locks[s.Release])
			case "work":
				err = p.Work(s.Work)
			case "set_priority":
				err = p.SetPriority(s.SetPriority)
			case "log":
				p.Printf("%s (priority %d)", s.Log, p.Priority())
			}
			if err != nil {
				return fmt.Errorf("%v: %w", s, err)
			}
		}
		return nil
	}
}

func (e *Expectations) check(r *Report) []string {
	var failures []string

	if len(e.ExitOrder) > 0 {
		if got := r.Result.ExitOrder(); !slices.Equal(got, e.ExitOrder) {
			failures = append(failures, fmt.Sprintf("exit order %v, want %v", got, e.ExitOrder))
		}
	}

	for _, b := range e.Boosts {
		found := slices.ContainsFunc(r.Events, func(ev kernel.Event) bool {
			return ev.Type == kernel.EventPriorityBoost && ev.Name == b.Task && ev.NewPriority == b.Priority
		})
		if !found {
			failures = append(failures, fmt.Sprintf("task %s was never boosted to priority %d", b.Task, b.Priority))
		}
	}

	for _, x := range r.Result.Exits {
		var ue *kernel.UsageError
		aborted := errors.As(x.Err, &ue)
		want := slices.Contains(e.Aborted, x.Name)
		switch {
		case want && !aborted:
			failures = append(failures, fmt.Sprintf("task %s was not aborted (exit error: %v)", x.Name, x.Err))
		case !want && x.Err != nil:
			failures = append(failures, fmt.Sprintf("task %s failed: %v", x.Name, x.Err))
		}
	}
	return failures
}

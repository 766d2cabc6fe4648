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

// Package sim runs programs as tasks of a kernel.Kernel on a single simulated
// CPU.
//
// Every task is backed by a goroutine, but the goroutines run in lockstep with
// the kernel: only the goroutine of the task the kernel has on the CPU
// executes, and it hands control back to the Machine whenever it consumes a
// tick or loses the CPU. Runs are therefore deterministic for a given set of
// programs and arrival ticks.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/log"
)

var (
	// ErrTickLimit is returned by Machine.Run when the tick limit set with
	// WithMaxTicks is reached before every task exits.
	ErrTickLimit = errors.New("tick limit reached")

	// ErrKilled is returned by Proc operations once the task has been
	// terminated, either by a usage error or by the Machine shutting down.
	ErrKilled = errors.New("task terminated")
)

// Program is the body of a task. The task exits when it returns.
type Program func(p *Proc) error

// Option configures a Machine.
type Option func(*Machine)

// WithMaxTicks bounds the number of ticks a run may take. Zero means no
// limit.
func WithMaxTicks(n uint64) Option {
	return func(m *Machine) {
		m.maxTicks = n
	}
}

// WithConsole sets the writer that receives Proc.Printf output.
func WithConsole(w io.Writer) Option {
	return func(m *Machine) {
		m.console = w
	}
}

// Exit records the termination of a task.
type Exit struct {
	TID  kernel.ThreadID `json:"pid"`
	Name string          `json:"name"`
	Tick uint64          `json:"tick"`

	// Err is the error returned by the program, or the reason the task was
	// terminated.
	Err error `json:"-"`
}

// Result summarizes a run.
type Result struct {
	// Exits are in the order tasks terminated.
	Exits []Exit
	Stats kernel.SchedStats
}

// ExitOrder returns the names of the exited tasks in exit order.
func (r *Result) ExitOrder() []string {
	names := make([]string, 0, len(r.Exits))
	for _, e := range r.Exits {
		names = append(names, e.Name)
	}
	return names
}

type yieldKind int

const (
	// yieldTick asks the Machine to advance the clock.
	yieldTick yieldKind = iota

	// yieldSwitch reports that the task no longer holds the CPU.
	yieldSwitch

	// yieldExit reports that the task's goroutine is done.
	yieldExit
)

type yieldReq struct {
	p    *Proc
	kind yieldKind
	err  error
}

type arrival struct {
	name string
	prio kernel.Priority
	at   uint64
	prog Program
}

// Machine drives a Kernel: it is the source of ticks and runs the program of
// whichever task the kernel dispatches.
type Machine struct {
	k        *kernel.Kernel
	maxTicks uint64
	console  io.Writer
	tickLog  log.Logger

	// yield is how the running Proc returns control to Run.
	yield chan yieldReq

	// g tracks task goroutines.
	g errgroup.Group

	// mu protects the fields below.
	mu       sync.Mutex
	started  bool
	procs    map[kernel.ThreadID]*Proc
	live     int
	arrivals []arrival
	exits    []Exit
}

// NewMachine returns a Machine that schedules its tasks on k. All tasks of k
// must be created through the Machine.
func NewMachine(k *kernel.Kernel, opts ...Option) *Machine {
	m := &Machine{
		k:       k,
		console: io.Discard,
		tickLog: log.BasicRateLimitedLogger(time.Second),
		yield:   make(chan yieldReq),
		procs:   make(map[kernel.ThreadID]*Proc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Kernel returns the kernel the machine drives.
func (m *Machine) Kernel() *kernel.Kernel {
	return m.k
}

// Start arranges for prog to be spawned as a task named name with base
// priority prio once the clock reaches tick at. It must be called before Run.
func (m *Machine) Start(name string, prio kernel.Priority, at uint64, prog Program) error {
	if prio < kernel.HighestPriority || prio > m.k.LowestPriority() {
		return fmt.Errorf("task %q: %w: %d", name, kernel.ErrInvalidPriority, prio)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("task %q: machine already started, use Proc.Spawn", name)
	}
	m.arrivals = append(m.arrivals, arrival{name: name, prio: prio, at: at, prog: prog})
	sort.SliceStable(m.arrivals, func(i, j int) bool { return m.arrivals[i].at < m.arrivals[j].at })
	return nil
}

// Run runs every started task to completion. If ctx is cancelled or the tick
// limit is reached, the remaining tasks are killed and the error is returned
// along with the partial Result.
func (m *Machine) Run(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil, fmt.Errorf("machine already started")
	}
	m.started = true
	m.mu.Unlock()

	err := m.loop(ctx)
	if err != nil {
		log.Infof("Stopping machine at tick %d: %v", m.k.CurrentTick(), err)
		m.teardown()
	}
	if werr := m.g.Wait(); werr != nil && err == nil {
		err = werr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return &Result{
		Exits: append([]Exit(nil), m.exits...),
		Stats: m.k.SchedStats(),
	}, err
}

func (m *Machine) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.startArrivals(); err != nil {
			return err
		}
		if p := m.zombie(); p != nil {
			// Killed from outside while parked.
			m.resume(p)
			continue
		}

		tid, ok := m.k.Current()
		if !ok {
			m.mu.Lock()
			live, pending := m.live, len(m.arrivals)
			m.mu.Unlock()
			switch {
			case live == 0 && pending == 0:
				return nil
			case pending == 0 && !m.waitsExpire():
				// Every lock wait ends at a runnable owner.
				panic(fmt.Sprintf("%d task(s) alive with an idle CPU and nothing pending", live))
			}
			if err := m.tick(); err != nil {
				return err
			}
			continue
		}

		p := m.proc(tid)
		if p == nil {
			return fmt.Errorf("task %d was not created by this machine", tid)
		}
		if req := m.resume(p); req.kind == yieldTick {
			if err := m.tick(); err != nil {
				return err
			}
		}
	}
}

// resume hands the CPU to p and waits for any task goroutine to give it back.
func (m *Machine) resume(p *Proc) yieldReq {
	p.resume <- struct{}{}
	req := <-m.yield
	if req.kind == yieldExit {
		m.reap(req)
	}
	return req
}

func (m *Machine) tick() error {
	if m.maxTicks > 0 && m.k.CurrentTick() >= m.maxTicks {
		return fmt.Errorf("%w: %d", ErrTickLimit, m.maxTicks)
	}
	now := m.k.Tick()
	if m.tickLog.IsLogging(log.Debug) {
		if tid, ok := m.k.Current(); ok {
			m.tickLog.Debugf("Tick %d: running task %d", now, tid)
		} else {
			m.tickLog.Debugf("Tick %d: idle", now)
		}
	}
	m.expireWaits(now)
	return nil
}

func (m *Machine) startArrivals() error {
	now := m.k.CurrentTick()
	for {
		m.mu.Lock()
		if len(m.arrivals) == 0 || m.arrivals[0].at > now {
			m.mu.Unlock()
			return nil
		}
		a := m.arrivals[0]
		m.arrivals = m.arrivals[1:]
		m.mu.Unlock()

		if _, err := m.spawn(a.name, a.prio, a.prog); err != nil {
			return err
		}
	}
}

// spawn creates a task and its goroutine. The goroutine waits to be resumed
// before running prog.
func (m *Machine) spawn(name string, prio kernel.Priority, prog Program) (*Proc, error) {
	tid, err := m.k.Spawn(name, prio)
	if err != nil {
		return nil, fmt.Errorf("spawning %q: %w", name, err)
	}
	info, err := m.k.Task(tid)
	if err != nil {
		return nil, err
	}
	p := &Proc{
		m:      m,
		tid:    tid,
		name:   info.Name,
		prog:   prog,
		resume: make(chan struct{}, 1),
	}

	m.mu.Lock()
	m.procs[tid] = p
	m.live++
	m.mu.Unlock()

	m.g.Go(p.run)
	return p, nil
}

func (m *Machine) proc(tid kernel.ThreadID) *Proc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[tid]
}

// zombie returns a task that was terminated but whose goroutine has not yet
// exited.
func (m *Machine) zombie() *Proc {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.procs {
		if p.exited {
			continue
		}
		if st, err := m.k.State(p.tid); err == nil && st == kernel.TaskZombie {
			return p
		}
	}
	return nil
}

func (m *Machine) reap(req yieldReq) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.p.exited = true
	m.live--
	m.exits = append(m.exits, Exit{
		TID:  req.p.tid,
		Name: req.p.name,
		Tick: m.k.CurrentTick(),
		Err:  req.err,
	})
	if req.err != nil {
		log.Debugf("Task %d (%s) exited: %v", req.p.tid, req.p.name, req.err)
	}
}

// waitsExpire returns true if some blocked task waits with a deadline.
func (m *Machine) waitsExpire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.procs {
		if !p.exited && p.deadline != 0 {
			return true
		}
	}
	return false
}

// expireWaits withdraws tasks whose bounded lock wait has run out.
func (m *Machine) expireWaits(now uint64) {
	m.mu.Lock()
	var expired []*Proc
	for _, p := range m.procs {
		if !p.exited && p.deadline != 0 && now >= p.deadline {
			p.deadline = 0
			expired = append(expired, p)
		}
	}
	m.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].tid < expired[j].tid })
	for _, p := range expired {
		if err := m.k.CancelWait(p.tid); err != nil && !errors.Is(err, kernel.ErrNotBlocked) {
			log.Warningf("Cancelling wait of task %d: %v", p.tid, err)
		}
	}
}

// teardown kills every remaining task and waits for their goroutines to
// report back.
func (m *Machine) teardown() {
	for {
		m.mu.Lock()
		var left []*Proc
		for _, p := range m.procs {
			if !p.exited {
				left = append(left, p)
			}
		}
		m.mu.Unlock()
		if len(left) == 0 {
			return
		}

		p := left[0]
		if err := m.k.Kill(p.tid); err != nil && !errors.Is(err, kernel.ErrTaskExited) {
			log.Warningf("Killing task %d: %v", p.tid, err)
		}
		m.resume(p)
	}
}

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

package sim

import (
	"fmt"
	"strings"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// Proc is the interface a Program uses to interact with the kernel. Its
// methods may only be called from the program's own goroutine.
//
// Operations that can cost the task its CPU (acquiring a lock, releasing
// one, changing priority, spawning, working) return only once the task is
// running again.
type Proc struct {
	m      *Machine
	tid    kernel.ThreadID
	name   string
	prog   Program
	resume chan struct{}

	// exited and deadline are protected by m.mu.
	exited bool

	// deadline is the tick at which a bounded lock wait is cancelled, or
	// zero.
	deadline uint64
}

func (p *Proc) run() error {
	<-p.resume

	var err error
	if p.alive() {
		err = p.prog(p)
	}
	if p.alive() {
		if xerr := p.m.k.Exit(p.tid); xerr != nil && err == nil {
			err = xerr
		}
	} else if err == nil {
		err = ErrKilled
	}
	p.m.yield <- yieldReq{p: p, kind: yieldExit, err: err}
	return nil
}

func (p *Proc) alive() bool {
	st, err := p.m.k.State(p.tid)
	return err == nil && st != kernel.TaskZombie
}

// park gives the CPU back to the Machine until the task is resumed.
func (p *Proc) park(kind yieldKind) {
	p.m.yield <- yieldReq{p: p, kind: kind}
	<-p.resume
}

// settle returns once the task holds the CPU, or ErrKilled if it never will.
func (p *Proc) settle() error {
	for {
		if !p.alive() {
			return ErrKilled
		}
		if cur, ok := p.m.k.Current(); ok && cur == p.tid {
			return nil
		}
		p.park(yieldSwitch)
	}
}

// TID returns the task's thread ID.
func (p *Proc) TID() kernel.ThreadID {
	return p.tid
}

// Name returns the task's name.
func (p *Proc) Name() string {
	return p.name
}

// Tick returns the current tick.
func (p *Proc) Tick() uint64 {
	return p.m.k.CurrentTick()
}

// Priority returns the task's effective priority, which includes any
// inherited boost.
func (p *Proc) Priority() kernel.Priority {
	prio, err := p.m.k.EffectivePriority(p.tid)
	if err != nil {
		panic(fmt.Sprintf("task %d: %v", p.tid, err))
	}
	return prio
}

// BasePriority returns the task's own priority.
func (p *Proc) BasePriority() kernel.Priority {
	prio, err := p.m.k.BasePriority(p.tid)
	if err != nil {
		panic(fmt.Sprintf("task %d: %v", p.tid, err))
	}
	return prio
}

// SetPriority changes the task's base priority.
func (p *Proc) SetPriority(prio kernel.Priority) error {
	if err := p.m.k.SetBasePriority(p.tid, prio); err != nil {
		return err
	}
	return p.settle()
}

// Acquire blocks until the task owns lid.
func (p *Proc) Acquire(lid kernel.LockID) error {
	if _, err := p.m.k.LockAcquire(lid, p.tid); err != nil {
		return err
	}
	return p.settle()
}

// AcquireTimeout is like Acquire, but gives up once ticks ticks have passed
// without the lock being granted. It returns true if the task owns lid.
func (p *Proc) AcquireTimeout(lid kernel.LockID, ticks uint64) (bool, error) {
	acquired, err := p.m.k.LockAcquire(lid, p.tid)
	if err != nil || acquired {
		return acquired, err
	}

	p.m.mu.Lock()
	p.deadline = p.m.k.CurrentTick() + max(ticks, 1)
	p.m.mu.Unlock()

	err = p.settle()

	p.m.mu.Lock()
	p.deadline = 0
	p.m.mu.Unlock()
	if err != nil {
		return false, err
	}

	info, err := p.m.k.Lock(lid)
	if err != nil {
		return false, err
	}
	return info.Owner == p.tid, nil
}

// Release releases lid, which the task must own.
func (p *Proc) Release(lid kernel.LockID) error {
	if err := p.m.k.LockRelease(lid, p.tid); err != nil {
		return err
	}
	return p.settle()
}

// Work consumes n ticks of CPU time. The task may be preempted in between;
// only ticks spent running count.
func (p *Proc) Work(n int) error {
	for i := 0; i < n; i++ {
		if err := p.settle(); err != nil {
			return err
		}
		p.park(yieldTick)
	}
	return p.settle()
}

// Spawn starts prog as a new task, which preempts the caller if it is more
// urgent.
func (p *Proc) Spawn(name string, prio kernel.Priority, prog Program) (kernel.ThreadID, error) {
	child, err := p.m.spawn(name, prio, prog)
	if err != nil {
		return 0, err
	}
	return child.tid, p.settle()
}

// Printf writes a line to the machine console, prefixed with the tick and the
// task.
func (p *Proc) Printf(format string, v ...any) {
	msg := strings.TrimSuffix(fmt.Sprintf(format, v...), "\n")
	if log.IsLogging(log.Debug) {
		log.Debugf("Console %s(%d): %s", p.name, p.tid, msg)
	}
	fmt.Fprintf(p.m.console, "[%d] %s(%d): %s\n", p.Tick(), p.name, p.tid, msg)
}

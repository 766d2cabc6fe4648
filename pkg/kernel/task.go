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

package kernel

import "fmt"

// ThreadID uniquely identifies a task within a Kernel. Valid IDs start at 1.
type ThreadID int32

// TaskState is the scheduling state of a task.
type TaskState int

const (
	// TaskRunnable tasks are in the ready queue, waiting for the CPU.
	TaskRunnable TaskState = iota

	// TaskRunning is the state of the single task that holds the CPU.
	TaskRunning

	// TaskBlocked tasks wait for the lock named by blockedOn.
	TaskBlocked

	// TaskZombie tasks have exited or were killed.
	TaskZombie
)

// String implements fmt.Stringer.
func (s TaskState) String() string {
	switch s {
	case TaskRunnable:
		return "RUNNABLE"
	case TaskRunning:
		return "RUNNING"
	case TaskBlocked:
		return "BLOCKED"
	case TaskZombie:
		return "ZOMBIE"
	default:
		return fmt.Sprintf("TaskState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Task is a schedulable execution context.
//
// All fields are protected by Kernel.mu.
type Task struct {
	tid  ThreadID
	name string

	// basePriority is the priority set at spawn or by SetBasePriority.
	basePriority Priority

	// effectivePriority is the priority used for scheduling. It is never
	// less urgent than basePriority, and is only written by
	// Kernel.setEffectiveLocked.
	effectivePriority Priority

	state TaskState

	// blockedOn is the lock this task waits for. It is non-nil iff state is
	// TaskBlocked.
	blockedOn *Lock

	// held contains the locks owned by this task in acquisition order.
	held []*Lock

	// readySeq orders tasks of equal priority in the ready queue. It is
	// assigned each time the task becomes runnable.
	readySeq uint64

	// waitSeq orders waiters of equal priority on blockedOn.
	waitSeq uint64

	// blockedAt is the tick at which the task last blocked.
	blockedAt uint64

	spawnedAt uint64
	exitedAt  uint64

	// runTicks counts ticks charged to this task while running.
	runTicks uint64

	// waitTicks counts ticks spent blocked on locks.
	waitTicks uint64

	// lastScheduled is the tick of the most recent dispatch.
	lastScheduled uint64
}

// inheritedPriority returns the priority t is entitled to: its base priority,
// or the most urgent waiter on any lock it holds if that is more urgent. The
// waiter and lock responsible are returned if a waiter wins.
func (t *Task) inheritedPriority() (Priority, *Task, *Lock) {
	p := t.basePriority
	var src *Task
	var via *Lock
	for _, l := range t.held {
		if w := l.topWaiter(); w != nil && w.effectivePriority < p {
			p, src, via = w.effectivePriority, w, l
		}
	}
	return p, src, via
}

func (t *Task) removeHeld(l *Lock) {
	for i, h := range t.held {
		if h == l {
			t.held = append(t.held[:i], t.held[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("task %d does not hold lock %d", t.tid, l.id))
}

// TaskInfo is a snapshot of a task.
type TaskInfo struct {
	TID               ThreadID  `json:"pid"`
	Name              string    `json:"name"`
	BasePriority      Priority  `json:"base_priority"`
	EffectivePriority Priority  `json:"effective_priority"`
	State             TaskState `json:"state"`
	BlockedOn         LockID    `json:"blocked_on,omitempty"`
	Held              []LockID  `json:"held,omitempty"`
	SpawnedAt         uint64    `json:"spawned_at"`
	ExitedAt          uint64    `json:"exited_at,omitempty"`
	RunTicks          uint64    `json:"run_ticks"`
	WaitTicks         uint64    `json:"wait_ticks"`
	LastScheduled     uint64    `json:"last_scheduled"`
}

// Preconditions: Kernel.mu is locked.
func (t *Task) info() TaskInfo {
	ti := TaskInfo{
		TID:               t.tid,
		Name:              t.name,
		BasePriority:      t.basePriority,
		EffectivePriority: t.effectivePriority,
		State:             t.state,
		SpawnedAt:         t.spawnedAt,
		ExitedAt:          t.exitedAt,
		RunTicks:          t.runTicks,
		WaitTicks:         t.waitTicks,
		LastScheduled:     t.lastScheduled,
	}
	if t.blockedOn != nil {
		ti.BlockedOn = t.blockedOn.id
	}
	for _, l := range t.held {
		ti.Held = append(ti.Held, l.id)
	}
	return ti
}

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

import (
	"fmt"
	"slices"
	"sync"
)

// EventType identifies a kernel event. The names are also the "event" values of
// the JSON log lines read by package monitor.
type EventType string

// Event types.
const (
	EventSpawn           EventType = "spawn"
	EventDispatch        EventType = "dispatch"
	EventPreempt         EventType = "preempt"
	EventPrioritySet     EventType = "priority_set"
	EventLockRequest     EventType = "lock_request"
	EventLockAcquired    EventType = "lock_acquired"
	EventLockReleased    EventType = "lock_released"
	EventPriorityBoost   EventType = "priority_boost"
	EventPriorityRestore EventType = "priority_restore"
	EventWaitCancelled   EventType = "wait_cancelled"
	EventUsageError      EventType = "usage_error"
	EventExit            EventType = "exit"
)

// Event describes a single scheduling or locking decision. Fields that do not
// apply to a given type are left zero.
type Event struct {
	// Seq orders events from a single Kernel.
	Seq uint64 `json:"seq"`

	// Tick is the value of the kernel clock when the event happened.
	Tick uint64 `json:"tick"`

	Type EventType `json:"event"`

	// PID is the task the event is about. For boosts and restores it is
	// the task whose priority changed.
	PID  ThreadID `json:"pid,omitempty"`
	Name string   `json:"name,omitempty"`

	// Priority is PID's effective priority after the event.
	Priority Priority `json:"priority,omitempty"`

	Lock LockID `json:"lock,omitempty"`

	// HolderPID and HolderPriority describe the owner of Lock at the time of
	// a lock_request, or the boosted task of a priority_boost.
	HolderPID      ThreadID `json:"holder_pid,omitempty"`
	HolderPriority Priority `json:"holder_priority,omitempty"`

	// WaiterPID is the waiter whose priority justified a boost.
	WaiterPID ThreadID `json:"waiter_pid,omitempty"`

	OldPriority Priority `json:"old_priority,omitempty"`
	NewPriority Priority `json:"new_priority,omitempty"`

	// PrevPID is the task that held the CPU before a dispatch.
	PrevPID ThreadID `json:"prev_pid,omitempty"`

	// NextPID is the task whose arrival in the ready queue preempted PID.
	NextPID ThreadID `json:"next_pid,omitempty"`

	// WaitTicks is how long PID waited for Lock before lock_acquired.
	WaitTicks uint64 `json:"wait_ticks,omitempty"`

	Detail string `json:"detail,omitempty"`
}

// String implements fmt.Stringer.
func (e Event) String() string {
	switch e.Type {
	case EventSpawn:
		return fmt.Sprintf("spawn pid=%d name=%s priority=%d", e.PID, e.Name, e.Priority)
	case EventDispatch:
		return fmt.Sprintf("dispatch pid=%d priority=%d prev=%d", e.PID, e.Priority, e.PrevPID)
	case EventPreempt:
		return fmt.Sprintf("preempt pid=%d priority=%d by=%d", e.PID, e.Priority, e.NextPID)
	case EventPrioritySet:
		return fmt.Sprintf("setpriority pid=%d base %d -> %d", e.PID, e.OldPriority, e.NewPriority)
	case EventLockRequest:
		return fmt.Sprintf("lock_request pid=%d priority=%d lock=%d holder=%d holder_priority=%d", e.PID, e.Priority, e.Lock, e.HolderPID, e.HolderPriority)
	case EventLockAcquired:
		return fmt.Sprintf("lock_acquired pid=%d lock=%d waited=%d", e.PID, e.Lock, e.WaitTicks)
	case EventLockReleased:
		return fmt.Sprintf("lock_released pid=%d lock=%d", e.PID, e.Lock)
	case EventPriorityBoost:
		return fmt.Sprintf("PRIORITY BOOST pid=%d %d -> %d waiter=%d lock=%d", e.PID, e.OldPriority, e.NewPriority, e.WaiterPID, e.Lock)
	case EventPriorityRestore:
		return fmt.Sprintf("PRIORITY RESTORE pid=%d %d -> %d", e.PID, e.OldPriority, e.NewPriority)
	case EventWaitCancelled:
		return fmt.Sprintf("wait_cancelled pid=%d lock=%d", e.PID, e.Lock)
	case EventUsageError:
		return fmt.Sprintf("usage_error pid=%d lock=%d: %s", e.PID, e.Lock, e.Detail)
	case EventExit:
		return fmt.Sprintf("exit pid=%d (%s)", e.PID, e.Detail)
	default:
		return fmt.Sprintf("%s pid=%d", e.Type, e.PID)
	}
}

// Listener is notified of kernel events. OnEvent is called in event order
// after the kernel's state lock is released, but with its notification lock
// held. It may call read-only Kernel methods such as EffectivePriority or Current.
// Calling a Kernel method that changes state from OnEvent deadlocks.
type Listener interface {
	OnEvent(ev Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ev Event)

// OnEvent implements Listener.OnEvent.
func (f ListenerFunc) OnEvent(ev Event) {
	f(ev)
}

// Recorder is a Listener that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// OnEvent implements Listener.OnEvent.
func (r *Recorder) OnEvent(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events. If types are given, only
// events of those types are returned.
func (r *Recorder) Events(types ...EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if len(types) == 0 || slices.Contains(types, ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

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

import "github.com/google/btree"

// readyQueueDegree is the B-tree degree of the ready queue.
const readyQueueDegree = 8

// readyLess orders runnable tasks by effective priority. Ties go to the task
// that became runnable first, which is the one that has waited longest since
// it last held the CPU.
func readyLess(a, b *Task) bool {
	if a.effectivePriority != b.effectivePriority {
		return a.effectivePriority < b.effectivePriority
	}
	if a.readySeq != b.readySeq {
		return a.readySeq < b.readySeq
	}
	return a.tid < b.tid
}

func newReadyQueue() *btree.BTreeG[*Task] {
	return btree.NewG[*Task](readyQueueDegree, readyLess)
}

// enqueueLocked makes t runnable.
//
// Preconditions: k.mu is locked; t is not in the ready queue.
func (k *Kernel) enqueueLocked(t *Task) {
	t.state = TaskRunnable
	k.seq++
	t.readySeq = k.seq
	k.ready.ReplaceOrInsert(t)
}

// reschedLocked is the preemption check. If the CPU is idle, the most urgent
// runnable task is dispatched. If a runnable task is strictly more urgent than
// the running task, the running task is preempted.
//
// Preconditions: k.mu is locked.
func (k *Kernel) reschedLocked() {
	next, ok := k.ready.Min()
	if !ok {
		return
	}
	if cur := k.current; cur != nil {
		if next.effectivePriority >= cur.effectivePriority {
			return
		}
		k.current = nil
		k.enqueueLocked(cur)
		k.emitLocked(Event{
			Type:     EventPreempt,
			PID:      cur.tid,
			Name:     cur.name,
			Priority: cur.effectivePriority,
			NextPID:  next.tid,
		})
	}
	k.dispatchLocked()
}

// dispatchLocked moves the most urgent runnable task onto the CPU. It is an
// idle dispatch if no task is runnable.
//
// Preconditions: k.mu is locked; k.current is nil.
func (k *Kernel) dispatchLocked() {
	if k.current != nil {
		panic("dispatch with a running task")
	}
	next, ok := k.ready.DeleteMin()
	if !ok {
		return
	}
	next.state = TaskRunning
	next.lastScheduled = k.tick
	k.current = next
	k.switches++

	var prev ThreadID
	if k.last != nil {
		prev = k.last.tid
	}
	k.last = next
	k.emitLocked(Event{
		Type:     EventDispatch,
		PID:      next.tid,
		Name:     next.name,
		Priority: next.effectivePriority,
		PrevPID:  prev,
	})
}

// Tick advances the clock by one tick, charges it to the running task and
// runs the preemption check. It returns the new tick.
func (k *Kernel) Tick() uint64 {
	k.mu.Lock()
	defer k.unlockAndFlush()

	k.tick++
	if k.current != nil {
		k.current.runTicks++
	} else {
		k.idleTicks++
	}
	k.reschedLocked()
	return k.tick
}

// CurrentTick returns the number of ticks since the kernel was created.
func (k *Kernel) CurrentTick() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tick
}

// Current returns the running task, if any.
func (k *Kernel) Current() (ThreadID, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		return 0, false
	}
	return k.current.tid, true
}

// Runnable returns the runnable tasks in the order they would be dispatched.
func (k *Kernel) Runnable() []ThreadID {
	k.mu.Lock()
	defer k.mu.Unlock()
	var tids []ThreadID
	k.ready.Ascend(func(t *Task) bool {
		tids = append(tids, t.tid)
		return true
	})
	return tids
}

// SchedStats are cumulative scheduler counters.
type SchedStats struct {
	Ticks           uint64 `json:"ticks"`
	IdleTicks       uint64 `json:"idle_ticks"`
	ContextSwitches uint64 `json:"context_switches"`
}

// SchedStats returns the scheduler counters.
func (k *Kernel) SchedStats() SchedStats {
	k.mu.Lock()
	defer k.mu.Unlock()
	return SchedStats{
		Ticks:           k.tick,
		IdleTicks:       k.idleTicks,
		ContextSwitches: k.switches,
	}
}

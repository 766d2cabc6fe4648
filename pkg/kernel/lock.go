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

// LockID identifies a lock registered with Kernel.NewLock. Valid IDs start at
// 1.
type LockID int32

// NoLock is the zero LockID, used where no lock applies.
const NoLock LockID = 0

// Lock is a mutual exclusion lock with priority inheritance. While a task
// waits on a Lock, the owner runs at least at the waiter's effective priority,
// transitively through any locks the owner itself waits on.
//
// All fields are protected by Kernel.mu, which is the non priority-aware
// exclusion protecting the lock's own bookkeeping.
type Lock struct {
	id   LockID
	name string

	// owner is the task holding the lock, or nil if it is free.
	owner *Task

	// waiters are the tasks blocked on this lock in arrival order.
	waiters []*Task

	acquisitions uint64
	contentions  uint64
}

// topWaiter returns the most urgent waiter. Waiters of equal priority are
// ordered by arrival.
func (l *Lock) topWaiter() *Task {
	var top *Task
	for _, w := range l.waiters {
		if top == nil || w.effectivePriority < top.effectivePriority ||
			(w.effectivePriority == top.effectivePriority && w.waitSeq < top.waitSeq) {
			top = w
		}
	}
	return top
}

func (l *Lock) removeWaiter(t *Task) {
	for i, w := range l.waiters {
		if w == t {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("task %d is not waiting on lock %d", t.tid, l.id))
}

// LockInfo is a snapshot of a lock.
type LockInfo struct {
	ID    LockID   `json:"id"`
	Name  string   `json:"name"`
	Owner ThreadID `json:"owner,omitempty"`

	// Waiters are listed in the order they would be granted the lock.
	Waiters []ThreadID `json:"waiters,omitempty"`

	Acquisitions uint64 `json:"acquisitions"`
	Contentions  uint64 `json:"contentions"`
}

// Preconditions: Kernel.mu is locked.
func (l *Lock) info() LockInfo {
	li := LockInfo{
		ID:           l.id,
		Name:         l.name,
		Acquisitions: l.acquisitions,
		Contentions:  l.contentions,
	}
	if l.owner != nil {
		li.Owner = l.owner.tid
	}
	pending := append([]*Task(nil), l.waiters...)
	for len(pending) > 0 {
		top := (&Lock{waiters: pending}).topWaiter()
		li.Waiters = append(li.Waiters, top.tid)
		for i, w := range pending {
			if w == top {
				pending = append(pending[:i], pending[i+1:]...)
				break
			}
		}
	}
	return li
}

// NewLock registers a new, free lock and returns its ID.
func (k *Kernel) NewLock(name string) LockID {
	k.mu.Lock()
	defer k.mu.Unlock()

	id := LockID(len(k.locks) + 1)
	if name == "" {
		name = fmt.Sprintf("lock-%d", id)
	}
	k.locks = append(k.locks, &Lock{id: id, name: name})
	return id
}

// LockAcquire acquires lock lid on behalf of the running task tid.
//
// If the lock is free it is granted immediately and acquired is true. If it
// is owned, tid is blocked and acquired is false: the owner chain inherits
// tid's priority, and tid owns the lock once it is next dispatched.
func (k *Kernel) LockAcquire(lid LockID, tid ThreadID) (acquired bool, err error) {
	k.mu.Lock()
	defer k.unlockAndFlush()

	t, err := k.runningTaskLocked(tid)
	if err != nil {
		return false, err
	}
	l, err := k.lockLocked(lid)
	if err != nil {
		return false, err
	}

	switch {
	case l.owner == t:
		return false, k.usageErrorLocked("acquire", t, l, ErrRecursiveAcquire)
	case l.owner == nil:
		k.grantLocked(l, t, 0)
		return true, nil
	case k.waitsOnLocked(l, t):
		return false, k.usageErrorLocked("acquire", t, l, ErrLockCycle)
	}

	holder := l.owner
	l.contentions++
	k.emitLocked(Event{
		Type:           EventLockRequest,
		PID:            t.tid,
		Name:           t.name,
		Priority:       t.effectivePriority,
		Lock:           l.id,
		HolderPID:      holder.tid,
		HolderPriority: holder.effectivePriority,
	})

	t.state = TaskBlocked
	t.blockedOn = l
	t.blockedAt = k.tick
	k.seq++
	t.waitSeq = k.seq
	l.waiters = append(l.waiters, t)
	k.current = nil

	k.propagateLocked(holder)
	k.reschedLocked()
	return false, nil
}

// LockRelease releases lock lid, which must be owned by the running task tid.
// The task's effective priority is recomputed from the locks it still holds,
// and the most urgent waiter, if any, becomes the new owner.
func (k *Kernel) LockRelease(lid LockID, tid ThreadID) error {
	k.mu.Lock()
	defer k.unlockAndFlush()

	t, err := k.runningTaskLocked(tid)
	if err != nil {
		return err
	}
	l, err := k.lockLocked(lid)
	if err != nil {
		return err
	}
	if l.owner != t {
		return k.usageErrorLocked("release", t, l, ErrNotOwner)
	}

	k.dropLocked(l, t)
	k.propagateLocked(t)
	k.handoffLocked(l)
	k.reschedLocked()
	return nil
}

// CancelWait withdraws the blocked task tid from the lock it waits for. Any
// boost that only tid justified is reversed along the owner chain, and tid
// becomes runnable without the lock.
func (k *Kernel) CancelWait(tid ThreadID) error {
	k.mu.Lock()
	defer k.unlockAndFlush()

	t, err := k.liveTaskLocked(tid)
	if err != nil {
		return err
	}
	if t.state != TaskBlocked {
		return fmt.Errorf("%w: task %d is %v", ErrNotBlocked, tid, t.state)
	}

	l := t.blockedOn
	k.unblockLocked(t)
	k.emitLocked(Event{
		Type:     EventWaitCancelled,
		PID:      t.tid,
		Name:     t.name,
		Priority: t.effectivePriority,
		Lock:     l.id,
	})
	k.enqueueLocked(t)
	k.reschedLocked()
	return nil
}

// grantLocked makes t the owner of the free lock l after waiting for it for
// waited ticks.
//
// Preconditions: k.mu is locked; l.owner is nil.
func (k *Kernel) grantLocked(l *Lock, t *Task, waited uint64) {
	l.owner = t
	l.acquisitions++
	t.held = append(t.held, l)
	k.emitLocked(Event{
		Type:      EventLockAcquired,
		PID:       t.tid,
		Name:      t.name,
		Priority:  t.effectivePriority,
		Lock:      l.id,
		WaitTicks: waited,
	})
}

// dropLocked removes l from the locks held by its owner t. The lock keeps no
// owner until handoffLocked runs.
//
// Preconditions: k.mu is locked; l.owner is t.
func (k *Kernel) dropLocked(l *Lock, t *Task) {
	t.removeHeld(l)
	l.owner = nil
	k.emitLocked(Event{
		Type:     EventLockReleased,
		PID:      t.tid,
		Name:     t.name,
		Priority: t.effectivePriority,
		Lock:     l.id,
	})
}

// handoffLocked passes the ownerless lock l to its most urgent waiter, which
// becomes runnable and inherits from the waiters that remain.
//
// Preconditions: k.mu is locked; l.owner is nil.
func (k *Kernel) handoffLocked(l *Lock) {
	w := l.topWaiter()
	if w == nil {
		return
	}
	l.removeWaiter(w)
	w.blockedOn = nil
	waited := k.tick - w.blockedAt
	w.waitTicks += waited
	k.grantLocked(l, w, waited)
	k.enqueueLocked(w)
	k.propagateLocked(w)
}

// unblockLocked removes the blocked task t from its lock's waiters and
// recomputes the owner chain it was boosting. t's state is left for the
// caller to set.
//
// Preconditions: k.mu is locked; t.state is TaskBlocked.
func (k *Kernel) unblockLocked(t *Task) {
	l := t.blockedOn
	l.removeWaiter(t)
	t.blockedOn = nil
	t.waitTicks += k.tick - t.blockedAt
	if l.owner != nil {
		k.propagateLocked(l.owner)
	}
}

// waitsOnLocked returns true if t appears in the chain of owners that l's
// owner is blocked behind, including l's owner itself.
//
// Preconditions: k.mu is locked.
func (k *Kernel) waitsOnLocked(l *Lock, t *Task) bool {
	for hops, o := 0, l.owner; o != nil; hops++ {
		if o == t {
			return true
		}
		if o.blockedOn == nil || hops > len(k.tasks) {
			return false
		}
		o = o.blockedOn.owner
	}
	return false
}

// propagateLocked recomputes the effective priority of t from its base
// priority and the waiters of the locks it holds. If the priority changed and
// t is itself blocked, the owner of the lock t waits on is recomputed next,
// and so on down the chain. The walk ends at the first task whose priority is
// unchanged or that is not blocked.
//
// Preconditions: k.mu is locked.
func (k *Kernel) propagateLocked(t *Task) {
	for hops := 0; t != nil; hops++ {
		if hops > len(k.tasks) {
			panic(fmt.Sprintf("priority inheritance chain through task %d does not terminate", t.tid))
		}
		want, src, via := t.inheritedPriority()
		if want == t.effectivePriority {
			return
		}
		k.setEffectiveLocked(t, want, src, via)
		if t.blockedOn == nil {
			return
		}
		t = t.blockedOn.owner
	}
}

// setEffectiveLocked changes the effective priority of t, keeping the ready
// queue ordered. src and via name the waiter and lock responsible for a boost.
//
// Preconditions: k.mu is locked.
func (k *Kernel) setEffectiveLocked(t *Task, p Priority, src *Task, via *Lock) {
	old := t.effectivePriority
	if t.state == TaskRunnable {
		k.ready.Delete(t)
		t.effectivePriority = p
		k.ready.ReplaceOrInsert(t)
	} else {
		t.effectivePriority = p
	}

	ev := Event{
		Type:        EventPriorityRestore,
		PID:         t.tid,
		Name:        t.name,
		Priority:    p,
		OldPriority: old,
		NewPriority: p,
	}
	if p < old {
		ev.Type = EventPriorityBoost
		ev.HolderPID = t.tid
	}
	if src != nil {
		ev.WaiterPID = src.tid
		ev.Lock = via.id
	}
	k.emitLocked(ev)
}

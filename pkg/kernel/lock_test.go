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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLockUncontended(t *testing.T) {
	k, rec := newTestKernel(t)
	l := k.NewLock("")
	a := mustSpawn(t, k, "a", 4)

	mustAcquire(t, k, l, a, true)
	info, err := k.Lock(l)
	if err != nil {
		t.Fatalf("Lock(%d) failed: %v", l, err)
	}
	want := LockInfo{ID: l, Name: "lock-1", Owner: a, Acquisitions: 1}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Lock(%d) mismatch (-want +got):\n%s", l, diff)
	}

	mustRelease(t, k, l, a)
	checkPriorities(t, k, map[ThreadID]Priority{a: 4})
	if got := rec.Events(EventPriorityBoost, EventPriorityRestore); len(got) != 0 {
		t.Errorf("uncontended lock changed priorities: %v", got)
	}
	if info, _ := k.Lock(l); info.Owner != 0 {
		t.Errorf("released lock still owned by %d", info.Owner)
	}
}

func TestLockConfigErrors(t *testing.T) {
	k, _ := newTestKernel(t)
	l := k.NewLock("L")
	a := mustSpawn(t, k, "a", 1)
	b := mustSpawn(t, k, "b", 5)

	for _, tc := range []struct {
		name string
		op   func() error
		want error
	}{
		{
			name: "unknown lock",
			op:   func() error { _, err := k.LockAcquire(42, a); return err },
			want: ErrNoSuchLock,
		},
		{
			name: "unknown task",
			op:   func() error { _, err := k.LockAcquire(l, 42); return err },
			want: ErrNoSuchTask,
		},
		{
			name: "acquire while runnable",
			op:   func() error { _, err := k.LockAcquire(l, b); return err },
			want: ErrNotRunning,
		},
		{
			name: "release while runnable",
			op:   func() error { return k.LockRelease(l, b) },
			want: ErrNotRunning,
		},
		{
			name: "cancel without wait",
			op:   func() error { return k.CancelWait(a) },
			want: ErrNotBlocked,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.op(); !errors.Is(err, tc.want) {
				t.Errorf("got err %v, want %v", err, tc.want)
			}
			checkCurrent(t, k, a)
			if st, _ := k.State(b); st != TaskRunnable {
				t.Errorf("State(b) = %v, want %v", st, TaskRunnable)
			}
		})
	}
}

func TestTransitiveInheritance(t *testing.T) {
	k, rec := newTestKernel(t)
	l1 := k.NewLock("L1")
	l2 := k.NewLock("L2")

	a := mustSpawn(t, k, "a", 10)
	mustAcquire(t, k, l1, a, true)
	b := mustSpawn(t, k, "b", 5)
	mustAcquire(t, k, l2, b, true)
	mustAcquire(t, k, l1, b, false)
	checkCurrent(t, k, a)
	checkPriorities(t, k, map[ThreadID]Priority{a: 5, b: 5})

	c := mustSpawn(t, k, "c", 1)
	mustAcquire(t, k, l2, c, false)
	checkCurrent(t, k, a)
	checkPriorities(t, k, map[ThreadID]Priority{a: 1, b: 1, c: 1})

	// An unrelated medium task cannot get ahead of the chain.
	m := mustSpawn(t, k, "m", 3)
	checkCurrent(t, k, a)

	mustRelease(t, k, l1, a)
	checkCurrent(t, k, b)
	checkPriorities(t, k, map[ThreadID]Priority{a: 10, b: 1})

	mustRelease(t, k, l1, b)
	checkCurrent(t, k, b)
	checkPriorities(t, k, map[ThreadID]Priority{b: 1})

	mustRelease(t, k, l2, b)
	checkCurrent(t, k, c)
	checkPriorities(t, k, map[ThreadID]Priority{b: 5})

	mustRelease(t, k, l2, c)
	mustExit(t, k, c)
	checkCurrent(t, k, m)

	want := []Event{
		{Type: EventPriorityBoost, PID: a, Priority: 5, OldPriority: 10, NewPriority: 5, HolderPID: a, WaiterPID: b, Lock: l1},
		{Type: EventPriorityBoost, PID: b, Priority: 1, OldPriority: 5, NewPriority: 1, HolderPID: b, WaiterPID: c, Lock: l2},
		{Type: EventPriorityBoost, PID: a, Priority: 1, OldPriority: 5, NewPriority: 1, HolderPID: a, WaiterPID: b, Lock: l1},
		{Type: EventPriorityRestore, PID: a, Priority: 10, OldPriority: 1, NewPriority: 10},
		{Type: EventPriorityRestore, PID: b, Priority: 5, OldPriority: 1, NewPriority: 5},
	}
	if diff := cmp.Diff(want, rec.Events(EventPriorityBoost, EventPriorityRestore), ignoreBookkeeping); diff != "" {
		t.Errorf("inheritance events mismatch (-want +got):\n%s", diff)
	}
}

func TestCancelWaitRestoresChain(t *testing.T) {
	k, rec := newTestKernel(t)
	l1 := k.NewLock("L1")
	l2 := k.NewLock("L2")

	a := mustSpawn(t, k, "a", 10)
	mustAcquire(t, k, l1, a, true)
	b := mustSpawn(t, k, "b", 5)
	mustAcquire(t, k, l2, b, true)
	mustAcquire(t, k, l1, b, false)
	c := mustSpawn(t, k, "c", 1)
	mustAcquire(t, k, l2, c, false)
	checkPriorities(t, k, map[ThreadID]Priority{a: 1, b: 1})

	if err := k.CancelWait(c); err != nil {
		t.Fatalf("CancelWait failed: %v", err)
	}
	checkCurrent(t, k, c)
	checkPriorities(t, k, map[ThreadID]Priority{a: 5, b: 5, c: 1})
	if info, _ := k.Lock(l2); len(info.Waiters) != 0 || info.Owner != b {
		t.Errorf("Lock(L2) = %+v, want owned by b without waiters", info)
	}
	if info, _ := k.Task(c); info.Held != nil {
		t.Errorf("cancelled waiter holds %v", info.Held)
	}
	if err := k.CancelWait(c); !errors.Is(err, ErrNotBlocked) {
		t.Errorf("second CancelWait got err %v, want %v", err, ErrNotBlocked)
	}

	cancels := rec.Events(EventWaitCancelled)
	if len(cancels) != 1 || cancels[0].PID != c || cancels[0].Lock != l2 {
		t.Errorf("wait_cancelled events = %v", cancels)
	}
}

func TestMultipleLocksRestore(t *testing.T) {
	k, _ := newTestKernel(t)
	l1 := k.NewLock("L1")
	l2 := k.NewLock("L2")

	h := mustSpawn(t, k, "h", 10)
	mustAcquire(t, k, l1, h, true)
	mustAcquire(t, k, l2, h, true)

	w := mustSpawn(t, k, "w", 2)
	mustAcquire(t, k, l1, w, false)
	checkCurrent(t, k, h)
	checkPriorities(t, k, map[ThreadID]Priority{h: 2})

	v := mustSpawn(t, k, "v", 1)
	mustAcquire(t, k, l2, v, false)
	checkCurrent(t, k, h)
	checkPriorities(t, k, map[ThreadID]Priority{h: 1})

	// Releasing L2 keeps the boost justified by the waiter on L1.
	mustRelease(t, k, l2, h)
	checkCurrent(t, k, v)
	checkPriorities(t, k, map[ThreadID]Priority{h: 2})

	mustRelease(t, k, l2, v)
	mustExit(t, k, v)
	checkCurrent(t, k, h)

	mustRelease(t, k, l1, h)
	checkCurrent(t, k, w)
	checkPriorities(t, k, map[ThreadID]Priority{h: 10, w: 2})
}

func TestTopWaiterGetsLock(t *testing.T) {
	k, _ := newTestKernel(t)
	l := k.NewLock("L")

	o := mustSpawn(t, k, "o", 10)
	mustAcquire(t, k, l, o, true)
	w2 := mustSpawn(t, k, "w2", 7)
	mustAcquire(t, k, l, w2, false)
	checkPriorities(t, k, map[ThreadID]Priority{o: 7})
	w1 := mustSpawn(t, k, "w1", 3)
	mustAcquire(t, k, l, w1, false)
	checkPriorities(t, k, map[ThreadID]Priority{o: 3})

	info, _ := k.Lock(l)
	if diff := cmp.Diff([]ThreadID{w1, w2}, info.Waiters); diff != "" {
		t.Errorf("waiters mismatch (-want +got):\n%s", diff)
	}

	mustRelease(t, k, l, o)
	checkCurrent(t, k, w1)
	checkPriorities(t, k, map[ThreadID]Priority{o: 10, w1: 3})
	info, _ = k.Lock(l)
	if info.Owner != w1 || len(info.Waiters) != 1 || info.Waiters[0] != w2 {
		t.Errorf("Lock(L) = %+v, want owner w1 and waiter w2", info)
	}

	mustRelease(t, k, l, w1)
	checkCurrent(t, k, w1)
	mustExit(t, k, w1)
	checkCurrent(t, k, w2)
	mustRelease(t, k, l, w2)
	mustExit(t, k, w2)
	checkCurrent(t, k, o)
}

func TestEqualWaitersFirstComeFirstServed(t *testing.T) {
	k, rec := newTestKernel(t)
	l := k.NewLock("L")

	o := mustSpawn(t, k, "o", 10)
	mustAcquire(t, k, l, o, true)
	a := mustSpawn(t, k, "a", 5)
	mustAcquire(t, k, l, a, false)
	b := mustSpawn(t, k, "b", 2)
	mustAcquire(t, k, l, b, false)
	checkPriorities(t, k, map[ThreadID]Priority{o: 2})

	// Lowering a blocked waiter propagates to the owner.
	rec.Reset()
	if err := k.SetBasePriority(b, 5); err != nil {
		t.Fatalf("SetBasePriority failed: %v", err)
	}
	checkPriorities(t, k, map[ThreadID]Priority{o: 5, a: 5, b: 5})
	restores := rec.Events(EventPriorityRestore)
	if len(restores) != 2 || restores[0].PID != b || restores[1].PID != o {
		t.Errorf("restore events = %v, want b then o", restores)
	}

	info, _ := k.Lock(l)
	if diff := cmp.Diff([]ThreadID{a, b}, info.Waiters); diff != "" {
		t.Errorf("waiters mismatch (-want +got):\n%s", diff)
	}
	mustRelease(t, k, l, o)
	checkCurrent(t, k, a)
	if info, _ := k.Lock(l); info.Owner != a {
		t.Errorf("Lock(L).Owner = %d, want %d", info.Owner, a)
	}
}

func TestUsageErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		op   string
		want error
		run  func(k *Kernel, l LockID, tid ThreadID) error
	}{
		{
			name: "release unowned",
			op:   "release",
			want: ErrNotOwner,
			run: func(k *Kernel, l LockID, tid ThreadID) error {
				return k.LockRelease(l, tid)
			},
		},
		{
			name: "recursive acquire",
			op:   "acquire",
			want: ErrRecursiveAcquire,
			run: func(k *Kernel, l LockID, tid ThreadID) error {
				if _, err := k.LockAcquire(l, tid); err != nil {
					return err
				}
				_, err := k.LockAcquire(l, tid)
				return err
			},
		},
		{
			name: "exit holding",
			op:   "exit",
			want: ErrExitHoldingLocks,
			run: func(k *Kernel, l LockID, tid ThreadID) error {
				if _, err := k.LockAcquire(l, tid); err != nil {
					return err
				}
				return k.Exit(tid)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k, rec := newTestKernel(t)
			l := k.NewLock("L")
			a := mustSpawn(t, k, "a", 3)
			b := mustSpawn(t, k, "b", 6)

			err := tc.run(k, l, a)
			if !errors.Is(err, tc.want) {
				t.Fatalf("got err %v, want %v", err, tc.want)
			}
			var ue *UsageError
			if !errors.As(err, &ue) {
				t.Fatalf("got err %T, want *UsageError", err)
			}
			want := UsageError{Op: tc.op, TID: a, Lock: l, Err: tc.want}
			if diff := cmp.Diff(want, *ue, cmpopts.EquateErrors()); diff != "" {
				t.Errorf("UsageError mismatch (-want +got):\n%s", diff)
			}

			// The offender is aborted and its locks are free.
			if st, _ := k.State(a); st != TaskZombie {
				t.Errorf("State(a) = %v, want %v", st, TaskZombie)
			}
			checkCurrent(t, k, b)
			if info, _ := k.Lock(l); info.Owner != 0 {
				t.Errorf("lock still owned by %d", info.Owner)
			}
			if got := rec.Events(EventUsageError); len(got) != 1 || got[0].PID != a {
				t.Errorf("usage_error events = %v", got)
			}
		})
	}
}

func TestUsageErrorHalt(t *testing.T) {
	k, _ := newTestKernel(t, WithUsageErrorPolicy(Halt))
	l := k.NewLock("L")
	a := mustSpawn(t, k, "a", 3)

	defer func() {
		r := recover()
		ue, ok := r.(*UsageError)
		if !ok {
			t.Fatalf("recovered %v, want *UsageError", r)
		}
		if !errors.Is(ue, ErrNotOwner) {
			t.Errorf("recovered %v, want %v", ue, ErrNotOwner)
		}
		// The kernel lock must have been released by the panic.
		if _, err := k.State(a); err != nil {
			t.Errorf("State failed after halt: %v", err)
		}
	}()
	_ = k.LockRelease(l, a)
	t.Fatalf("LockRelease of unowned lock did not panic")
}

func TestExitHoldingHandsOff(t *testing.T) {
	k, rec := newTestKernel(t)
	l := k.NewLock("L")
	o := mustSpawn(t, k, "o", 10)
	mustAcquire(t, k, l, o, true)
	w := mustSpawn(t, k, "w", 1)
	mustAcquire(t, k, l, w, false)
	checkCurrent(t, k, o)

	if err := k.Exit(o); !errors.Is(err, ErrExitHoldingLocks) {
		t.Fatalf("Exit got err %v, want %v", err, ErrExitHoldingLocks)
	}
	checkCurrent(t, k, w)
	if info, _ := k.Lock(l); info.Owner != w {
		t.Errorf("Lock(L).Owner = %d, want %d", info.Owner, w)
	}
	acq := rec.Events(EventLockAcquired)
	if last := acq[len(acq)-1]; last.PID != w {
		t.Errorf("last lock_acquired = %v, want w", last)
	}
}

func TestKillHolder(t *testing.T) {
	k, rec := newTestKernel(t)
	l1 := k.NewLock("L1")
	l2 := k.NewLock("L2")
	o := mustSpawn(t, k, "o", 10)
	mustAcquire(t, k, l1, o, true)
	mustAcquire(t, k, l2, o, true)
	w := mustSpawn(t, k, "w", 1)
	mustAcquire(t, k, l1, w, false)

	if err := k.Kill(o); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	checkCurrent(t, k, w)
	if info, _ := k.Lock(l1); info.Owner != w {
		t.Errorf("Lock(L1).Owner = %d, want %d", info.Owner, w)
	}
	if info, _ := k.Lock(l2); info.Owner != 0 {
		t.Errorf("Lock(L2).Owner = %d, want free", info.Owner)
	}
	if got := rec.Events(EventUsageError); len(got) != 0 {
		t.Errorf("Kill reported usage errors: %v", got)
	}
}

func TestKillWaiter(t *testing.T) {
	k, _ := newTestKernel(t)
	l := k.NewLock("L")
	o := mustSpawn(t, k, "o", 10)
	mustAcquire(t, k, l, o, true)
	w := mustSpawn(t, k, "w", 1)
	mustAcquire(t, k, l, w, false)
	checkPriorities(t, k, map[ThreadID]Priority{o: 1})

	if err := k.Kill(w); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	checkCurrent(t, k, o)
	checkPriorities(t, k, map[ThreadID]Priority{o: 10})
	if info, _ := k.Lock(l); len(info.Waiters) != 0 {
		t.Errorf("killed waiter still queued: %v", info.Waiters)
	}
}

func TestLockCycle(t *testing.T) {
	k, _ := newTestKernel(t)
	l1 := k.NewLock("L1")
	l2 := k.NewLock("L2")

	a := mustSpawn(t, k, "a", 10)
	mustAcquire(t, k, l1, a, true)
	b := mustSpawn(t, k, "b", 5)
	mustAcquire(t, k, l2, b, true)
	mustAcquire(t, k, l1, b, false)
	checkCurrent(t, k, a)

	_, err := k.LockAcquire(l2, a)
	if !errors.Is(err, ErrLockCycle) {
		t.Fatalf("LockAcquire got err %v, want %v", err, ErrLockCycle)
	}
	checkCurrent(t, k, b)
	if info, _ := k.Lock(l1); info.Owner != b {
		t.Errorf("Lock(L1).Owner = %d, want %d", info.Owner, b)
	}
	checkPriorities(t, k, map[ThreadID]Priority{b: 5})
}

func TestSetBasePriorityWhileHolding(t *testing.T) {
	k, _ := newTestKernel(t)
	l := k.NewLock("L")
	o := mustSpawn(t, k, "o", 10)
	mustAcquire(t, k, l, o, true)
	w := mustSpawn(t, k, "w", 3)
	mustAcquire(t, k, l, w, false)

	if err := k.SetBasePriority(o, 1); err != nil {
		t.Fatalf("SetBasePriority failed: %v", err)
	}
	checkPriorities(t, k, map[ThreadID]Priority{o: 1})
	if err := k.SetBasePriority(o, 8); err != nil {
		t.Fatalf("SetBasePriority failed: %v", err)
	}
	checkPriorities(t, k, map[ThreadID]Priority{o: 3})
	if base, _ := k.BasePriority(o); base != 8 {
		t.Errorf("BasePriority(o) = %d, want 8", base)
	}
}

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

// ignoreBookkeeping drops the fields of Event that depend on event numbering
// and the clock rather than on scheduling decisions.
var ignoreBookkeeping = cmpopts.IgnoreFields(Event{}, "Seq", "Tick", "Name")

func newTestKernel(t *testing.T, opts ...Option) (*Kernel, *Recorder) {
	t.Helper()
	rec := &Recorder{}
	k := New(append(opts, WithListener(rec))...)
	return k, rec
}

func mustSpawn(t *testing.T, k *Kernel, name string, p Priority) ThreadID {
	t.Helper()
	tid, err := k.Spawn(name, p)
	if err != nil {
		t.Fatalf("Spawn(%q, %d) failed: %v", name, p, err)
	}
	return tid
}

func mustAcquire(t *testing.T, k *Kernel, lid LockID, tid ThreadID, want bool) {
	t.Helper()
	got, err := k.LockAcquire(lid, tid)
	if err != nil {
		t.Fatalf("LockAcquire(%d, %d) failed: %v", lid, tid, err)
	}
	if got != want {
		t.Fatalf("LockAcquire(%d, %d) = %t, want %t", lid, tid, got, want)
	}
}

func mustRelease(t *testing.T, k *Kernel, lid LockID, tid ThreadID) {
	t.Helper()
	if err := k.LockRelease(lid, tid); err != nil {
		t.Fatalf("LockRelease(%d, %d) failed: %v", lid, tid, err)
	}
}

func mustExit(t *testing.T, k *Kernel, tid ThreadID) {
	t.Helper()
	if err := k.Exit(tid); err != nil {
		t.Fatalf("Exit(%d) failed: %v", tid, err)
	}
}

func checkCurrent(t *testing.T, k *Kernel, want ThreadID) {
	t.Helper()
	got, ok := k.Current()
	if !ok {
		t.Fatalf("CPU is idle, want task %d running", want)
	}
	if got != want {
		t.Fatalf("Current() = %d, want %d", got, want)
	}
}

func checkPriorities(t *testing.T, k *Kernel, want map[ThreadID]Priority) {
	t.Helper()
	for tid, p := range want {
		got, err := k.EffectivePriority(tid)
		if err != nil {
			t.Fatalf("EffectivePriority(%d) failed: %v", tid, err)
		}
		if got != p {
			t.Errorf("EffectivePriority(%d) = %d, want %d", tid, got, p)
		}
	}
}

func dispatched(rec *Recorder) []ThreadID {
	var tids []ThreadID
	for _, ev := range rec.Events(EventDispatch) {
		tids = append(tids, ev.PID)
	}
	return tids
}

func TestNewInvalidLowestPriority(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("New(WithLowestPriority(0)) did not panic")
		}
	}()
	New(WithLowestPriority(0))
}

func TestSpawn(t *testing.T) {
	k, rec := newTestKernel(t, WithLowestPriority(20))

	for _, p := range []Priority{0, -1, 21} {
		if _, err := k.Spawn("bad", p); !errors.Is(err, ErrInvalidPriority) {
			t.Errorf("Spawn(%d) got err %v, want %v", p, err, ErrInvalidPriority)
		}
	}
	if got := len(k.Tasks()); got != 0 {
		t.Fatalf("rejected spawns created %d tasks", got)
	}

	tid := mustSpawn(t, k, "", 20)
	info, err := k.Task(tid)
	if err != nil {
		t.Fatalf("Task(%d) failed: %v", tid, err)
	}
	want := TaskInfo{
		TID:               tid,
		Name:              "task-1",
		BasePriority:      20,
		EffectivePriority: 20,
		State:             TaskRunning,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Task(%d) mismatch (-want +got):\n%s", tid, diff)
	}

	wantEvents := []Event{
		{Type: EventSpawn, PID: tid, Priority: 20},
		{Type: EventDispatch, PID: tid, Priority: 20},
	}
	if diff := cmp.Diff(wantEvents, rec.Events(), ignoreBookkeeping); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestEventSequence(t *testing.T) {
	k, rec := newTestKernel(t)
	a := mustSpawn(t, k, "a", 5)
	mustSpawn(t, k, "b", 1)
	k.Tick()
	mustExit(t, k, a)

	var last uint64
	for _, ev := range rec.Events() {
		if ev.Seq <= last {
			t.Fatalf("event %v has seq %d after %d", ev, ev.Seq, last)
		}
		last = ev.Seq
	}
}

func TestSetBasePriority(t *testing.T) {
	k, rec := newTestKernel(t)
	a := mustSpawn(t, k, "a", 5)
	b := mustSpawn(t, k, "b", 6)

	if err := k.SetBasePriority(a, 11); !errors.Is(err, ErrInvalidPriority) {
		t.Errorf("SetBasePriority(11) got err %v, want %v", err, ErrInvalidPriority)
	}
	if err := k.SetBasePriority(99, 3); !errors.Is(err, ErrNoSuchTask) {
		t.Errorf("SetBasePriority(99) got err %v, want %v", err, ErrNoSuchTask)
	}

	// Lowering the runner below a runnable task yields the CPU.
	if err := k.SetBasePriority(a, 8); err != nil {
		t.Fatalf("SetBasePriority failed: %v", err)
	}
	checkCurrent(t, k, b)
	checkPriorities(t, k, map[ThreadID]Priority{a: 8, b: 6})

	// Raising a runnable task above the runner preempts it.
	if err := k.SetBasePriority(a, 2); err != nil {
		t.Fatalf("SetBasePriority failed: %v", err)
	}
	checkCurrent(t, k, a)

	want := []Event{
		{Type: EventPrioritySet, PID: a, Priority: 5, OldPriority: 5, NewPriority: 8},
		{Type: EventPriorityRestore, PID: a, Priority: 8, OldPriority: 5, NewPriority: 8},
		{Type: EventPrioritySet, PID: a, Priority: 8, OldPriority: 8, NewPriority: 2},
		{Type: EventPriorityBoost, PID: a, Priority: 2, OldPriority: 8, NewPriority: 2, HolderPID: a},
	}
	got := rec.Events(EventPrioritySet, EventPriorityBoost, EventPriorityRestore)
	if diff := cmp.Diff(want, got, ignoreBookkeeping); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if err := k.Exit(a); err != nil {
		t.Fatalf("Exit failed: %v", err)
	}
	if err := k.SetBasePriority(a, 3); !errors.Is(err, ErrTaskExited) {
		t.Errorf("SetBasePriority on exited task got err %v, want %v", err, ErrTaskExited)
	}
}

// TestLowMediumHigh is the classic unbounded priority inversion setup: a
// low priority task holds a lock needed by a high priority task while a
// medium priority task is runnable. The holder must run ahead of the medium
// task until it releases the lock.
func TestLowMediumHigh(t *testing.T) {
	k, rec := newTestKernel(t)
	l := k.NewLock("L")

	low := mustSpawn(t, k, "low", 10)
	mustAcquire(t, k, l, low, true)
	med := mustSpawn(t, k, "med", 5)
	checkCurrent(t, k, med)
	high := mustSpawn(t, k, "high", 1)
	checkCurrent(t, k, high)

	mustAcquire(t, k, l, high, false)
	checkCurrent(t, k, low)
	checkPriorities(t, k, map[ThreadID]Priority{low: 1, med: 5, high: 1})
	if got, _ := k.State(high); got != TaskBlocked {
		t.Errorf("State(high) = %v, want %v", got, TaskBlocked)
	}
	for i := 0; i < 3; i++ {
		k.Tick()
		checkCurrent(t, k, low)
	}

	mustRelease(t, k, l, low)
	checkCurrent(t, k, high)
	checkPriorities(t, k, map[ThreadID]Priority{low: 10})

	mustRelease(t, k, l, high)
	mustExit(t, k, high)
	checkCurrent(t, k, med)
	mustExit(t, k, med)
	checkCurrent(t, k, low)
	mustExit(t, k, low)
	if _, ok := k.Current(); ok {
		t.Errorf("CPU not idle after every task exited")
	}

	if diff := cmp.Diff([]ThreadID{low, med, high, low, high, med, low}, dispatched(rec)); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
	wantPI := []Event{
		{Type: EventPriorityBoost, PID: low, Priority: 1, OldPriority: 10, NewPriority: 1, HolderPID: low, WaiterPID: high, Lock: l},
		{Type: EventPriorityRestore, PID: low, Priority: 10, OldPriority: 1, NewPriority: 10},
	}
	if diff := cmp.Diff(wantPI, rec.Events(EventPriorityBoost, EventPriorityRestore), ignoreBookkeeping); diff != "" {
		t.Errorf("inheritance events mismatch (-want +got):\n%s", diff)
	}

	acq := rec.Events(EventLockAcquired)
	if len(acq) != 2 || acq[1].PID != high || acq[1].WaitTicks != 3 {
		t.Errorf("lock_acquired events = %v, want high to wait 3 ticks", acq)
	}
	info, _ := k.Task(high)
	if info.WaitTicks != 3 {
		t.Errorf("Task(high).WaitTicks = %d, want 3", info.WaitTicks)
	}
}

func TestListenerReadsKernel(t *testing.T) {
	var (
		k       *Kernel
		boosted []Priority
	)
	k = New(WithListener(ListenerFunc(func(ev Event) {
		if ev.Type != EventPriorityBoost {
			return
		}
		// State changes from this event are already visible.
		p, err := k.EffectivePriority(ev.PID)
		if err != nil {
			t.Errorf("EffectivePriority(%d) failed: %v", ev.PID, err)
		}
		boosted = append(boosted, p)
	})))
	l := k.NewLock("L")
	low := mustSpawn(t, k, "low", 10)
	mustAcquire(t, k, l, low, true)
	high := mustSpawn(t, k, "high", 1)
	mustAcquire(t, k, l, high, false)

	if diff := cmp.Diff([]Priority{1}, boosted); diff != "" {
		t.Errorf("priorities seen by listener mismatch (-want +got):\n%s", diff)
	}
}

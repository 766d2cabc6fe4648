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

// Package kernel implements a priority-preemptive scheduler for a single
// logical CPU together with priority inheritance locks.
//
// A Kernel owns a set of tasks and locks. Exactly one task runs at a time: the
// runnable task with the most urgent effective priority. A task that blocks on
// a Lock lends its effective priority to the lock's owner, and through the
// owner to the owner of any lock the owner waits on, so that a less urgent
// holder cannot be starved by unrelated work while an urgent task waits
// behind it. Releasing a lock only drops the boosts that no remaining held
// lock justifies.
//
// Kernel does not run code itself. Callers (see package sim) execute task
// bodies and report lock operations, ticks and exits; the Kernel decides which
// task holds the CPU.
package kernel

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// Options holds configuration for a Kernel.
type Options struct {
	// LowestPriority is the least urgent priority accepted.
	LowestPriority Priority

	// UsageErrorPolicy decides what happens on a usage error.
	UsageErrorPolicy UsageErrorPolicy

	// Listeners are notified of every event.
	Listeners []Listener
}

// Option is a function that configures Options.
type Option func(*Options)

// WithLowestPriority sets the least urgent priority the Kernel accepts.
func WithLowestPriority(p Priority) Option {
	return func(o *Options) {
		o.LowestPriority = p
	}
}

// WithUsageErrorPolicy sets the policy applied to usage errors.
func WithUsageErrorPolicy(p UsageErrorPolicy) Option {
	return func(o *Options) {
		o.UsageErrorPolicy = p
	}
}

// WithListener registers a Listener.
func WithListener(l Listener) Option {
	return func(o *Options) {
		o.Listeners = append(o.Listeners, l)
	}
}

// Kernel holds the scheduler and lock state of one simulated machine.
type Kernel struct {
	// mu protects all scheduling and locking state below. It is a plain
	// mutex: it is only held for bookkeeping, never while a task body runs.
	mu sync.Mutex

	lowest Priority
	policy UsageErrorPolicy

	tasks   map[ThreadID]*Task
	nextTID ThreadID

	// locks is indexed by LockID-1.
	locks []*Lock

	// ready contains every TaskRunnable task.
	ready *btree.BTreeG[*Task]

	// current is the TaskRunning task, or nil if the CPU is idle.
	current *Task

	// last is the most recently dispatched task.
	last *Task

	tick      uint64
	idleTicks uint64
	switches  uint64

	// seq is the source of readySeq and waitSeq.
	seq uint64

	eventSeq  uint64
	pending   []Event
	listeners []Listener

	// notifyMu serializes delivery of pending events so listeners observe
	// events in order. Lock order: mu, then notifyMu.
	notifyMu sync.Mutex
}

// New returns a Kernel with no tasks and no locks.
func New(opts ...Option) *Kernel {
	o := Options{
		LowestPriority:   DefaultLowestPriority,
		UsageErrorPolicy: AbortTask,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.LowestPriority < HighestPriority {
		panic(fmt.Sprintf("lowest priority %d is more urgent than %d", o.LowestPriority, HighestPriority))
	}

	return &Kernel{
		lowest:    o.LowestPriority,
		policy:    o.UsageErrorPolicy,
		tasks:     make(map[ThreadID]*Task),
		ready:     newReadyQueue(),
		listeners: o.Listeners,
	}
}

// AddListener registers l for all subsequent events.
func (k *Kernel) AddListener(l Listener) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.listeners = append(k.listeners[:len(k.listeners):len(k.listeners)], l)
}

// LowestPriority returns the least urgent priority the Kernel accepts.
func (k *Kernel) LowestPriority() Priority {
	return k.lowest
}

// Spawn creates a runnable task with the given base priority. The new task
// preempts the running task if it is more urgent.
func (k *Kernel) Spawn(name string, base Priority) (ThreadID, error) {
	if err := checkPriority(base, k.lowest); err != nil {
		return 0, err
	}

	k.mu.Lock()
	defer k.unlockAndFlush()

	k.nextTID++
	tid := k.nextTID
	if name == "" {
		name = fmt.Sprintf("task-%d", tid)
	}
	t := &Task{
		tid:               tid,
		name:              name,
		basePriority:      base,
		effectivePriority: base,
		spawnedAt:         k.tick,
	}
	k.tasks[tid] = t
	k.emitLocked(Event{
		Type:     EventSpawn,
		PID:      tid,
		Name:     name,
		Priority: base,
	})
	k.enqueueLocked(t)
	k.reschedLocked()
	return tid, nil
}

// SetBasePriority changes the base priority of tid. The effective priority
// stays at least as urgent as any waiter on a lock tid holds, and if tid is
// blocked the change propagates to the owners it waits behind.
func (k *Kernel) SetBasePriority(tid ThreadID, p Priority) error {
	if err := checkPriority(p, k.lowest); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.unlockAndFlush()

	t, err := k.liveTaskLocked(tid)
	if err != nil {
		return err
	}
	old := t.basePriority
	t.basePriority = p
	k.emitLocked(Event{
		Type:        EventPrioritySet,
		PID:         t.tid,
		Name:        t.name,
		Priority:    t.effectivePriority,
		OldPriority: old,
		NewPriority: p,
	})
	k.propagateLocked(t)
	k.reschedLocked()
	return nil
}

// EffectivePriority returns the priority tid is scheduled at.
func (k *Kernel) EffectivePriority(tid ThreadID) (Priority, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.taskLocked(tid)
	if err != nil {
		return 0, err
	}
	return t.effectivePriority, nil
}

// BasePriority returns the priority tid was configured with.
func (k *Kernel) BasePriority(tid ThreadID) (Priority, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.taskLocked(tid)
	if err != nil {
		return 0, err
	}
	return t.basePriority, nil
}

// State returns the scheduling state of tid.
func (k *Kernel) State(tid ThreadID) (TaskState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.taskLocked(tid)
	if err != nil {
		return 0, err
	}
	return t.state, nil
}

// Task returns a snapshot of tid.
func (k *Kernel) Task(tid ThreadID) (TaskInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, err := k.taskLocked(tid)
	if err != nil {
		return TaskInfo{}, err
	}
	return t.info(), nil
}

// Tasks returns snapshots of all tasks, including exited ones, by ThreadID.
func (k *Kernel) Tasks() []TaskInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	infos := make([]TaskInfo, 0, len(k.tasks))
	for _, t := range k.tasks {
		infos = append(infos, t.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TID < infos[j].TID })
	return infos
}

// Lock returns a snapshot of lid.
func (k *Kernel) Lock(lid LockID) (LockInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, err := k.lockLocked(lid)
	if err != nil {
		return LockInfo{}, err
	}
	return l.info(), nil
}

// Locks returns snapshots of all locks by LockID.
func (k *Kernel) Locks() []LockInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	infos := make([]LockInfo, 0, len(k.locks))
	for _, l := range k.locks {
		infos = append(infos, l.info())
	}
	return infos
}

// Exit is the termination hook for a task that finished normally. The task
// must not hold any lock; exiting with locks held is a usage error, after
// which the locks are handed to their waiters anyway.
func (k *Kernel) Exit(tid ThreadID) error {
	k.mu.Lock()
	defer k.unlockAndFlush()

	t, err := k.liveTaskLocked(tid)
	if err != nil {
		return err
	}
	if len(t.held) > 0 {
		return k.usageErrorLocked("exit", t, t.held[0], ErrExitHoldingLocks)
	}
	k.terminateLocked(t, "exit")
	k.reschedLocked()
	return nil
}

// Kill terminates tid regardless of its state. Locks it holds are handed to
// their waiters and any wait it is in is cancelled.
func (k *Kernel) Kill(tid ThreadID) error {
	k.mu.Lock()
	defer k.unlockAndFlush()

	t, err := k.liveTaskLocked(tid)
	if err != nil {
		return err
	}
	if len(t.held) > 0 {
		log.Infof("Killing task %d (%s) while it holds %d lock(s)", t.tid, t.name, len(t.held))
	}
	k.terminateLocked(t, "killed")
	k.reschedLocked()
	return nil
}

// terminateLocked turns t into a zombie, withdrawing it from any wait and
// handing off every lock it holds.
//
// Preconditions: k.mu is locked; t is not a zombie.
func (k *Kernel) terminateLocked(t *Task, reason string) {
	if t.state == TaskBlocked {
		k.unblockLocked(t)
	}
	for len(t.held) > 0 {
		l := t.held[len(t.held)-1]
		k.dropLocked(l, t)
		k.handoffLocked(l)
	}

	switch t.state {
	case TaskRunnable:
		k.ready.Delete(t)
	case TaskRunning:
		k.current = nil
	}
	t.state = TaskZombie
	t.exitedAt = k.tick
	k.emitLocked(Event{
		Type:     EventExit,
		PID:      t.tid,
		Name:     t.name,
		Priority: t.effectivePriority,
		Detail:   reason,
	})
}

// usageErrorLocked reports a caller bug by t. Under the Halt policy it panics;
// otherwise t is aborted and the error is returned.
//
// Preconditions: k.mu is locked.
func (k *Kernel) usageErrorLocked(op string, t *Task, l *Lock, cause error) error {
	ue := &UsageError{Op: op, TID: t.tid, Err: cause}
	if l != nil {
		ue.Lock = l.id
	}
	log.Warningf("Usage error by task %d (%s): %v", t.tid, t.name, ue)
	k.emitLocked(Event{
		Type:     EventUsageError,
		PID:      t.tid,
		Name:     t.name,
		Priority: t.effectivePriority,
		Lock:     ue.Lock,
		Detail:   ue.Error(),
	})
	if k.policy == Halt {
		panic(ue)
	}
	k.terminateLocked(t, "aborted: "+cause.Error())
	k.reschedLocked()
	return ue
}

// Preconditions: k.mu is locked.
func (k *Kernel) taskLocked(tid ThreadID) (*Task, error) {
	t, ok := k.tasks[tid]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchTask, tid)
	}
	return t, nil
}

// Preconditions: k.mu is locked.
func (k *Kernel) liveTaskLocked(tid ThreadID) (*Task, error) {
	t, err := k.taskLocked(tid)
	if err != nil {
		return nil, err
	}
	if t.state == TaskZombie {
		return nil, fmt.Errorf("%w: %d", ErrTaskExited, tid)
	}
	return t, nil
}

// Preconditions: k.mu is locked.
func (k *Kernel) runningTaskLocked(tid ThreadID) (*Task, error) {
	t, err := k.liveTaskLocked(tid)
	if err != nil {
		return nil, err
	}
	if t.state != TaskRunning {
		return nil, fmt.Errorf("%w: task %d is %v", ErrNotRunning, tid, t.state)
	}
	return t, nil
}

// Preconditions: k.mu is locked.
func (k *Kernel) lockLocked(lid LockID) (*Lock, error) {
	if lid < 1 || int(lid) > len(k.locks) {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchLock, lid)
	}
	return k.locks[lid-1], nil
}

// emitLocked queues ev for delivery once k.mu is released.
//
// Preconditions: k.mu is locked.
func (k *Kernel) emitLocked(ev Event) {
	k.eventSeq++
	ev.Seq = k.eventSeq
	ev.Tick = k.tick
	if log.IsLogging(log.Debug) {
		log.Debugf("[tick %d] %v", ev.Tick, ev)
	}
	if len(k.listeners) > 0 {
		k.pending = append(k.pending, ev)
	}
}

// unlockAndFlush unlocks k.mu and delivers queued events. Listeners run with
// k.notifyMu held, so a listener that calls a mutating method blocks in its
// own unlockAndFlush.
//
// Preconditions: k.mu is locked.
func (k *Kernel) unlockAndFlush() {
	evs, ls := k.pending, k.listeners
	k.pending = nil
	if len(evs) == 0 {
		k.mu.Unlock()
		return
	}

	k.notifyMu.Lock()
	defer k.notifyMu.Unlock()
	k.mu.Unlock()
	for _, ev := range evs {
		for _, l := range ls {
			l.OnEvent(ev)
		}
	}
}

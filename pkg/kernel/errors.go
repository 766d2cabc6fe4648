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
	"fmt"
	"strings"
)

// Errors returned synchronously for calls that are rejected without changing
// any state.
var (
	// ErrInvalidPriority is returned for priorities outside the configured
	// range.
	ErrInvalidPriority = errors.New("invalid priority")

	// ErrNoSuchTask is returned for thread IDs that were never spawned.
	ErrNoSuchTask = errors.New("no such task")

	// ErrNoSuchLock is returned for lock IDs that were never registered.
	ErrNoSuchLock = errors.New("no such lock")

	// ErrNotRunning is returned when a task that does not hold the CPU
	// attempts a lock operation.
	ErrNotRunning = errors.New("task is not running")

	// ErrNotBlocked is returned by CancelWait for a task that is not waiting
	// on a lock.
	ErrNotBlocked = errors.New("task is not blocked")

	// ErrTaskExited is returned for operations on a terminated task.
	ErrTaskExited = errors.New("task has exited")
)

// Causes of a UsageError.
var (
	// ErrNotOwner means a task released a lock it does not own.
	ErrNotOwner = errors.New("lock not owned by caller")

	// ErrRecursiveAcquire means a task acquired a lock it already owns.
	ErrRecursiveAcquire = errors.New("lock already owned by caller")

	// ErrLockCycle means the acquisition would wait on a chain of owners that
	// leads back to the caller.
	ErrLockCycle = errors.New("lock acquisition would deadlock")

	// ErrExitHoldingLocks means a task exited without releasing every lock.
	ErrExitHoldingLocks = errors.New("task exited holding locks")
)

// UsageError is a caller bug detected by the kernel. Usage errors are fatal to
// the offending task, or to the whole kernel under the Halt policy.
type UsageError struct {
	// Op is the operation that detected the error: "acquire", "release" or
	// "exit".
	Op string

	// TID is the offending task.
	TID ThreadID

	// Lock is the lock involved, or NoLock.
	Lock LockID

	// Err is one of ErrNotOwner, ErrRecursiveAcquire, ErrLockCycle or
	// ErrExitHoldingLocks.
	Err error
}

// Error implements error.Error.
func (e *UsageError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: task %d", e.Op, e.TID)
	if e.Lock != NoLock {
		fmt.Fprintf(&b, ", lock %d", e.Lock)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *UsageError) Unwrap() error {
	return e.Err
}

// UsageErrorPolicy determines what happens to the kernel when a usage error is
// detected.
type UsageErrorPolicy int

const (
	// AbortTask terminates the offending task. Its locks are handed to their
	// waiters and the error is returned to the caller.
	AbortTask UsageErrorPolicy = iota

	// Halt panics with the *UsageError.
	Halt
)

// String implements fmt.Stringer.
func (p UsageErrorPolicy) String() string {
	switch p {
	case AbortTask:
		return "abort"
	case Halt:
		return "halt"
	default:
		return fmt.Sprintf("UsageErrorPolicy(%d)", int(p))
	}
}

// ParseUsageErrorPolicy converts "abort" or "halt" to a UsageErrorPolicy.
func ParseUsageErrorPolicy(s string) (UsageErrorPolicy, error) {
	switch s {
	case "abort":
		return AbortTask, nil
	case "halt":
		return Halt, nil
	}
	return AbortTask, fmt.Errorf("invalid usage error policy %q", s)
}

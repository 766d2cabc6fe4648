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
	"strconv"
)

// Priority is a scheduling priority. Lower values are more urgent: 1 is the
// most urgent priority, and the least urgent value is configured per Kernel.
type Priority int

const (
	// HighestPriority is the most urgent priority any task may have.
	HighestPriority Priority = 1

	// DefaultLowestPriority is the least urgent priority accepted by a
	// Kernel created without WithLowestPriority.
	DefaultLowestPriority Priority = 10
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	return strconv.Itoa(int(p))
}

// MoreUrgent returns true if p should be scheduled before o.
func (p Priority) MoreUrgent(o Priority) bool {
	return p < o
}

// checkPriority returns ErrInvalidPriority if p is outside [1, lowest].
func checkPriority(p, lowest Priority) error {
	if p < HighestPriority || p > lowest {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPriority, p, HighestPriority, lowest)
	}
	return nil
}

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

package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const boostLine = `{"event":"priority_boost","pid":3,"holder_pid":3,"waiter_pid":5,"old_priority":10,"new_priority":1}` + "\n"

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		t.Fatalf("opening %q: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatalf("writing %q: %v", path, err)
	}
}

func waitSeen(t *testing.T, s *Session, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for s.Seen() < want {
		if time.Now().After(deadline) {
			t.Fatalf("saw %d events, want %d", s.Seen(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startFollow(t *testing.T, path string, s *Session, opts FollowOptions) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Follow(ctx, path, s, opts)
	}()
	return cancel, done
}

func TestFollowNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xv6.log")
	appendFile(t, path, boostLine)

	s := New().Session(LiveSession)
	cancel, done := startFollow(t, path, s, FollowOptions{Poll: time.Millisecond})
	defer cancel()

	// Give the follower time to seek past the existing line.
	time.Sleep(50 * time.Millisecond)
	appendFile(t, path, "noise\n"+boostLine)
	// A line written in two parts is read once complete.
	appendFile(t, path, boostLine[:20])
	time.Sleep(10 * time.Millisecond)
	appendFile(t, path, boostLine[20:])
	waitSeen(t, s, 2)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Follow returned %v, want %v", err, context.Canceled)
	}
	if got := s.Seen(); got != 2 {
		t.Errorf("Seen() = %d, want 2", got)
	}
}

func TestFollowWaitsForFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.log")
	s := New().Session(LiveSession)
	cancel, done := startFollow(t, path, s, FollowOptions{FromStart: true, Poll: time.Millisecond})
	defer cancel()

	time.Sleep(20 * time.Millisecond)
	appendFile(t, path, boostLine+boostLine+boostLine)
	waitSeen(t, s, 3)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Follow returned %v, want %v", err, context.Canceled)
	}
}

func TestFollowTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotated.log")
	appendFile(t, path, boostLine+boostLine+boostLine)

	s := New().Session(LiveSession)
	cancel, done := startFollow(t, path, s, FollowOptions{FromStart: true, Poll: time.Millisecond})
	defer cancel()
	waitSeen(t, s, 3)

	// The file is rewritten shorter than what was already read, so it is
	// reopened and read again from the start.
	if err := os.Truncate(path, 0); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	appendFile(t, path, boostLine)
	waitSeen(t, s, 4)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Follow returned %v, want %v", err, context.Canceled)
	}
	if got := s.Snapshot().TotalBoosts; got != 4 {
		t.Errorf("TotalBoosts = %d, want 4", got)
	}
}

func TestRouteByBanner(t *testing.T) {
	for _, tc := range []struct {
		line string
		want string
	}{
		{line: "=== PI Detailed Test ===", want: "pi_detailed"},
		{line: "$ pi_test2", want: "pi_test2"},
		{line: "PI Test 2: starting", want: "pi_test2"},
		{line: boostLine, want: ""},
		{line: "init: starting sh", want: ""},
	} {
		if got := RouteByBanner(tc.line); got != tc.want {
			t.Errorf("RouteByBanner(%q) = %q, want %q", tc.line, got, tc.want)
		}
	}
}

func TestMonitorFollowRoutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendFile(t, path, "init: starting sh\n"+
		boostLine+
		"=== PI Test 2 ===\n"+
		boostLine+
		boostLine+
		"pi_detailed: "+boostLine)

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- m.Follow(ctx, path, FollowOptions{
			FromStart: true,
			Poll:      time.Millisecond,
			Route:     RouteByBanner,
		})
	}()

	waitSeen(t, m.Session("pi_detailed"), 1)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Follow returned %v, want %v", err, context.Canceled)
	}

	for name, want := range map[string]int{
		LiveSession:   1,
		"pi_test2":    2,
		"pi_detailed": 1,
	} {
		if got := m.Session(name).Seen(); got != want {
			t.Errorf("session %q saw %d events, want %d", name, got, want)
		}
	}
}

func TestMonitorFollowWithoutRoute(t *testing.T) {
	path := filepath.Join(t.TempDir(), "console.log")
	appendFile(t, path, "=== PI Test 2 ===\n"+boostLine+boostLine)

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- m.Follow(ctx, path, FollowOptions{FromStart: true, Poll: time.Millisecond})
	}()

	waitSeen(t, m.Session(LiveSession), 2)
	cancel()
	<-done
	if diff := cmp.Diff([]string{LiveSession}, m.Sessions()); diff != "" {
		t.Errorf("sessions mismatch (-want +got):\n%s", diff)
	}
}

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
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/scenario"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 7, 13, 4, 5, 0, time.UTC)}
}

func runBuiltin(t *testing.T, name string, l kernel.Listener) {
	t.Helper()
	sc, ok := scenario.Builtin(name)
	if !ok {
		t.Fatalf("no built-in scenario %q", name)
	}
	r, err := scenario.Run(context.Background(), sc, scenario.RunOptions{Listeners: []kernel.Listener{l}})
	if err != nil {
		t.Fatalf("Run(%q) failed: %v", name, err)
	}
	if !r.Passed() {
		t.Fatalf("Run(%q) failed expectations: %v", name, r.Failures)
	}
}

func TestClassify(t *testing.T) {
	for d, want := range map[int]Severity{
		1: SeverityLow,
		3: SeverityLow,
		4: SeverityMedium,
		6: SeverityMedium,
		7: SeverityHigh,
		9: SeverityHigh,
	} {
		if got := Classify(d); got != want {
			t.Errorf("Classify(%d) = %q, want %q", d, got, want)
		}
	}
}

func TestLiveSession(t *testing.T) {
	clock := newFakeClock()
	m := New(WithClock(clock.Now))
	s := m.Session(LiveSession)
	runBuiltin(t, "two-waiters", s)
	clock.now = clock.now.Add(10 * time.Second)

	st := s.Snapshot()
	if st.TotalBoosts != 2 || st.TotalInversions != 2 {
		t.Errorf("got %d boosts and %d inversions, want 2 and 2", st.TotalBoosts, st.TotalInversions)
	}
	if st.Uptime != 10 || st.BoostRate != 0.2 {
		t.Errorf("got uptime %v and boost rate %v, want 10 and 0.2", st.Uptime, st.BoostRate)
	}
	if st.ActiveProcesses != 0 {
		t.Errorf("got %d active processes after every task exited", st.ActiveProcesses)
	}
	wantSev := map[Severity]int{SeverityLow: 1, SeverityMedium: 1, SeverityHigh: 0}
	if diff := cmp.Diff(wantSev, st.InversionsBySeverity); diff != "" {
		t.Errorf("inversions by severity mismatch (-want +got):\n%s", diff)
	}

	// O is pid 1, W2 pid 2 and W1 pid 3.
	want := map[kernel.ThreadID]*ProcStats{
		1: {PID: 1, Name: "O", Priority: 10, InitialPriority: 10, MostUrgent: 3, BoostsReceived: 2, LocksAcquired: 1},
		2: {PID: 2, Name: "W2", Priority: 7, InitialPriority: 7, BoostsGiven: 1, LocksAcquired: 1, Blocks: 1},
		3: {PID: 3, Name: "W1", Priority: 3, InitialPriority: 3, BoostsGiven: 1, LocksAcquired: 1, Blocks: 1},
	}
	if diff := cmp.Diff(want, st.ProcessStats); diff != "" {
		t.Errorf("process stats mismatch (-want +got):\n%s", diff)
	}
	if st.AvgBoostsPerProcess != 2.0/3 {
		t.Errorf("AvgBoostsPerProcess = %v, want %v", st.AvgBoostsPerProcess, 2.0/3)
	}

	wantBoosts := []BoostRecord{
		{Time: clock.now.Add(-10 * time.Second), Tick: 1, HolderPID: 1, WaiterPID: 2, Lock: 1, OldPriority: 10, NewPriority: 7},
		{Time: clock.now.Add(-10 * time.Second), Tick: 2, HolderPID: 1, WaiterPID: 3, Lock: 1, OldPriority: 7, NewPriority: 3},
	}
	if diff := cmp.Diff(wantBoosts, st.Boosts); diff != "" {
		t.Errorf("boosts mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	m := New()
	s := m.Session(LiveSession)
	runBuiltin(t, "inheritance", s)

	st := s.Snapshot()
	st.ProcessStats[1].BoostsReceived = 100
	st.Boosts[0].NewPriority = 9
	st.RecentEvents[0].PID = 42

	again := s.Snapshot()
	if again.ProcessStats[1].BoostsReceived != 1 {
		t.Errorf("snapshot shares process stats with the session")
	}
	if again.Boosts[0].NewPriority != 1 {
		t.Errorf("snapshot shares boosts with the session")
	}
	if again.RecentEvents[0].PID == 42 {
		t.Errorf("snapshot shares events with the session")
	}
}

func TestRecentEventsRing(t *testing.T) {
	s := New().Session("ring")
	for i := 1; i <= recentEvents+5; i++ {
		s.OnEvent(kernel.Event{Seq: uint64(i), Type: kernel.EventDispatch, PID: 1})
	}
	evs := s.Events()
	if len(evs) != recentEvents {
		t.Fatalf("retained %d events, want %d", len(evs), recentEvents)
	}
	if first, last := evs[0].Seq, evs[len(evs)-1].Seq; first != 6 || last != recentEvents+5 {
		t.Errorf("retained events %d..%d, want 6..%d", first, last, recentEvents+5)
	}
	if got := s.Seen(); got != recentEvents+5 {
		t.Errorf("Seen() = %d, want %d", got, recentEvents+5)
	}

	st := s.Snapshot()
	if len(st.RecentEvents) != recentInStats || st.RecentEvents[0].Seq != recentEvents+5-recentInStats+1 {
		t.Errorf("recent events start at %d, want %d", st.RecentEvents[0].Seq, recentEvents+5-recentInStats+1)
	}

	s.Reset()
	if got := len(s.Events()); got != 0 {
		t.Errorf("Reset left %d events", got)
	}
}

func TestParseLine(t *testing.T) {
	for _, tc := range []struct {
		line string
		want kernel.Event
		ok   bool
	}{
		{
			line: `{"event":"priority_boost","pid":3,"holder_pid":3,"waiter_pid":5,"old_priority":10,"new_priority":1}`,
			want: kernel.Event{Type: kernel.EventPriorityBoost, PID: 3, HolderPID: 3, WaiterPID: 5, OldPriority: 10, NewPriority: 1},
			ok:   true,
		},
		{
			line: `$ [PI] {"event":"lock_request","pid":5,"priority":1,"holder_pid":3,"holder_priority":10} <end>`,
			want: kernel.Event{Type: kernel.EventLockRequest, PID: 5, Priority: 1, HolderPID: 3, HolderPriority: 10},
			ok:   true,
		},
		{line: "init: starting sh"},
		{line: `{"event":`},
		{line: `{"pid":3}`},
		{line: `} backwards {`},
	} {
		got, ok := ParseLine(tc.line)
		if ok != tc.ok {
			t.Errorf("ParseLine(%q) ok = %t, want %t", tc.line, ok, tc.ok)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParseLine(%q) mismatch (-want +got):\n%s", tc.line, diff)
		}
	}
}

func TestConsumeRecordedLog(t *testing.T) {
	rec := &kernel.Recorder{}
	runBuiltin(t, "transitive", rec)

	var b strings.Builder
	b.WriteString("xv6 kernel is booting\n")
	for _, ev := range rec.Events() {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("json.Marshal failed: %v", err)
		}
		b.WriteString("console: ")
		b.Write(data)
		b.WriteString("\n$ \n")
	}

	live := New().Session("live")
	runBuiltin(t, "transitive", live)

	replayed := New().Session("replay")
	n, err := replayed.Consume(strings.NewReader(b.String()))
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if n != len(rec.Events()) {
		t.Errorf("Consume found %d events, want %d", n, len(rec.Events()))
	}

	// Replaying a log produces the same statistics as watching live.
	want, got := live.Snapshot(), replayed.Snapshot()
	if diff := cmp.Diff(want.ProcessStats, got.ProcessStats); diff != "" {
		t.Errorf("process stats mismatch (-live +replay):\n%s", diff)
	}
	if want.TotalBoosts != 3 || got.TotalBoosts != 3 {
		t.Errorf("got %d live and %d replayed boosts, want 3", want.TotalBoosts, got.TotalBoosts)
	}
}

func TestSessions(t *testing.T) {
	m := New()
	m.Session("b")
	m.Session("a")
	if diff := cmp.Diff([]string{"a", "b", LiveSession}, m.Sessions()); diff != "" {
		t.Errorf("Sessions() mismatch (-want +got):\n%s", diff)
	}
	if _, err := m.Lookup("c"); err == nil {
		t.Errorf("Lookup of unknown session succeeded")
	}
}

func TestSubscribe(t *testing.T) {
	m := New(WithClock(newFakeClock().Now))
	updates, cancel := m.Subscribe("custom")

	boost := kernel.Event{Type: kernel.EventPriorityBoost, PID: 3, HolderPID: 3, WaiterPID: 5, OldPriority: 10, NewPriority: 1}
	m.Session("custom").OnEvent(boost)
	if u := <-updates; u.Type != UpdateBoost || u.Boost.NewPriority != 1 {
		t.Errorf("first update = %+v, want a boost to 1", u)
	}
	if u := <-updates; u.Type != UpdateStats || u.Stats.TotalBoosts != 1 {
		t.Errorf("second update = %+v, want stats with one boost", u)
	}

	// Other sessions are not streamed.
	m.Session(LiveSession).OnEvent(boost)

	// Replacing the session keeps the subscription.
	if _, _, err := m.Replace("custom", strings.NewReader("")); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if u := <-updates; u.Type != UpdateStats || u.Session != "custom" || u.Stats.TotalEvents != 0 {
		t.Errorf("update after Replace = %+v, want empty custom stats", u)
	}

	// A subscriber that does not keep up loses updates instead of blocking.
	for i := 0; i < updateBuffer; i++ {
		m.Session("custom").OnEvent(boost)
	}
	if got := len(updates); got != updateBuffer {
		t.Errorf("got %d buffered updates, want %d", got, updateBuffer)
	}

	cancel()
	cancel()
	n := 0
	for range updates {
		n++
	}
	if n != updateBuffer {
		t.Errorf("drained %d updates, want %d", n, updateBuffer)
	}
	m.Session("custom").OnEvent(boost)
}

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

// Package monitor aggregates kernel events into priority inheritance
// statistics.
//
// Events reach a Session either live, as a kernel.Listener, or as JSON log
// lines read from a file. A Monitor keeps several named sessions so that runs
// can be compared, and serves their statistics over HTTP.
package monitor

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/mohae/deepcopy"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
)

const (
	// LiveSession is the session fed by a running kernel or a followed log.
	LiveSession = "live"

	// recentEvents is the number of events a session retains.
	recentEvents = 1000

	// recentInStats is the number of retained events included in Stats.
	recentInStats = 20
)

// Severity grades a priority inversion by the distance between the waiter's
// and the holder's priorities.
type Severity string

// Severities.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Classify returns the severity of an inversion spanning distance priority
// levels.
func Classify(distance int) Severity {
	switch {
	case distance <= 3:
		return SeverityLow
	case distance <= 6:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// ProcStats are the per-task counters of a session.
type ProcStats struct {
	PID  kernel.ThreadID `json:"pid"`
	Name string          `json:"name,omitempty"`

	// Priority is the last effective priority observed.
	Priority        kernel.Priority `json:"priority"`
	InitialPriority kernel.Priority `json:"initial_priority"`

	// MostUrgent is the most urgent priority the task was boosted to.
	MostUrgent kernel.Priority `json:"most_urgent_priority,omitempty"`

	BoostsReceived int `json:"boosts_received"`
	BoostsGiven    int `json:"boosts_given"`
	LocksAcquired  int `json:"locks_acquired"`
	Blocks         int `json:"blocks"`
}

// BoostRecord is one observed priority boost.
type BoostRecord struct {
	Time        time.Time       `json:"timestamp"`
	Tick        uint64          `json:"tick"`
	HolderPID   kernel.ThreadID `json:"holder_pid"`
	WaiterPID   kernel.ThreadID `json:"waiter_pid,omitempty"`
	Lock        kernel.LockID   `json:"lock,omitempty"`
	OldPriority kernel.Priority `json:"old_priority"`
	NewPriority kernel.Priority `json:"new_priority"`
}

// Inversion is a lock request by a task more urgent than the lock holder.
type Inversion struct {
	Time            time.Time       `json:"timestamp"`
	Tick            uint64          `json:"tick"`
	HighPriorityPID kernel.ThreadID `json:"high_priority_pid"`
	HighPriority    kernel.Priority `json:"high_priority"`
	LowPriorityPID  kernel.ThreadID `json:"low_priority_pid"`
	LowPriority     kernel.Priority `json:"low_priority"`
	Severity        Severity        `json:"severity"`
}

// ActiveProc is a task that has acquired a lock and not exited.
type ActiveProc struct {
	Priority kernel.Priority `json:"priority"`

	// State is "running" after the task acquires a lock and "idle" after
	// it releases one.
	State string `json:"state"`
}

// Stats is a point in time view of a session.
type Stats struct {
	Name                 string                          `json:"name"`
	TotalBoosts          int                             `json:"total_boosts"`
	TotalInversions      int                             `json:"total_inversions"`
	TotalEvents          int                             `json:"total_events"`
	Uptime               float64                         `json:"uptime"`
	ActiveProcesses      int                             `json:"active_processes"`
	Active               map[kernel.ThreadID]*ActiveProc `json:"active"`
	ProcessStats         map[kernel.ThreadID]*ProcStats  `json:"process_stats"`
	RecentEvents         []kernel.Event                  `json:"recent_events"`
	BoostRate            float64                         `json:"boost_rate"`
	AvgBoostsPerProcess  float64                         `json:"avg_boosts_per_process"`
	InversionsBySeverity map[Severity]int                `json:"inversions_by_severity"`
	Boosts               []BoostRecord                   `json:"boosts"`
	Inversions           []Inversion                     `json:"inversions"`
}

// Session aggregates one stream of events. It is safe for concurrent use.
type Session struct {
	name  string
	clock func() time.Time

	mu    sync.Mutex
	start time.Time

	// events is a ring of the last recentEvents events.
	events     []kernel.Event
	next       int
	seen       int
	boosts     []BoostRecord
	inversions []Inversion
	procs      map[kernel.ThreadID]*ProcStats
	active     map[kernel.ThreadID]*ActiveProc

	// notify, if set, receives the updates caused by each event. It is
	// called without s.mu held.
	notify func(s *Session, u Update)
}

func newSession(name string, clock func() time.Time) *Session {
	s := &Session{name: name, clock: clock}
	s.resetLocked()
	return s
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Reset discards everything the session has aggregated.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.start = s.clock()
	s.events = make([]kernel.Event, 0, recentEvents)
	s.next = 0
	s.seen = 0
	s.boosts = nil
	s.inversions = nil
	s.procs = make(map[kernel.ThreadID]*ProcStats)
	s.active = make(map[kernel.ThreadID]*ActiveProc)
}

// Preconditions: s.mu is locked.
func (s *Session) procLocked(pid kernel.ThreadID, name string) *ProcStats {
	ps, ok := s.procs[pid]
	if !ok {
		ps = &ProcStats{PID: pid}
		s.procs[pid] = ps
	}
	if name != "" {
		ps.Name = name
	}
	return ps
}

// OnEvent implements kernel.Listener.OnEvent.
func (s *Session) OnEvent(ev kernel.Event) {
	s.mu.Lock()
	updates := s.recordLocked(ev)
	notify := s.notify
	s.mu.Unlock()

	if notify == nil {
		return
	}
	for _, u := range updates {
		notify(s, u)
	}
}

// recordLocked aggregates ev and returns the updates it causes.
//
// Preconditions: s.mu is locked.
func (s *Session) recordLocked(ev kernel.Event) []Update {
	now := s.clock()
	if len(s.events) < recentEvents {
		s.events = append(s.events, ev)
	} else {
		s.events[s.next] = ev
	}
	s.next = (s.next + 1) % recentEvents
	s.seen++

	var updates []Update
	switch ev.Type {
	case kernel.EventSpawn:
		ps := s.procLocked(ev.PID, ev.Name)
		ps.InitialPriority = ev.Priority
		ps.Priority = ev.Priority

	case kernel.EventPriorityBoost:
		holder := ev.HolderPID
		if holder == 0 {
			holder = ev.PID
		}
		ps := s.procLocked(holder, ev.Name)
		ps.BoostsReceived++
		ps.Priority = ev.NewPriority
		if ps.MostUrgent == 0 || ev.NewPriority < ps.MostUrgent {
			ps.MostUrgent = ev.NewPriority
		}
		if ev.WaiterPID != 0 {
			s.procLocked(ev.WaiterPID, "").BoostsGiven++
		}
		rec := BoostRecord{
			Time:        now,
			Tick:        ev.Tick,
			HolderPID:   holder,
			WaiterPID:   ev.WaiterPID,
			Lock:        ev.Lock,
			OldPriority: ev.OldPriority,
			NewPriority: ev.NewPriority,
		}
		s.boosts = append(s.boosts, rec)
		updates = append(updates, Update{Type: UpdateBoost, Session: s.name, Boost: &rec})

	case kernel.EventLockRequest:
		s.procLocked(ev.PID, ev.Name).Blocks++
		if ev.HolderPriority > ev.Priority {
			d := int(ev.HolderPriority - ev.Priority)
			inv := Inversion{
				Time:            now,
				Tick:            ev.Tick,
				HighPriorityPID: ev.PID,
				HighPriority:    ev.Priority,
				LowPriorityPID:  ev.HolderPID,
				LowPriority:     ev.HolderPriority,
				Severity:        Classify(d),
			}
			s.inversions = append(s.inversions, inv)
			updates = append(updates, Update{Type: UpdateInversion, Session: s.name, Inversion: &inv})
		}

	case kernel.EventLockAcquired:
		ps := s.procLocked(ev.PID, ev.Name)
		ps.LocksAcquired++
		if ps.InitialPriority == 0 {
			ps.InitialPriority = ev.Priority
		}
		ps.Priority = ev.Priority
		s.active[ev.PID] = &ActiveProc{Priority: ev.Priority, State: "running"}

	case kernel.EventLockReleased:
		if a, ok := s.active[ev.PID]; ok {
			a.State = "idle"
		}

	case kernel.EventPriorityRestore:
		s.procLocked(ev.PID, ev.Name).Priority = ev.NewPriority

	case kernel.EventExit:
		delete(s.active, ev.PID)
	}
	return append(updates, Update{Type: UpdateStats, Session: s.name})
}

// recentLocked returns up to n of the most recent events, oldest first.
//
// Preconditions: s.mu is locked.
func (s *Session) recentLocked(n int) []kernel.Event {
	total := len(s.events)
	if n > total {
		n = total
	}
	out := make([]kernel.Event, 0, n)
	for i := total - n; i < total; i++ {
		// The oldest retained event is at s.next once the ring is full.
		idx := i
		if total == recentEvents {
			idx = (s.next + i) % recentEvents
		}
		out = append(out, s.events[idx])
	}
	return out
}

// Events returns every retained event, oldest first.
func (s *Session) Events() []kernel.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recentLocked(len(s.events))
}

// Seen returns the number of events the session has consumed since it was
// created or reset.
func (s *Session) Seen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

// Snapshot returns the session's statistics. The result shares no memory with
// the session.
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	uptime := s.clock().Sub(s.start).Seconds()
	st := Stats{
		Name:            s.name,
		TotalBoosts:     len(s.boosts),
		TotalInversions: len(s.inversions),
		TotalEvents:     len(s.events),
		Uptime:          uptime,
		ActiveProcesses: len(s.active),
		Active:          s.active,
		ProcessStats:    s.procs,
		RecentEvents:    s.recentLocked(recentInStats),
		InversionsBySeverity: map[Severity]int{
			SeverityLow:    0,
			SeverityMedium: 0,
			SeverityHigh:   0,
		},
		Boosts:     s.boosts,
		Inversions: s.inversions,
	}
	if uptime > 0 {
		st.BoostRate = float64(st.TotalBoosts) / uptime
	}
	if len(s.procs) > 0 {
		var received int
		for _, ps := range s.procs {
			received += ps.BoostsReceived
		}
		st.AvgBoostsPerProcess = float64(received) / float64(len(s.procs))
	}
	for _, inv := range s.inversions {
		st.InversionsBySeverity[inv.Severity]++
	}
	return deepcopy.Copy(st).(Stats)
}

// Monitor is a set of named sessions.
type Monitor struct {
	clock func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	// subMu protects subs. Lock order: subMu, then Session.mu.
	subMu sync.Mutex
	subs  map[string]map[*subscriber]struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source used for timestamps and uptime.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// New returns a Monitor with an empty LiveSession.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		clock:    time.Now,
		sessions: make(map[string]*Session),
		subs:     make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Session(LiveSession)
	return m
}

// Session returns the session called name, creating it if needed.
func (m *Monitor) Session(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		s = newSession(name, m.clock)
		s.notify = m.publish
		m.sessions[name] = s
	}
	return s
}

// Replace consumes the events of r into a new session called name, and swaps
// it in for any existing session of that name. If reading r fails, the
// existing session is left as it was.
func (m *Monitor) Replace(name string, r io.Reader) (*Session, int, error) {
	fresh := newSession(name, m.clock)
	n, err := fresh.Consume(r)
	if err != nil {
		return nil, n, err
	}
	fresh.mu.Lock()
	fresh.notify = m.publish
	fresh.mu.Unlock()

	m.mu.Lock()
	m.sessions[name] = fresh
	m.mu.Unlock()
	m.publish(fresh, Update{Type: UpdateStats, Session: name})
	return fresh, n, nil
}

// Lookup returns the session called name if it exists.
func (m *Monitor) Lookup(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("no session %q", name)
	}
	return s, nil
}

// Sessions returns the sorted session names.
func (m *Monitor) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

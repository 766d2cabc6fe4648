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
	"sync"

	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// Update types.
const (
	UpdateBoost     = "priority_boost"
	UpdateInversion = "inversion_detected"
	UpdateStats     = "stats_update"
)

// updateBuffer is the number of updates a subscriber may fall behind by
// before updates are dropped.
const updateBuffer = 64

// Update is a change to a session, pushed to its subscribers as it happens.
// Exactly one of Boost, Inversion and Stats is set, according to Type.
type Update struct {
	Type      string       `json:"type"`
	Session   string       `json:"session"`
	Boost     *BoostRecord `json:"event,omitempty"`
	Inversion *Inversion   `json:"inversion,omitempty"`
	Stats     *Stats       `json:"stats,omitempty"`
}

type subscriber struct {
	ch      chan Update
	dropped int
}

// Subscribe returns a channel of the updates to the session called name, and
// a function that ends the subscription and closes the channel. The
// subscription survives the session being replaced. Updates that do not fit
// in the channel's buffer are dropped.
func (m *Monitor) Subscribe(name string) (<-chan Update, func()) {
	sub := &subscriber{ch: make(chan Update, updateBuffer)}
	m.subMu.Lock()
	subs, ok := m.subs[name]
	if !ok {
		subs = make(map[*subscriber]struct{})
		m.subs[name] = subs
	}
	subs[sub] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			delete(subs, sub)
			if len(subs) == 0 {
				delete(m.subs, name)
			}
			close(sub.ch)
		})
	}
}

// publish delivers u to the subscribers of s.
func (m *Monitor) publish(s *Session, u Update) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	subs := m.subs[s.name]
	if len(subs) == 0 {
		return
	}
	if u.Type == UpdateStats {
		st := s.Snapshot()
		u.Stats = &st
	}
	for sub := range subs {
		select {
		case sub.ch <- u:
		default:
			sub.dropped++
			log.Debugf("Session %q: subscriber full, dropped %d updates", s.name, sub.dropped)
		}
	}
}

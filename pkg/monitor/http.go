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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/golang/protobuf/proto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// maxUpload bounds the size of an uploaded log.
const maxUpload = 64 << 20

// Handler returns the monitor's HTTP API:
//
//	GET  /api/sessions          session names
//	GET  /api/stats             statistics of the live session
//	GET  /api/stats/{session}   statistics of a session
//	POST /api/upload/{session}  replace a session with the events of a log
//	GET  /api/events/{session}  server-sent stream of a session's updates
//	GET  /metrics               Prometheus exposition of every session
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.Sessions())
	})
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		m.serveStats(w, LiveSession)
	})
	mux.HandleFunc("GET /api/stats/{session}", func(w http.ResponseWriter, r *http.Request) {
		m.serveStats(w, r.PathValue("session"))
	})
	mux.HandleFunc("POST /api/upload/{session}", m.serveUpload)
	mux.HandleFunc("GET /api/events/{session}", m.serveEvents)
	mux.HandleFunc("GET /metrics", m.serveMetrics)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Warningf("Writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (m *Monitor) serveStats(w http.ResponseWriter, name string) {
	s, err := m.Lookup(name)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (m *Monitor) serveUpload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("session")
	if name == LiveSession {
		writeError(w, http.StatusConflict, fmt.Errorf("session %q cannot be replaced", name))
		return
	}
	s, n, err := m.Replace(name, http.MaxBytesReader(w, r.Body, maxUpload))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reading log: %w", err))
		return
	}
	log.Infof("Loaded %d events into session %q", n, name)
	writeJSON(w, http.StatusOK, s.Snapshot())
}

// serveEvents streams the updates of a session as server-sent events until
// the client goes away. The session need not exist yet.
func (m *Monitor) serveEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("session")
	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	updates, cancel := m.Subscribe(name)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Warningf("Streaming session %q: %v", name, err)
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				log.Warningf("Encoding %s update: %v", u.Type, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", u.Type, data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func counter(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Counter: &dto.Counter{Value: proto.Float64(v)}}
}

func gauge(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

// labelPairs turns name, value, name, value... into label pairs.
func labelPairs(kv []string) []*dto.LabelPair {
	pairs := make([]*dto.LabelPair, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}
	return pairs
}

// MetricFamilies returns the statistics of every session as Prometheus
// metric families.
func (m *Monitor) MetricFamilies() []*dto.MetricFamily {
	boosts := &dto.MetricFamily{
		Name: proto.String("pisim_priority_boosts_total"),
		Help: proto.String("Priority boosts caused by inheritance."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	inversions := &dto.MetricFamily{
		Name: proto.String("pisim_priority_inversions_total"),
		Help: proto.String("Lock requests by a task more urgent than the holder, by severity."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	events := &dto.MetricFamily{
		Name: proto.String("pisim_events_total"),
		Help: proto.String("Kernel events consumed."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	active := &dto.MetricFamily{
		Name: proto.String("pisim_active_tasks"),
		Help: proto.String("Tasks that acquired a lock and have not exited."),
		Type: dto.MetricType_GAUGE.Enum(),
	}
	received := &dto.MetricFamily{
		Name: proto.String("pisim_task_boosts_received_total"),
		Help: proto.String("Priority boosts received, by task."),
		Type: dto.MetricType_COUNTER.Enum(),
	}

	for _, name := range m.Sessions() {
		s, err := m.Lookup(name)
		if err != nil {
			continue
		}
		st := s.Snapshot()
		boosts.Metric = append(boosts.Metric, counter(float64(st.TotalBoosts), "session", name))
		for _, sev := range []Severity{SeverityLow, SeverityMedium, SeverityHigh} {
			inversions.Metric = append(inversions.Metric,
				counter(float64(st.InversionsBySeverity[sev]), "session", name, "severity", string(sev)))
		}
		events.Metric = append(events.Metric, counter(float64(s.Seen()), "session", name))
		active.Metric = append(active.Metric, gauge(float64(st.ActiveProcesses), "session", name))

		procs := make([]*ProcStats, 0, len(st.ProcessStats))
		for _, ps := range st.ProcessStats {
			procs = append(procs, ps)
		}
		sort.Slice(procs, func(i, j int) bool { return procs[i].PID < procs[j].PID })
		for _, ps := range procs {
			received.Metric = append(received.Metric, counter(float64(ps.BoostsReceived),
				"session", name, "pid", strconv.Itoa(int(ps.PID)), "name", ps.Name))
		}
	}
	return []*dto.MetricFamily{boosts, inversions, events, active, received}
}

func (m *Monitor) serveMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", string(expfmt.FmtText))
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range m.MetricFamilies() {
		if len(mf.Metric) == 0 {
			continue
		}
		if err := enc.Encode(mf); err != nil {
			log.Warningf("Encoding metric %s: %v", mf.GetName(), err)
			return
		}
	}
}

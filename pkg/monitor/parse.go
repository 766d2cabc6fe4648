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
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
)

// maxLine bounds the length of a log line.
const maxLine = 1 << 20

// ParseLine extracts an event from a log line. The JSON object may be
// surrounded by other text, such as a console prefix. It returns false if the
// line carries no event.
func ParseLine(line string) (kernel.Event, bool) {
	open := strings.IndexByte(line, '{')
	end := strings.LastIndexByte(line, '}')
	if open < 0 || end < open {
		return kernel.Event{}, false
	}
	var ev kernel.Event
	if err := json.Unmarshal([]byte(line[open:end+1]), &ev); err != nil {
		return kernel.Event{}, false
	}
	if ev.Type == "" {
		return kernel.Event{}, false
	}
	return ev, true
}

// Consume feeds every event found in r to s and returns how many there were.
func (s *Session) Consume(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for sc.Scan() {
		if ev, ok := ParseLine(sc.Text()); ok {
			s.OnEvent(ev)
			n++
		}
	}
	return n, sc.Err()
}

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

// Package trace records kernel events as JSON lines.
//
// Trace files use the same format package monitor reads, so a recorded run
// can be analyzed or replayed later.
package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// Writer is a kernel.Listener that writes each event as one JSON line.
type Writer struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
	err error

	// closer, if set, is closed by Close.
	closer io.Closer
	lock   *flock.Flock
}

// NewWriter returns a Writer that writes to w.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{w: bw, enc: json.NewEncoder(bw)}
}

// Create creates or truncates the trace file at path. The file is locked
// until Close so that concurrent runs cannot interleave their events.
func Create(path string) (*Writer, error) {
	lock := flock.NewFlock(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking trace file %q: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("trace file %q is in use by another process", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	tw := NewWriter(f)
	tw.closer = f
	tw.lock = lock
	return tw, nil
}

// OnEvent implements kernel.Listener.OnEvent. Write errors are sticky and
// reported by Flush and Close.
func (t *Writer) OnEvent(ev kernel.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	if err := t.enc.Encode(ev); err != nil {
		log.Warningf("Writing trace event %d: %v", ev.Seq, err)
		t.err = err
	}
}

// Flush writes buffered events to the underlying writer.
func (t *Writer) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.err = t.w.Flush()
	return t.err
}

// Close flushes the trace and releases the file and its lock.
func (t *Writer) Close() error {
	err := t.Flush()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closer != nil {
		if cerr := t.closer.Close(); err == nil {
			err = cerr
		}
		t.closer = nil
	}
	if t.lock != nil {
		if uerr := t.lock.Unlock(); err == nil {
			err = uerr
		}
		t.lock = nil
	}
	return err
}

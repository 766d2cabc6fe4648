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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// FollowOptions configures Follow.
type FollowOptions struct {
	// FromStart reads the file from the beginning instead of only new
	// lines.
	FromStart bool

	// Poll is how long to wait for the file to grow. Defaults to 100ms.
	Poll time.Duration

	// Route is called with every line read by Monitor.Follow. If it names
	// a session, that line's event and the events after it go to that
	// session until another line is routed. It returns "" for lines that
	// do not change the session.
	Route func(line string) string
}

// Banners maps text that identifies a test program's output to the session
// its events are routed to by RouteByBanner.
var Banners = []struct {
	Text    string
	Session string
}{
	{"PI Detailed Test", "pi_detailed"},
	{"pi_detailed", "pi_detailed"},
	{"PI Test 2", "pi_test2"},
	{"pi_test2", "pi_test2"},
}

// RouteByBanner returns the session of the first entry of Banners that line
// contains, or "".
func RouteByBanner(line string) string {
	for _, b := range Banners {
		if strings.Contains(line, b.Text) {
			return b.Session
		}
	}
	return ""
}

// errTruncated means the followed file shrank and must be reopened.
var errTruncated = errors.New("file truncated")

// Follow tails the log file at path and feeds its events to s until ctx is
// done. If the file cannot be opened or is truncated, it is reopened with
// exponential backoff. Follow always returns a non-nil error.
func Follow(ctx context.Context, path string, s *Session, opts FollowOptions) error {
	return follow(ctx, path, opts, func(line string) {
		if ev, ok := ParseLine(line); ok {
			s.OnEvent(ev)
		}
	})
}

// Follow is like the package level Follow, but feeds events to the sessions
// chosen by opts.Route, creating them as needed. Events start out going to
// LiveSession.
func (m *Monitor) Follow(ctx context.Context, path string, opts FollowOptions) error {
	current := LiveSession
	return follow(ctx, path, opts, func(line string) {
		if opts.Route != nil {
			if name := opts.Route(line); name != "" && name != current {
				log.Infof("Following %q into session %q", path, name)
				current = name
			}
		}
		if ev, ok := ParseLine(line); ok {
			m.Session(current).OnEvent(ev)
		}
	})
}

func follow(ctx context.Context, path string, opts FollowOptions, handle func(line string)) error {
	if opts.Poll == 0 {
		opts.Poll = 100 * time.Millisecond
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(eb, ctx)

	fromStart := opts.FromStart
	op := func() error {
		err := tail(ctx, path, handle, fromStart, opts.Poll)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		// Content written after a reopen is always new.
		fromStart = true
		log.Warningf("Following %q: %v", path, err)
		return err
	}
	err := backoff.Retry(op, b)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// tail hands each complete line of path to handle until an error occurs or
// ctx is done.
func tail(ctx context.Context, path string, handle func(line string), fromStart bool, poll time.Duration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var offset int64
	if !fromStart {
		if offset, err = f.Seek(0, io.SeekEnd); err != nil {
			return err
		}
	}
	log.Infof("Following %q from offset %d", path, offset)

	r := bufio.NewReader(f)
	var partial []byte
	timer := time.NewTimer(poll)
	defer timer.Stop()
	for {
		chunk, err := r.ReadBytes('\n')
		offset += int64(len(chunk))
		partial = append(partial, chunk...)
		if err == nil {
			handle(string(partial))
			partial = partial[:0]
			continue
		}
		if err != io.EOF {
			return err
		}
		if len(partial) > maxLine {
			return fmt.Errorf("line longer than %d bytes", maxLine)
		}

		fi, err := f.Stat()
		if err != nil {
			return err
		}
		if fi.Size() < offset {
			return errTruncated
		}

		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

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

// Package util groups helpers shared by pisim commands.
package util

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/term"

	"github.com/error404-yang/priority-inheritance/pisim/config"
	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// ErrorLogger is where error messages should be written to, in addition to
// stderr. It is set from --log.
var ErrorLogger io.Writer

type jsonError struct {
	Msg   string    `json:"msg"`
	Level string    `json:"level"`
	Time  time.Time `json:"time"`
}

// Writer writes to log and stdout.
type Writer struct{}

// Write implements io.Writer.
func (i *Writer) Write(data []byte) (n int, err error) {
	log.Infof("%s", data)
	return os.Stdout.Write(data)
}

// Infof writes message to log and stdout.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Printf(format+"\n", args...)
}

// Errorf logs error to --log, to stderr, and debug logs. It returns
// subcommands.ExitFailure for convenience with subcommand.Execute() methods:
//
//	return Errorf("Danger! Danger!")
func Errorf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf("FATAL ERROR: "+format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)

	j := jsonError{
		Msg:   fmt.Sprintf(format, args...),
		Level: "error",
		Time:  time.Now(),
	}
	b, err := json.Marshal(j)
	if err != nil {
		panic(err)
	}
	if ErrorLogger != nil {
		_, _ = ErrorLogger.Write(append(b, '\n'))
	}

	return subcommands.ExitFailure
}

// Fatalf logs the same way as Errorf() does, plus *exits* the process.
func Fatalf(format string, args ...any) {
	Errorf(format, args...)
	// Return an error that is unlikely to be confused with a scenario
	// failure.
	os.Exit(128)
}

// Palette colors console output.
type Palette struct {
	enabled bool
}

// NewPalette returns a Palette for output written to f.
func NewPalette(mode config.ColorMode, f *os.File) Palette {
	switch mode {
	case config.ColorAlways:
		return Palette{enabled: true}
	case config.ColorNever:
		return Palette{}
	default:
		return Palette{enabled: term.IsTerminal(int(f.Fd()))}
	}
}

// ANSI colors.
const (
	red    = "31"
	green  = "32"
	yellow = "33"
	cyan   = "36"
)

func (p Palette) paint(color, s string) string {
	if !p.enabled {
		return s
	}
	return "\x1b[" + color + "m" + s + "\x1b[0m"
}

// Good colors a success message.
func (p Palette) Good(s string) string { return p.paint(green, s) }

// Bad colors a failure message.
func (p Palette) Bad(s string) string { return p.paint(red, s) }

// Warn colors a warning.
func (p Palette) Warn(s string) string { return p.paint(yellow, s) }

// Note colors a heading or other highlight.
func (p Palette) Note(s string) string { return p.paint(cyan, s) }

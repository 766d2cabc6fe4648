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

// Package config provides basic infrastructure to set configuration settings
// for pisim. Each setting that can be changed from the command line must have
// a corresponding flag, and flags may also be read from a TOML file.
package config

import (
	"fmt"
	"reflect"

	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// Config holds configuration that is not part of a scenario. Fields are
// populated from flags tagged with `flag:"<name>"`.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format: "text" or "json".
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows log messages to be sent to stderr as well.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// PanicLog is the path where Go runtime messages and panics are
	// written.
	PanicLog string `flag:"panic-log"`

	// LowestPriority is the least urgent priority of kernels built for
	// scenarios that do not set their own.
	LowestPriority int `flag:"lowest-priority"`

	// UsageErrors is the policy applied when a task misuses a lock.
	UsageErrors UsageErrorPolicy `flag:"usage-errors"`

	// MaxTicks bounds every simulation. Zero means no limit.
	MaxTicks uint64 `flag:"max-ticks"`

	// Color controls colored console output.
	Color ColorMode `flag:"color"`

	// ConfigFile is a TOML file holding default flag values.
	ConfigFile string `flag:"config"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.LowestPriority < int(kernel.HighestPriority) {
		return fmt.Errorf("lowest-priority must be at least %d, got %d", kernel.HighestPriority, c.LowestPriority)
	}
	return nil
}

// KernelPolicy returns the usage error policy as a kernel type.
func (c *Config) KernelPolicy() kernel.UsageErrorPolicy {
	return kernel.UsageErrorPolicy(c.UsageErrors)
}

// Lowest returns the configured least urgent priority.
func (c *Config) Lowest() kernel.Priority {
	return kernel.Priority(c.LowestPriority)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}

// UsageErrorPolicy is kernel.UsageErrorPolicy as a flag value.
type UsageErrorPolicy kernel.UsageErrorPolicy

func usageErrorPolicyPtr(p kernel.UsageErrorPolicy) *UsageErrorPolicy {
	v := UsageErrorPolicy(p)
	return &v
}

// Set implements flag.Value.
func (p *UsageErrorPolicy) Set(v string) error {
	kp, err := kernel.ParseUsageErrorPolicy(v)
	if err != nil {
		return err
	}
	*p = UsageErrorPolicy(kp)
	return nil
}

// Get implements flag.Getter.
func (p *UsageErrorPolicy) Get() any {
	return *p
}

// String implements flag.Value.
func (p UsageErrorPolicy) String() string {
	return kernel.UsageErrorPolicy(p).String()
}

// ColorMode tells when console output is colored.
type ColorMode int

const (
	// ColorAuto colors output written to a terminal.
	ColorAuto ColorMode = iota

	// ColorAlways always colors output.
	ColorAlways

	// ColorNever never colors output.
	ColorNever
)

func colorModePtr(c ColorMode) *ColorMode {
	return &c
}

// Set implements flag.Value.
func (c *ColorMode) Set(v string) error {
	switch v {
	case "auto":
		*c = ColorAuto
	case "always":
		*c = ColorAlways
	case "never":
		*c = ColorNever
	default:
		return fmt.Errorf("invalid color mode %q, must be 'auto', 'always' or 'never'", v)
	}
	return nil
}

// Get implements flag.Getter.
func (c *ColorMode) Get() any {
	return *c
}

// String implements flag.Value.
func (c ColorMode) String() string {
	switch c {
	case ColorAuto:
		return "auto"
	case ColorAlways:
		return "always"
	case ColorNever:
		return "never"
	default:
		panic(fmt.Sprintf("Invalid color mode %d", c))
	}
}

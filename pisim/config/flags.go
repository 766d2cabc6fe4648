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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/error404-yang/priority-inheritance/pkg/kernel"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as --log.")
	flagSet.String("panic-log", "", "file path where panic reports and other Go's runtime messages are written.")

	// Flags that control the simulated kernel.
	flagSet.Int("lowest-priority", int(kernel.DefaultLowestPriority), "least urgent priority for scenarios that do not set one. 1 is the most urgent.")
	flagSet.Var(usageErrorPolicyPtr(kernel.AbortTask), "usage-errors", "what to do when a task misuses a lock: abort (default) terminates the task, halt stops the simulation.")
	flagSet.Uint64("max-ticks", 100000, "maximum number of ticks a simulation may run. 0 means no limit.")

	// Output flags.
	flagSet.Var(colorModePtr(ColorAuto), "color", "color console output: auto (default), always, never.")
	flagSet.String("config", "", "TOML file with a [flags] table of default flag values.")
}

// get returns the value held by a flag registered by RegisterFlags.
func get(v flag.Value) any {
	return v.(flag.Getter).Get()
}

// NewFromFlags creates a new Config with values coming from command line flags
// and, if --config is set, from the TOML file it names.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	if path := get(flagSet.Lookup("config").Value).(string); path != "" {
		if err := LoadFile(flagSet, path); err != nil {
			return nil, err
		}
	}

	conf := &Config{}
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(get(fl.Value))
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// fileConfig is the layout of the file named by --config:
//
//	[flags]
//	debug = true
//	usage-errors = "halt"
type fileConfig struct {
	Flags map[string]any `toml:"flags"`
}

// LoadFile sets flags from the [flags] table of the TOML file at path. Flags
// already set on the command line keep their value.
func LoadFile(flagSet *flag.FlagSet, path string) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("error reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}

	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	names := make([]string, 0, len(fc.Flags))
	for name := range fc.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("config file %q: flag %q cannot be set from a config file", path, name)
		}
		if flagSet.Lookup(name) == nil {
			return fmt.Errorf("config file %q: flag %q not found", path, name)
		}
		if set[name] {
			continue
		}
		if err := flagSet.Set(name, fmt.Sprint(fc.Flags[name])); err != nil {
			return fmt.Errorf("config file %q: error setting flag %s: %w", path, name, err)
		}
	}
	return nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			// Not a flag field, or flag name doesn't match.
			continue
		}
		if name == "config" {
			return fmt.Errorf("flag %q cannot be overridden", name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		x := reflect.ValueOf(get(fl.Value))
		obj.Field(i).Set(x)

		// Validates the config again to ensure it's left in a consistent state.
		return c.validate()
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

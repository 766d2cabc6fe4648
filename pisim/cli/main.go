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

// Package cli is the main entrypoint for pisim.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/error404-yang/priority-inheritance/pisim/cmd"
	"github.com/error404-yang/priority-inheritance/pisim/cmd/util"
	"github.com/error404-yang/priority-inheritance/pisim/config"
	"github.com/error404-yang/priority-inheritance/pkg/log"
)

// version is set at link time.
var version = "dev"

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "pisim version %s, %s\n", version, runtime.Version())
		os.Exit(0)
	}

	// Create a new Config from the flags and the config file.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	if conf.PanicLog != "" {
		f, err := os.OpenFile(conf.PanicLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("error opening panic log file %q: %v", conf.PanicLog, err)
		}
		// Go runtime messages, including the panic of a halted kernel, are
		// written to fd 2. Point it at the panic log and keep a copy of the
		// original stderr for everything else.
		saved, err := unix.Dup(int(os.Stderr.Fd()))
		if err != nil {
			util.Fatalf("error dup'ing stderr: %v", err)
		}
		if err := unix.Dup3(int(f.Fd()), int(os.Stderr.Fd()), 0); err != nil {
			util.Fatalf("error dup'ing fd %d to stderr: %v", f.Fd(), err)
		}
		os.Stderr = os.NewFile(uintptr(saved), "/dev/stderr")
	}

	// Logs are only shown when asked for.
	var logFile io.Writer = io.Discard
	if conf.LogFilename != "" {
		// Several runs may share one log file, so never truncate it.
		opts := log.CommandFileOpts{Command: flag.CommandLine.Arg(0), Timestamp: time.Now()}
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, opts)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
		util.ErrorLogger = f
	} else if conf.Debug {
		logFile = os.Stderr
	}

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	emitters := log.MultiEmitter{newEmitter(conf.LogFormat, logFile)}
	if conf.AlsoLogToStderr && logFile != io.Writer(os.Stderr) {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}

	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `**************** pisim ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d, PPID %d, UID %d, GID %d", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getppid(), os.Getuid(), os.Getgid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by pisim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.List), "")

	const analysisGroup = "analysis"
	cb(new(cmd.Analyze), analysisGroup)
	cb(new(cmd.Monitor), analysisGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}

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

package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/error404-yang/priority-inheritance/pisim/cmd/util"
	"github.com/error404-yang/priority-inheritance/pisim/config"
	"github.com/error404-yang/priority-inheritance/pkg/kernel"
	"github.com/error404-yang/priority-inheritance/pkg/log"
	"github.com/error404-yang/priority-inheritance/pkg/monitor"
	"github.com/error404-yang/priority-inheritance/pkg/scenario"
)

const httpTimeout = 10 * time.Second

// Monitor implements subcommands.Command for the "monitor" command.
type Monitor struct {
	addr      string
	follow    string
	fromStart bool
	poll      time.Duration
	route     bool
	scenario  string
}

// Name implements subcommands.Command.Name.
func (*Monitor) Name() string {
	return "monitor"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Monitor) Synopsis() string {
	return "serve priority inheritance statistics over HTTP"
}

// Usage implements subcommands.Command.Usage.
func (*Monitor) Usage() string {
	return `monitor [flags] - serve statistics over HTTP. The live session is fed by
--follow or --scenario. Other sessions are created by uploading logs to
/api/upload/<session>, or by test program banners in a followed log. Updates
to a session are streamed from /api/events/<session>.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Monitor) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.addr, "addr", "localhost:8090", "address to serve on.")
	f.StringVar(&m.follow, "follow", "", "log file to follow into the live session.")
	f.BoolVar(&m.fromStart, "from-start", false, "with --follow, read the file from the beginning.")
	f.DurationVar(&m.poll, "poll", 100*time.Millisecond, "with --follow, how often to check the file for new lines.")
	f.BoolVar(&m.route, "route", true, "with --follow, send the events after a test program's banner to that program's session.")
	f.StringVar(&m.scenario, "scenario", "", "scenario to run into the live session.")
}

// Execute implements subcommands.Command.Execute.
func (m *Monitor) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if m.follow != "" && m.scenario != "" {
		return util.Errorf("--follow and --scenario are mutually exclusive")
	}
	var sc *scenario.Scenario
	if m.scenario != "" {
		var err error
		if sc, err = loadScenario(conf, m.scenario); err != nil {
			return util.Errorf("loading scenario %q: %v", m.scenario, err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	if strings.HasPrefix(m.addr, ":") {
		log.Warningf("Binding on all interfaces, anyone can upload logs to this server")
	}
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", m.addr)
	if err != nil {
		return util.Errorf("cannot listen on TCP address %q: %v", m.addr, err)
	}

	mon := monitor.New()
	live := mon.Session(monitor.LiveSession)
	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:      logRequest(mon.Handler()),
		ReadTimeout:  httpTimeout,
		WriteTimeout: httpTimeout,
		// Event streams end when the server shuts down.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		log.Infof("Server serving on %s", listener.Addr())
		err := srv.Serve(listener)
		log.Infof("Server has stopped accepting requests.")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("cannot serve on address %s: %w", m.addr, err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if m.follow != "" {
		g.Go(func() error {
			opts := monitor.FollowOptions{
				FromStart: m.fromStart,
				Poll:      m.poll,
			}
			if m.route {
				opts.Route = monitor.RouteByBanner
			}
			err := mon.Follow(gctx, m.follow, opts)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if sc != nil {
		g.Go(func() error {
			rep, err := scenario.Run(gctx, sc, scenario.RunOptions{
				UsageErrorPolicy: conf.KernelPolicy(),
				MaxTicks:         conf.MaxTicks,
				Listeners:        []kernel.Listener{live},
			})
			if err != nil {
				// A failed run is still worth inspecting.
				log.Warningf("Scenario %q: %v", sc.Name, err)
				return nil
			}
			log.Infof("Scenario %q finished after %d ticks, passed: %t", sc.Name, rep.Result.Stats.Ticks, rep.Passed())
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return util.Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// logRequest logs each request at debug level.
func logRequest(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		log.Debugf("Request: %s %s", req.Method, req.URL.Path)
		h.ServeHTTP(w, req)
	})
}

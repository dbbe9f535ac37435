// File: cmd/hioload-net/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// hioload-net runs a line-echo server over the configured listeners, or
// dials one and prints the echoed reply.

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/dns"
	"github.com/momentics/hioload-net/internal/concurrency"
	"github.com/momentics/hioload-net/reactor"
)

// Version is set by ldflags.
var Version = "snapshot"

func main() {
	app := &cli.App{
		Name:    "hioload-net",
		Usage:   "non-blocking socket server and client",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace, debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Value: string(log.TextFormat), Usage: "text or json"},
			&cli.IntFlag{Name: "workers", Value: runtime.NumCPU(), Usage: "executor worker count"},
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			serveCmd,
			dialCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "hioload-net:", err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	if err := log.SetLevel(ctx.String("log-level")); err != nil {
		return errors.Wrap(err, "log level")
	}
	if err := log.SetFormat(log.OutputFormat(ctx.String("log-format"))); err != nil {
		return errors.Wrap(err, "log format")
	}
	return nil
}

// runtimeStack is the reactor, executor and resolver shared by a command.
type runtimeStack struct {
	exec     *concurrency.Executor
	mux      *reactor.Multiplexer
	resolver *dns.Resolver
}

func newRuntime(ctx *cli.Context, m *control.Metrics, dp *control.DebugProbes) (*runtimeStack, error) {
	exec := concurrency.NewExecutor(ctx.Int("workers"))
	mux, err := reactor.New(exec, reactor.DefaultConfig(), reactor.WithMetrics(m), reactor.WithProbes(dp))
	if err != nil {
		exec.Close()
		return nil, errors.Wrap(err, "reactor")
	}
	res, err := dns.New(dns.DefaultConfig(), dns.WithMetrics(m))
	if err != nil {
		mux.Close()
		exec.Close()
		return nil, errors.Wrap(err, "resolver")
	}
	return &runtimeStack{exec: exec, mux: mux, resolver: res}, nil
}

func (rt *runtimeStack) close() {
	if err := rt.mux.Close(); err != nil {
		log.L.WithError(err).Warn("closing reactor")
	}
	rt.resolver.Purge()
	rt.exec.Close()
}

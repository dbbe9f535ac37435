// File: cmd/hioload-net/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/containerd/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/server"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the line-echo server on the configured listeners",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "router YAML file"},
		&cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics and /debug/probes on this address"},
	},
	Action: serve,
}

func serve(ctx *cli.Context) error {
	router, err := server.LoadRouter(ctx.String("config"))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := control.NewMetrics(reg)
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)

	rt, err := newRuntime(ctx, metrics, probes)
	if err != nil {
		return err
	}
	defer rt.close()

	srv, err := server.New(rt.mux, rt.exec, rt.resolver, lineEcho{maxLine: router.PayloadMaxLength},
		server.WithMetrics(metrics),
		server.WithProbes(probes))
	if err != nil {
		return err
	}

	sigctx, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Configure(sigctx, router); err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}
	for _, l := range srv.Listeners() {
		log.G(sigctx).WithFields(log.Fields{
			"listener": l.Name(),
			"address":  l.Host().Address(),
			"secure":   l.Secure(),
		}).Info("serving")
	}

	var httpSrv *http.Server
	if addr := ctx.String("metrics-addr"); addr != "" {
		httpSrv = debugServer(addr, reg, probes)
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.L.WithError(err).Error("metrics server failed")
			}
		}()
	}

	<-sigctx.Done()
	log.L.Info("shutting down")

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	stalled, err := srv.Unlisten(router.GracefulTimeWait.Std())
	for _, c := range stalled {
		log.L.WithField("conn", c.String()).Warn("connection still open at exit")
	}
	return err
}

func debugServer(addr string, reg *prometheus.Registry, probes *control.DebugProbes) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/probes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(probes.DumpState()); err != nil {
			log.L.WithError(err).Debug("encoding probes")
		}
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

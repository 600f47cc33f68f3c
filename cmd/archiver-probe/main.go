// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command archiver-probe is a small, optional debug server: it builds
// a Client against the configured archiver base URL and exposes its
// metrics and health status over HTTP for local inspection, mirroring
// the teacher's own mux+handlers pairing and opt-in gops agent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ClusterCockpit/epics-archiver-client/pkg/archiver"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/config"
	"github.com/ClusterCockpit/epics-archiver-client/pkg/log"
	"github.com/google/gops/agent"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownGrace bounds how long the debug server and the underlying
// Client are given to wind down on SIGINT/SIGTERM.
const shutdownGrace = 5 * time.Second

func main() {
	var (
		addr           string
		flagConfigFile string
		flagGops       bool
	)
	flag.StringVar(&addr, "listen", "localhost:8090", "Address the debug server listens on")
	flag.StringVar(&flagConfigFile, "config", "", "Optional path to a JSON config file overriding the environment defaults")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		log.Fatalf("loading config: %s", err.Error())
	}

	client, err := archiver.New(cfg)
	if err != nil {
		log.Fatalf("building archiver client: %s", err.Error())
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(client.MetricsGatherer(), promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := client.GetHealthStatus()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	r.HandleFunc("/connected", func(w http.ResponseWriter, req *http.Request) {
		if client.TestConnection(req.Context()) {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	handler := handlers.CustomLoggingHandler(io.Discard, r, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Infof("%s %s %d", params.Request.Method, params.URL.Path, params.StatusCode)
	})

	srv := &http.Server{Addr: addr, Handler: handler}

	go func() {
		log.Infof("archiver-probe listening on %s against %s", addr, cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("debug server failed: %s", err.Error())
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("archiver-probe shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	srv.Shutdown(ctx)
	client.Shutdown(ctx)
}

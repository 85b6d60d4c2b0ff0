// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command pumpd bootstraps the pump: a dispatcher, its handler registry,
// the indexer and catalog that together serve the admin HTTP API, and the
// archive backend rotated files are offloaded to. Wiring mirrors
// cmd/cc-backend/main.go's own bootstrap (flags, .env, JSON config file,
// optional gops agent, signal-triggered graceful shutdown).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ckpump/pump/internal/adminapi"
	"github.com/ckpump/pump/internal/archive"
	"github.com/ckpump/pump/internal/catalog"
	"github.com/ckpump/pump/internal/dispatcher"
	"github.com/ckpump/pump/internal/handler"
	"github.com/ckpump/pump/internal/indexer"
)

func main() {
	var flagConfigFile string
	var flagEnvFile string
	var flagGops bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the default program configuration by those specified in `config.json`")
	flag.StringVar(&flagEnvFile, "env", "./.env", "Load environment variables (e.g. the admin JWT secret) from `.env`")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	// See https://github.com/google/gops (Runtime overhead is almost zero)
	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			cclog.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := godotenv.Load(flagEnvFile); err != nil && !os.IsNotExist(err) {
		cclog.Fatalf("parsing %q failed: %s", flagEnvFile, err.Error())
	}

	if f, err := os.Open(flagConfigFile); err == nil {
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&programConfig); err != nil {
			cclog.Fatalf("decoding %q failed: %s", flagConfigFile, err.Error())
		}
		f.Close()
	} else if !errors.Is(err, os.ErrNotExist) || flagConfigFile != "./config.json" {
		cclog.Fatalf("opening %q failed: %s", flagConfigFile, err.Error())
	}

	cat, err := catalog.Connect(programConfig.CatalogDB)
	if err != nil {
		cclog.Fatalf("connecting to catalog: %s", err.Error())
	}
	defer cat.Close()

	idx := indexer.New(func(monitorID string) {
		cclog.Infof("[PUMPD]> monitor %s appeared", monitorID)
	})

	archiveBackend := buildArchiveBackend()
	notifying := archive.NewNotifyingBackend(archiveBackend)
	notifier := &compositeNotifier{archive: notifying, indexer: idx}

	registry := handler.NewRegistry()
	registry.Register("ConsoleHandlerConfig", handler.NewConsoleHandlerFactory())
	registry.Register("BinaryFileHandlerConfig", handler.NewBinaryFileHandlerFactory())
	registry.Register("NATSHandlerConfig", handler.NewNATSHandlerFactory())
	registry.Register("DemoSinkConfig", handler.NewDemoSinkFactory())

	// The admin API's /metrics serves the default gatherer, so the
	// dispatcher's metrics go to the default registerer.
	d := dispatcher.New(registry, programConfig.QueueCapacity, func() {
		cclog.Debug("[PUMPD]> garbage-collecting dead clients (no client registry configured)")
	}, prometheus.DefaultRegisterer)

	sched, err := gocron.NewScheduler()
	if err != nil {
		cclog.Fatalf("creating scheduler: %s", err.Error())
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() { notifying.Sweep(context.Background()) }),
	); err != nil {
		cclog.Fatalf("scheduling archive sweep: %s", err.Error())
	}

	if err := d.Start(sched); err != nil {
		cclog.Fatalf("starting dispatcher: %s", err.Error())
	}

	secret := []byte(os.Getenv(programConfig.AdminJWTSecretEnv))
	if len(secret) == 0 {
		cclog.Warnf("[PUMPD]> %s is unset; the admin API will reject every request", programConfig.AdminJWTSecretEnv)
	}

	apiServer := &adminapi.Server{
		Dispatcher: d,
		Indexer:    idx,
		Catalog:    cat,
		Archive:    notifier,
		Auth:       &adminapi.BearerAuthenticator{Secret: secret},
	}
	httpServer := adminapi.NewHTTPServer(programConfig.Addr, apiServer)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		cclog.Infof("[PUMPD]> received signal %s, shutting down", sig)
	case err := <-errCh:
		cclog.Errorf("[PUMPD]> admin API server failed: %s", err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		cclog.Warnf("[PUMPD]> admin API shutdown: %s", err.Error())
	}
	d.Stop(10 * time.Second)
}

func buildArchiveBackend() archive.Backend {
	if programConfig.ArchiveS3.Bucket != "" {
		backend, err := archive.NewS3Backend(archive.S3Config{
			Endpoint:     programConfig.ArchiveS3.Endpoint,
			Bucket:       programConfig.ArchiveS3.Bucket,
			Prefix:       programConfig.ArchiveS3.Prefix,
			AccessKey:    programConfig.ArchiveS3.AccessKey,
			SecretKey:    programConfig.ArchiveS3.SecretKey,
			Region:       programConfig.ArchiveS3.Region,
			UsePathStyle: programConfig.ArchiveS3.UsePathStyle,
		})
		if err != nil {
			cclog.Fatalf("building S3 archive backend: %s", err.Error())
		}
		return backend
	}
	return &archive.FSBackend{Dir: programConfig.ArchiveDir}
}

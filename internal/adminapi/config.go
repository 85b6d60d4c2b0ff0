// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package adminapi exposes the pump's runtime-configuration and
// monitor-inspection surface (SPEC_FULL §4.10) over HTTP. It is
// deliberately small next to the teacher's full GraphQL/web application in
// cmd/cc-backend: only the mechanics the pump needs -- mux routing, bearer
// JWT auth, request logging and graceful shutdown -- are carried over,
// grounded on cmd/cc-backend/main.go and internal/auth/jwt.go.
package adminapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ckpump/pump/internal/dispatcher"
	"github.com/ckpump/pump/internal/handler"
	"github.com/ckpump/pump/internal/sender"
	"github.com/ckpump/pump/pkg/entry"
	"github.com/ckpump/pump/pkg/logfilter"
)

// logLevelFilterDoc is the wire shape of a logfilter.LogLevelFilter.
type logLevelFilterDoc struct {
	Minimum       string `json:"minimum"`
	AllowFiltered bool   `json:"allow_filtered"`
}

func (d *logLevelFilterDoc) toFilter() (*logfilter.LogLevelFilter, error) {
	if d == nil {
		return nil, nil
	}
	lvl, err := parseLogLevel(d.Minimum)
	if err != nil {
		return nil, err
	}
	return &logfilter.LogLevelFilter{Minimum: lvl, AllowFiltered: d.AllowFiltered}, nil
}

func parseLogLevel(s string) (entry.LogLevel, error) {
	switch s {
	case "", "Debug":
		return entry.LevelDebug, nil
	case "Trace":
		return entry.LevelTrace, nil
	case "Info":
		return entry.LevelInfo, nil
	case "Warn":
		return entry.LevelWarn, nil
	case "Error":
		return entry.LevelError, nil
	case "Fatal":
		return entry.LevelFatal, nil
	case "Off":
		return entry.LevelOff, nil
	default:
		return 0, fmt.Errorf("adminapi: unknown log level %q", s)
	}
}

// tagRuleDoc is the wire shape of a logfilter.TagRule.
type tagRuleDoc struct {
	Matcher string            `json:"matcher"`
	Filter  logLevelFilterDoc `json:"filter"`
}

// handlerSpecDoc is the wire shape of one entry in the "handlers" array:
// a discriminated union keyed by Type, resolved against the same factory
// names the handler.Registry is keyed by.
type handlerSpecDoc struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// binaryFileHandlerConfigDoc mirrors handler.BinaryFileHandlerConfig minus
// the Archive field, which is wired programmatically, never over the
// wire.
type binaryFileHandlerConfigDoc struct {
	Directory      string        `json:"directory"`
	FilePrefix     string        `json:"file_prefix"`
	MaxBytes       int64         `json:"max_bytes"`
	RotateInterval time.Duration `json:"rotate_interval"`
}

// natsHandlerConfigDoc mirrors handler.NATSHandlerConfig.
type natsHandlerConfigDoc struct {
	NATS              sender.NATSConfig `json:"nats"`
	InitialBufferSize int               `json:"initial_buffer_size"`
	LostBufferSize    int               `json:"lost_buffer_size"`
}

// ConfigRequest is the JSON body accepted by POST /configure.
type ConfigRequest struct {
	TimerDuration          string            `json:"timer_duration"`
	MinimalFilter          *logLevelFilterDoc `json:"minimal_filter"`
	ExternalLogLevelFilter *logLevelFilterDoc `json:"external_log_level_filter"`
	TagFilters             []tagRuleDoc       `json:"tag_filters"`
	Handlers               []handlerSpecDoc   `json:"handlers"`
}

// toDispatcherConfig decodes req to a dispatcher.Config. archive is wired into every BinaryFileHandlerConfig
// produced, the same way cmd/pumpd's bootstrap wires it at startup.
func (req *ConfigRequest) toDispatcherConfig(archive handler.ArchiveNotifier) (dispatcher.Config, error) {
	var cfg dispatcher.Config

	if req.TimerDuration != "" {
		d, err := time.ParseDuration(req.TimerDuration)
		if err != nil {
			return cfg, fmt.Errorf("adminapi: timer_duration: %w", err)
		}
		cfg.TimerDuration = d
	}

	minimal, err := req.MinimalFilter.toFilter()
	if err != nil {
		return cfg, err
	}
	cfg.MinimalFilter = minimal

	ext, err := req.ExternalLogLevelFilter.toFilter()
	if err != nil {
		return cfg, err
	}
	cfg.ExternalLogLevelFilter = ext

	for i := range req.TagFilters {
		tr := req.TagFilters[i]
		f, err := (&tr.Filter).toFilter()
		if err != nil {
			return cfg, err
		}
		rule := &logfilter.TagRule{Matcher: tr.Matcher, Filter: *f}
		if err := rule.Compile(); err != nil {
			return cfg, err
		}
		cfg.TagFilters = append(cfg.TagFilters, rule)
	}

	for _, hs := range req.Handlers {
		hc, err := decodeHandlerConfig(hs, archive)
		if err != nil {
			return cfg, err
		}
		cfg.Handlers = append(cfg.Handlers, dispatcher.HandlerSpec{Config: hc})
	}

	return cfg, nil
}

func decodeHandlerConfig(hs handlerSpecDoc, archive handler.ArchiveNotifier) (handler.Config, error) {
	switch hs.Type {
	case "BinaryFileHandlerConfig":
		var doc binaryFileHandlerConfigDoc
		if err := json.Unmarshal(hs.Config, &doc); err != nil {
			return nil, fmt.Errorf("adminapi: decoding BinaryFileHandlerConfig: %w", err)
		}
		return &handler.BinaryFileHandlerConfig{
			Directory:      doc.Directory,
			FilePrefix:     doc.FilePrefix,
			MaxBytes:       doc.MaxBytes,
			RotateInterval: doc.RotateInterval,
			Archive:        archive,
		}, nil
	case "ConsoleHandlerConfig":
		return &handler.ConsoleHandlerConfig{}, nil
	case "NATSHandlerConfig":
		var doc natsHandlerConfigDoc
		if err := json.Unmarshal(hs.Config, &doc); err != nil {
			return nil, fmt.Errorf("adminapi: decoding NATSHandlerConfig: %w", err)
		}
		return &handler.NATSHandlerConfig{
			NATS:              doc.NATS,
			InitialBufferSize: doc.InitialBufferSize,
			LostBufferSize:    doc.LostBufferSize,
		}, nil
	default:
		return nil, &handler.ErrUnknownHandlerType{Type: hs.Type}
	}
}

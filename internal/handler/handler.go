// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package handler defines the polymorphic handler contract (spec §4.5)
// and an explicit configuration-type-to-factory registration table,
// replacing the reflection-based "strip the Configuration suffix and look
// up a sibling type" factory the spec's Design Notes call out for
// replacement (§9).
package handler

import (
	"fmt"
	"time"

	"github.com/ckpump/pump/pkg/entry"
)

// Monitor is the capability-narrowed reference a handler receives instead
// of the full dispatcher (spec §9: break the handler/pump cycle). It lets
// a handler emit diagnostics into the pump's own monitor stream without
// holding a reference able to reconfigure or stop the pump.
type Monitor interface {
	EmitInternalLog(level entry.LogLevel, tags []string, text string, exc *entry.Exception)
}

// Config is implemented by every handler configuration value.
// HandlerConfigType returns the stable identity used to match configurations across reconfiguration
// (§4.4: "identity is a (handler-configuration-type, instance-equality)
// pair").
type Config interface {
	HandlerConfigType() string
}

// Handler is the per-handler contract (§4.5).
type Handler interface {
	Activate(mon Monitor) bool
	Handle(mon Monitor, e *entry.Entry)
	OnTimer(mon Monitor, span time.Duration)
	ApplyConfiguration(mon Monitor, cfg Config) bool
	Deactivate(mon Monitor)
}

// Factory constructs a new Handler instance from its configuration.
type Factory func(cfg Config) (Handler, error)

// Registry is the explicit `HandlerConfigType -> HandlerFactoryFn` table
// (§9 Design Notes). It replaces reflection entirely: an unregistered
// config type is a configuration error (§7), not a runtime type-lookup
// failure.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds configType to factory. Re-registering a type overwrites
// the previous binding, which is convenient for tests.
func (r *Registry) Register(configType string, factory Factory) {
	r.factories[configType] = factory
}

// ErrUnknownHandlerType is returned by Create for an unregistered config
// type (§7: "unknown handler type" is a configuration error).
type ErrUnknownHandlerType struct{ Type string }

func (e *ErrUnknownHandlerType) Error() string {
	return fmt.Sprintf("handler: no factory registered for configuration type %q", e.Type)
}

// Create looks up and invokes the factory for cfg's HandlerConfigType.
func (r *Registry) Create(cfg Config) (Handler, error) {
	f, ok := r.factories[cfg.HandlerConfigType()]
	if !ok {
		return nil, &ErrUnknownHandlerType{Type: cfg.HandlerConfigType()}
	}
	return f(cfg)
}

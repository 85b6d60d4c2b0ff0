// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package handler

import (
	"fmt"
	"time"

	"github.com/ckpump/pump/pkg/entry"

	"github.com/ckpump/pump/internal/sender"
)

// NATSHandlerConfig configures a NATSHandler: a BufferingSender handler
// (§6: "For BufferingSender handlers: initial_buffer_size,
// lost_buffer_size") that publishes to NATS.
type NATSHandlerConfig struct {
	NATS              sender.NATSConfig `json:"nats"`
	InitialBufferSize int               `json:"initial_buffer_size"`
	LostBufferSize    int               `json:"lost_buffer_size"`
}

func (c *NATSHandlerConfig) HandlerConfigType() string { return "NATSHandlerConfig" }

// NATSHandler adapts sender.BufferingBase to the Handler contract.
type NATSHandler struct {
	base *sender.BufferingBase
}

// NewNATSHandlerFactory returns a Factory bound to the registry.
func NewNATSHandlerFactory() Factory {
	return func(cfg Config) (Handler, error) {
		c, ok := cfg.(*NATSHandlerConfig)
		if !ok {
			return nil, fmt.Errorf("nats: unexpected config type %T", cfg)
		}
		base := sender.NewBufferingBase(
			sender.NewNATSSenderFactory(c.NATS),
			nil,
			c.InitialBufferSize,
			c.LostBufferSize,
		)
		return &NATSHandler{base: base}, nil
	}
}

func (h *NATSHandler) Activate(mon Monitor) bool { return h.base.Activate() }

func (h *NATSHandler) Handle(mon Monitor, e *entry.Entry) {
	if fatal := h.base.Handle(e); fatal {
		mon.EmitInternalLog(entry.LevelError, []string{"NATS"}, "sender creation failed, evicting handler", nil)
		// The dispatcher evicts a handler whose Handle panics.
		panic("nats: sender creation failed")
	}
}

func (h *NATSHandler) OnTimer(mon Monitor, span time.Duration) {}

func (h *NATSHandler) ApplyConfiguration(mon Monitor, cfg Config) bool {
	c, ok := cfg.(*NATSHandlerConfig)
	if !ok {
		return false
	}
	h.base.UpdateConfiguration(c.InitialBufferSize, c.LostBufferSize)
	return true
}

func (h *NATSHandler) Deactivate(mon Monitor) { h.base.Deactivate() }

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package handler

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ckpump/pump/pkg/entry"
)

// ConsoleHandlerConfig configures a ConsoleHandler. It is the minimal
// concrete handler the spec's test scenarios (§8 scenario 1: "apply
// additional {Console}") exercise for reconfiguration, deliberately
// outside the "concrete wire protocols of handlers" the spec places
// out of scope as a *rendering format* concern.
type ConsoleHandlerConfig struct {
	Out io.Writer // defaults to os.Stdout when nil
}

func (c *ConsoleHandlerConfig) HandlerConfigType() string { return "ConsoleHandlerConfig" }

// ConsoleHandler writes one line per entry to an io.Writer, followed by a
// second line with the exception message when the entry carries one.
type ConsoleHandler struct {
	out io.Writer
}

// NewConsoleHandlerFactory returns a Factory bound to the registry.
func NewConsoleHandlerFactory() Factory {
	return func(cfg Config) (Handler, error) {
		c, ok := cfg.(*ConsoleHandlerConfig)
		if !ok {
			return nil, fmt.Errorf("console: unexpected config type %T", cfg)
		}
		out := c.Out
		if out == nil {
			out = os.Stdout
		}
		return &ConsoleHandler{out: out}, nil
	}
}

func (h *ConsoleHandler) Activate(mon Monitor) bool { return true }

func (h *ConsoleHandler) Handle(mon Monitor, e *entry.Entry) {
	fmt.Fprintf(h.out, "[%s] %s\n", e.Level, e.TextOrEmpty())
	if e.Exception != nil {
		fmt.Fprintf(h.out, "  exception: %s\n", e.Exception.Message)
	}
}

func (h *ConsoleHandler) OnTimer(mon Monitor, span time.Duration) {}

func (h *ConsoleHandler) ApplyConfiguration(mon Monitor, cfg Config) bool {
	c, ok := cfg.(*ConsoleHandlerConfig)
	if !ok {
		return false
	}
	if c.Out != nil {
		h.out = c.Out
	}
	return true
}

func (h *ConsoleHandler) Deactivate(mon Monitor) {}

// DemoSinkConfig configures a DemoSink, the trivial handler used as the
// initial handler set in §8 scenario 1 ("Start with handler set
// {DemoSink}").
type DemoSinkConfig struct{}

func (c *DemoSinkConfig) HandlerConfigType() string { return "DemoSinkConfig" }

// DemoSink discards every entry; it exists purely to exercise
// reconfiguration without a real sink attached.
type DemoSink struct {
	received int
}

// NewDemoSinkFactory returns a Factory bound to the registry.
func NewDemoSinkFactory() Factory {
	return func(cfg Config) (Handler, error) {
		if _, ok := cfg.(*DemoSinkConfig); !ok {
			return nil, fmt.Errorf("demosink: unexpected config type %T", cfg)
		}
		return &DemoSink{}, nil
	}
}

func (h *DemoSink) Activate(mon Monitor) bool                       { return true }
func (h *DemoSink) Handle(mon Monitor, e *entry.Entry)              { h.received++ }
func (h *DemoSink) OnTimer(mon Monitor, span time.Duration)         {}
func (h *DemoSink) ApplyConfiguration(mon Monitor, cfg Config) bool { _, ok := cfg.(*DemoSinkConfig); return ok }
func (h *DemoSink) Deactivate(mon Monitor)                          {}

// Received reports how many entries this DemoSink has seen, for tests.
func (h *DemoSink) Received() int { return h.received }

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package handler

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckpump/pump/pkg/ckmon"
	"github.com/ckpump/pump/pkg/entry"
)

type nopMonitor struct{ logs []string }

func (m *nopMonitor) EmitInternalLog(level entry.LogLevel, tags []string, text string, exc *entry.Exception) {
	m.logs = append(m.logs, text)
}

func TestRegistryUnknownType(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create(&DemoSinkConfig{})
	require.Error(t, err)
	var target *ErrUnknownHandlerType
	require.ErrorAs(t, err, &target)
}

func TestRegistryCreateAndConfigure(t *testing.T) {
	r := NewRegistry()
	r.Register("DemoSinkConfig", NewDemoSinkFactory())
	h, err := r.Create(&DemoSinkConfig{})
	require.NoError(t, err)
	mon := &nopMonitor{}
	require.True(t, h.Activate(mon))
	text := "hi"
	h.Handle(mon, &entry.Entry{Kind: entry.KindLine, Text: &text})
	require.Equal(t, 1, h.(*DemoSink).Received())
}

func TestConsoleHandlerWritesLines(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry()
	r.Register("ConsoleHandlerConfig", NewConsoleHandlerFactory())
	h, err := r.Create(&ConsoleHandlerConfig{Out: &buf})
	require.NoError(t, err)
	mon := &nopMonitor{}
	require.True(t, h.Activate(mon))
	text := "hello"
	h.Handle(mon, &entry.Entry{Kind: entry.KindLine, Text: &text})
	require.Contains(t, buf.String(), "hello")
}

func TestBinaryFileHandlerWritesAndRotates(t *testing.T) {
	dir := t.TempDir()
	r := NewRegistry()
	r.Register("BinaryFileHandlerConfig", NewBinaryFileHandlerFactory())
	h, err := r.Create(&BinaryFileHandlerConfig{Directory: dir, FilePrefix: "test", MaxBytes: 1})
	require.NoError(t, err)
	mon := &nopMonitor{}
	require.True(t, h.Activate(mon))

	text := "hello"
	h.Handle(mon, &entry.Entry{Kind: entry.KindLine, Text: &text, Time: entry.Now(0)})
	h.Deactivate(mon)

	matches, err := filepath.Glob(filepath.Join(dir, "test-*.ckmon"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(matches), 2, "size-based rotation should have produced a second file")

	cur, err := ckmon.Open(matches[0], 0, nil)
	require.NoError(t, err)
	defer cur.Close()
	require.True(t, cur.MoveNext())
	require.Equal(t, "hello", cur.Current().TextOrEmpty())
}

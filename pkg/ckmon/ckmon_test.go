// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ckmon

import (
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ckpump/pump/pkg/entry"
)

func text(s string) *string { return &s }

func sampleEntries() []*entry.Entry {
	now := entry.Now(0)
	return []*entry.Entry{
		{
			Kind:  entry.KindLine,
			Level: entry.LevelInfo,
			Text:  text("hello world"),
			Time:  now,
			Tags:  []string{"Sql", "Machine"},
		},
		{
			Kind:     entry.KindOpenGroup,
			Level:    entry.LevelDebug,
			Text:     text("opening"),
			Time:     now,
			FileName: "worker.go",
			LineNo:   42,
		},
		{
			Kind:  entry.KindLine,
			Level: entry.LevelError,
			Text:  text("boom"),
			Time:  now,
			Exception: &entry.Exception{
				Message: "disk full",
				Type:    "IOError",
				Inner: &entry.Exception{
					Message: "ENOSPC",
					Type:    "SyscallError",
				},
			},
		},
		{
			Kind:        entry.KindCloseGroup,
			Level:       entry.LevelInfo,
			Text:        text(""),
			Time:        now,
			Conclusions: []entry.Conclusion{{Tag: "ok", Text: "done"}},
		},
		{
			Kind:      entry.KindLine,
			Level:     entry.LevelWarn,
			Text:      text("multicast line"),
			Time:      now,
			Multicast: true,
			Multi: entry.MulticastInfo{
				MonitorID:   "worker-1",
				PrevType:    entry.KindOpenGroup,
				PrevTypeSet: true,
				PrevTime:    now,
				GroupDepth:  1,
			},
		},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.ckmon")

	w, err := Create(path)
	require.NoError(t, err)
	for _, e := range sampleEntries() {
		require.NoError(t, w.Write(e))
	}
	require.NoError(t, w.Close())

	cur, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer cur.Close()
	require.Equal(t, CurrentVersion, cur.StreamVersion())

	var got []*entry.Entry
	for cur.MoveNext() {
		got = append(got, cur.Current())
	}
	require.NoError(t, cur.ReadException())
	require.False(t, cur.BadEndOfFileMarker())

	want := sampleEntries()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].Kind, got[i].Kind)
		require.Equal(t, want[i].Level, got[i].Level)
		require.Equal(t, want[i].TextOrEmpty(), got[i].TextOrEmpty())
		require.Equal(t, want[i].Tags, got[i].Tags)
		require.Equal(t, want[i].FileName, got[i].FileName)
		require.Equal(t, want[i].LineNo, got[i].LineNo)
		require.Equal(t, want[i].Conclusions, got[i].Conclusions)
		require.Equal(t, want[i].Multicast, got[i].Multicast)
		if want[i].Multicast {
			require.Equal(t, want[i].Multi.MonitorID, got[i].Multi.MonitorID)
			require.Equal(t, want[i].Multi.PrevType, got[i].Multi.PrevType)
			require.Equal(t, want[i].Multi.GroupDepth, got[i].Multi.GroupDepth)
		}
		if want[i].Exception != nil {
			require.NotNil(t, got[i].Exception)
			require.Equal(t, want[i].Exception.Message, got[i].Exception.Message)
			require.NotNil(t, got[i].Exception.Inner)
			require.Equal(t, want[i].Exception.Inner.Message, got[i].Exception.Inner.Message)
		}
	}
}

func TestBadEndOfFileMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "truncated.ckmon")

	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleEntries()[0]))
	require.NoError(t, w.w.Flush())

	cur, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer cur.Close()

	require.True(t, cur.MoveNext())
	require.False(t, cur.MoveNext())
	require.True(t, cur.BadEndOfFileMarker())
	require.NoError(t, cur.ReadException())
}

func TestGzipTransparentRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.ckmon.gz")

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	w, err := NewWriter(gw, nil)
	require.NoError(t, err)
	require.NoError(t, w.Write(sampleEntries()[0]))
	require.NoError(t, w.Close())
	require.NoError(t, gw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	cur, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer cur.Close()

	require.True(t, cur.MoveNext())
	require.Equal(t, "hello world", cur.Current().TextOrEmpty())
	require.False(t, cur.MoveNext())
	require.False(t, cur.BadEndOfFileMarker())
}

func TestMulticastFilterSkipsNonMatching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.ckmon")

	w, err := Create(path)
	require.NoError(t, err)
	entries := sampleEntries()
	for _, e := range entries {
		require.NoError(t, w.Write(e))
	}
	require.NoError(t, w.Close())

	cur, err := Open(path, 0, MulticastFilter("worker-1", 1<<30))
	require.NoError(t, err)
	defer cur.Close()

	var got []*entry.Entry
	for cur.MoveNext() {
		got = append(got, cur.Current())
	}
	require.Len(t, got, 1)
	require.Equal(t, "multicast line", got[0].TextOrEmpty())
}

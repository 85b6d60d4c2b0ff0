// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package indexer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ckpump/pump/pkg/ckmon"
	"github.com/ckpump/pump/pkg/entry"
)

func writeFile(t *testing.T, path string, entries []*entry.Entry) {
	t.Helper()
	w, err := ckmon.Create(path)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Write(e))
	}
	require.NoError(t, w.Close())
}

func multicastLine(monitorID, text string, t time.Time) *entry.Entry {
	txt := text
	return &entry.Entry{
		Kind:      entry.KindLine,
		Text:      &txt,
		Time:      entry.DateTimeStamp{Time: t, KnownExists: true},
		Multicast: true,
		Multi:     entry.MulticastInfo{GrandOutputID: "pump-1", MonitorID: monitorID},
	}
}

func identityLine(monitorID string, kind entry.IdentityCardTagKind, attrs map[string]string, t time.Time) *entry.Entry {
	buf, _ := json.Marshal(attrs)
	txt := string(buf)
	tag := entry.IdentityCardUpdateTag
	if kind == entry.IdentityCardFull {
		tag = entry.IdentityCardFullTag
	}
	return &entry.Entry{
		Kind:      entry.KindLine,
		Text:      &txt,
		Tags:      []string{tag},
		Time:      entry.DateTimeStamp{Time: t, KnownExists: true},
		Multicast: true,
		Multi:     entry.MulticastInfo{GrandOutputID: "pump-1", MonitorID: monitorID},
	}
}

func TestAddIndexesMonitorOccurrences(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	path := filepath.Join(dir, "a.ckmon")
	writeFile(t, path, []*entry.Entry{
		multicastLine("worker-1", "first", base),
		multicastLine("worker-2", "other", base.Add(time.Second)),
		multicastLine("worker-1", "second", base.Add(2*time.Second)),
	})

	idx := New(nil)
	f, err := idx.Add(path)
	require.NoError(t, err)
	require.True(t, f.IsValidFile)
	require.False(t, f.BadEndOfFile)
	require.EqualValues(t, 3, f.TotalEntryCount)

	w1, ok := idx.Monitor("worker-1")
	require.True(t, ok)
	first, _ := w1.FirstSeen()
	last, _ := w1.LastSeen()
	require.Equal(t, base, first.Time)
	require.Equal(t, base.Add(2*time.Second), last.Time)

	occs := f.Occurrences()
	require.Len(t, occs, 2)
}

func TestAddIsIdempotentAcrossConcurrentCallers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.ckmon")
	writeFile(t, path, []*entry.Entry{multicastLine("worker-1", "x", time.Now().UTC())})

	idx := New(nil)
	var wg sync.WaitGroup
	results := make([]*RawLogFile, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := idx.Add(path)
			require.NoError(t, err)
			results[i] = f
		}(i)
	}
	wg.Wait()
	for _, f := range results {
		require.Same(t, results[0], f)
	}
	require.EqualValues(t, 1, results[0].TotalEntryCount)
}

func TestOnLiveMonitorAppearedFiresExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UTC()
	path1 := filepath.Join(dir, "c1.ckmon")
	path2 := filepath.Join(dir, "c2.ckmon")
	writeFile(t, path1, []*entry.Entry{multicastLine("worker-1", "a", base)})
	writeFile(t, path2, []*entry.Entry{multicastLine("worker-1", "b", base.Add(time.Second))})

	var appeared int64
	idx := New(func(id string) { atomic.AddInt64(&appeared, 1) })

	var wg sync.WaitGroup
	for _, p := range []string{path1, path2} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := idx.Add(p)
			require.NoError(t, err)
		}(p)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&appeared))
}

func TestIdentityCardFullThenUpdate(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UTC()
	path := filepath.Join(dir, "d.ckmon")
	writeFile(t, path, []*entry.Entry{
		identityLine("worker-1", entry.IdentityCardFull, map[string]string{"host": "n01"}, base),
		identityLine("worker-1", entry.IdentityCardUpdate, map[string]string{"pid": "42"}, base.Add(time.Second)),
	})

	idx := New(nil)
	_, err := idx.Add(path)
	require.NoError(t, err)

	m, ok := idx.Monitor("worker-1")
	require.True(t, ok)
	card := m.IdentityCard()
	require.Equal(t, map[string]string{"host": "n01", "pid": "42"}, card.Attributes)
}

func TestBadEndOfFileMarkerOnTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "e.ckmon")
	writeFile(t, path, []*entry.Entry{multicastLine("worker-1", "only", time.Now().UTC())})

	// Truncate away the trailing EndMarker byte to simulate an interrupted write.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-1], 0o644))

	idx := New(nil)
	f, err := idx.Add(path)
	require.NoError(t, err)
	require.True(t, f.BadEndOfFile)
	require.Nil(t, f.Error)
	require.EqualValues(t, 1, f.TotalEntryCount)
}

func TestFilteredReadFromOffset(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UTC()
	path := filepath.Join(dir, "f.ckmon")
	writeFile(t, path, []*entry.Entry{
		multicastLine("worker-1", "a", base),
		multicastLine("worker-2", "b", base.Add(time.Second)),
		multicastLine("worker-1", "c", base.Add(2*time.Second)),
	})

	idx := New(nil)
	f, err := idx.Add(path)
	require.NoError(t, err)

	var occ *RawLogFileMonitorOccurence
	for _, o := range f.Occurrences() {
		if o.MonitorID == "worker-1" {
			occ = o
		}
	}
	require.NotNil(t, occ)

	cur, err := occ.ReadFromOffset()
	require.NoError(t, err)
	defer cur.Close()
	require.Equal(t, "a", cur.Current().TextOrEmpty())
	require.True(t, cur.MoveNext())
	require.Equal(t, "c", cur.Current().TextOrEmpty())
	require.False(t, cur.MoveNext())
}

func TestFilteredReadFromTime(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UTC()
	path := filepath.Join(dir, "g.ckmon")
	writeFile(t, path, []*entry.Entry{
		multicastLine("worker-1", "a", base),
		multicastLine("worker-2", "x", base.Add(500*time.Millisecond)),
		multicastLine("worker-1", "b", base.Add(time.Second)),
		multicastLine("worker-1", "c", base.Add(2*time.Second)),
	})

	idx := New(nil)
	f, err := idx.Add(path)
	require.NoError(t, err)

	var occ *RawLogFileMonitorOccurence
	for _, o := range f.Occurrences() {
		if o.MonitorID == "worker-1" {
			occ = o
		}
	}
	require.NotNil(t, occ)

	cur, err := occ.ReadFromTime(entry.DateTimeStamp{Time: base.Add(900 * time.Millisecond), KnownExists: true})
	require.NoError(t, err)
	defer cur.Close()
	require.Equal(t, "b", cur.Current().TextOrEmpty())
}

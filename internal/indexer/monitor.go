// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package indexer

import (
	"sync"

	"github.com/ckpump/pump/pkg/entry"
)

// LiveIndexedMonitor aggregates everything the indexer has learned about
// one monitor id across every file it has scanned (§4.7).
type LiveIndexedMonitor struct {
	ID string

	mu             sync.Mutex
	files          map[*RawLogFile]struct{}
	firstEntryTime entry.DateTimeStamp
	firstDepth     uint32
	lastEntryTime  entry.DateTimeStamp
	lastDepth      uint32
	tagHistogram   map[string]int
	identityCard   *entry.IdentityCard
}

func newLiveIndexedMonitor(id string) *LiveIndexedMonitor {
	return &LiveIndexedMonitor{
		ID:           id,
		files:        make(map[*RawLogFile]struct{}),
		tagHistogram: make(map[string]int),
		identityCard: entry.NewIdentityCard(),
	}
}

// Files returns the set of RawLogFile records this monitor occurs in.
func (m *LiveIndexedMonitor) Files() []*RawLogFile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RawLogFile, 0, len(m.files))
	for f := range m.files {
		out = append(out, f)
	}
	return out
}

// FirstSeen/LastSeen report the earliest/latest entry time and the group
// depth at that extremum, across every file indexed for this monitor.
func (m *LiveIndexedMonitor) FirstSeen() (entry.DateTimeStamp, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.firstEntryTime, m.firstDepth
}

func (m *LiveIndexedMonitor) LastSeen() (entry.DateTimeStamp, uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastEntryTime, m.lastDepth
}

// TagCount returns how many times tag has been seen on entries from this
// monitor.
func (m *LiveIndexedMonitor) TagCount(tag string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tagHistogram[tag]
}

// IdentityCard returns a snapshot copy of the monitor's discovered
// identity-card attributes.
func (m *LiveIndexedMonitor) IdentityCard() *entry.IdentityCard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identityCard.Clone()
}

// registerOneLog is the Go rendering of spec §4.7's
// register_one_log(occ, new_occ?, stream_offset, entry): get-or-insert a
// LiveIndexedMonitor, fire OnLiveMonitorAppeared exactly once on first
// insertion, then fold the entry into the monitor's aggregates.
func (idx *Indexer) registerOneLog(occ *RawLogFileMonitorOccurence, streamOffset int64, e *entry.Entry) {
	actual, loaded := idx.monitors.LoadOrStore(e.Multi.MonitorID, newLiveIndexedMonitor(e.Multi.MonitorID))
	lm := actual.(*LiveIndexedMonitor)
	if !loaded && idx.onAppeared != nil {
		idx.onAppeared(e.Multi.MonitorID)
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.files[occ.File] = struct{}{}

	if !lm.firstEntryTime.KnownExists || e.Time.Compare(lm.firstEntryTime) < 0 {
		lm.firstEntryTime = e.Time
		lm.firstDepth = e.Multi.GroupDepth
	}
	if e.Time.Compare(lm.lastEntryTime) > 0 {
		lm.lastEntryTime = e.Time
		lm.lastDepth = e.Multi.GroupDepth
	}

	for _, t := range e.Tags {
		lm.tagHistogram[t]++
	}

	if e.Kind != entry.KindLine {
		return
	}
	kind, attrs, ok := e.IdentityCardTag()
	if !ok {
		return
	}
	lm.identityCard.Apply(kind, attrs)
}

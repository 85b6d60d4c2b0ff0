// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package indexer implements the multi-file reader/indexer (spec §4.7):
// a thread-safe aggregator that scans persisted .ckmon files, indexes
// per-monitor occurrences across files, tracks first/last offsets and
// times, and builds an identity card per monitor from in-stream tagged
// entries. Grounded on internal/memorystore/memorystore.go's
// sync.RWMutex-guarded tree-of-records shape (here flattened to
// concurrent maps keyed by path and by monitor id).
package indexer

import (
	"errors"
	"path/filepath"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/ckpump/pump/pkg/ckmon"
	"github.com/ckpump/pump/pkg/entry"
)

// ErrInvalidData is raised by the filtered readers (§4.7) when the
// underlying stream finishes without ever reaching a valid entry.
var ErrInvalidData = errors.New("indexer: stream ended without a valid entry")

// RawLogFileMonitorOccurence is one monitor's presence within one file:
// offsets and time window (spec §4.7/GLOSSARY "Occurrence").
type RawLogFileMonitorOccurence struct {
	File           *RawLogFile
	MonitorID      string
	FirstOffset    int64
	LastOffset     int64
	FirstEntryTime entry.DateTimeStamp
	LastEntryTime  entry.DateTimeStamp
}

// openPrimed opens a cursor at FirstOffset filtered to this occurrence's
// monitor id and bounded by LastOffset (§4.2 MulticastFilter), ensuring
// Current() is populated before returning. Open's own initial-offset skip
// already runs entries through the same filter, so when FirstOffset sits
// past the start of the stream, the skip itself lands the cursor exactly
// on this occurrence's first qualifying entry. An extra MoveNext is needed
// whenever the skip consumes no entry: when FirstOffset is 0 or the offset
// of the stream's first entry (right after the 5-byte header).
func (o *RawLogFileMonitorOccurence) openPrimed() (*ckmon.Cursor, error) {
	cur, err := ckmon.Open(o.File.Path, o.FirstOffset, ckmon.MulticastFilter(o.MonitorID, o.LastOffset))
	if err != nil {
		return nil, err
	}
	if cur.Current() == nil {
		if !cur.MoveNext() {
			cur.Close()
			if cur.ReadException() != nil {
				return nil, cur.ReadException()
			}
			return nil, ErrInvalidData
		}
	}
	return cur, nil
}

// ReadFromOffset opens a cursor positioned on this occurrence's first
// entry (§4.7). It raises ErrInvalidData if the stream ends before a
// matching entry is found.
func (o *RawLogFileMonitorOccurence) ReadFromOffset() (*ckmon.Cursor, error) {
	return o.openPrimed()
}

// ReadFromTime opens a cursor at FirstOffset (filtered to this
// occurrence's monitor id) and advances while the current entry's log
// time is strictly before target, stopping on the first entry at or past
// target (§4.7: "advance while current.log_time < target"). It raises
// ErrInvalidData if the stream ends before reaching such an entry.
func (o *RawLogFileMonitorOccurence) ReadFromTime(target entry.DateTimeStamp) (*ckmon.Cursor, error) {
	cur, err := o.openPrimed()
	if err != nil {
		return nil, err
	}
	for cur.Current().Time.Compare(target) < 0 {
		if !cur.MoveNext() {
			cur.Close()
			if cur.ReadException() != nil {
				return nil, cur.ReadException()
			}
			return nil, ErrInvalidData
		}
	}
	return cur, nil
}

// RawLogFile is the per-file record maintained by Indexer.Add (§4.7).
// once guarantees "initialize" runs exactly one time no matter how many
// concurrent Add calls observe the same path -- the Go idiom for the
// spec's "first thread to observe initializer_lock != None takes it ...
// concurrent callers wait on the lock".
type RawLogFile struct {
	Path string

	once sync.Once

	mu              sync.Mutex
	StreamVersion   byte
	TotalEntryCount int64
	FirstEntryTime  entry.DateTimeStamp
	LastEntryTime   entry.DateTimeStamp
	BadEndOfFile    bool
	Error           error
	IsValidFile     bool

	occMu       sync.Mutex
	occurrences map[string]*RawLogFileMonitorOccurence
}

// Occurrences returns a snapshot of this file's per-monitor occurrences.
func (f *RawLogFile) Occurrences() []*RawLogFileMonitorOccurence {
	f.occMu.Lock()
	defer f.occMu.Unlock()
	out := make([]*RawLogFileMonitorOccurence, 0, len(f.occurrences))
	for _, o := range f.occurrences {
		out = append(out, o)
	}
	return out
}

// OnLiveMonitorAppeared is invoked exactly once per distinct monitor id
// ever observed by this Indexer, the first time register_one_log sees it
// (§8 testable property).
type OnLiveMonitorAppeared func(monitorID string)

// Indexer is the thread-safe, immutable-publication / mutable-build
// concurrent index (§4.7). _files and _monitors are lock-free concurrent
// maps (sync.Map); globalInfoLock guards the global min/max times;
// lockWriteRead stands in for the spec's reader/bulk-rebuild coordination
// lock, unused in steady state (no bulk rebuild is implemented here, per
// spec.md's indexer scope).
type Indexer struct {
	files    sync.Map // path -> *RawLogFile
	monitors sync.Map // monitor id -> *LiveIndexedMonitor

	globalInfoLock sync.Mutex
	firstEntryTime entry.DateTimeStamp
	lastEntryTime  entry.DateTimeStamp

	lockWriteRead sync.RWMutex

	onAppeared OnLiveMonitorAppeared
}

// New returns an empty Indexer. onAppeared may be nil.
func New(onAppeared OnLiveMonitorAppeared) *Indexer {
	return &Indexer{onAppeared: onAppeared}
}

func normalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// Add normalizes path, inserts-or-retrieves its RawLogFile record, and
// ensures it has been initialized (scanned) exactly once -- regardless of
// how many goroutines call Add concurrently for the same path (§4.7
// "first-adder semantics").
func (idx *Indexer) Add(path string) (*RawLogFile, error) {
	norm := normalizePath(path)

	idx.lockWriteRead.RLock()
	actual, _ := idx.files.LoadOrStore(norm, &RawLogFile{
		Path:        norm,
		occurrences: make(map[string]*RawLogFileMonitorOccurence),
	})
	idx.lockWriteRead.RUnlock()

	f := actual.(*RawLogFile)
	f.once.Do(func() {
		idx.initialize(f)
	})
	return f, nil
}

// Get returns the RawLogFile previously added for path, if any, without
// re-triggering initialization.
func (idx *Indexer) Get(path string) (*RawLogFile, bool) {
	v, ok := idx.files.Load(normalizePath(path))
	if !ok {
		return nil, false
	}
	return v.(*RawLogFile), true
}

// Files returns every RawLogFile added so far.
func (idx *Indexer) Files() []*RawLogFile {
	var out []*RawLogFile
	idx.files.Range(func(_, v any) bool {
		out = append(out, v.(*RawLogFile))
		return true
	})
	return out
}

// initialize performs the full scan of f (§4.7 Initialize): opens a
// reader, registers every multicast entry into the index, and records
// the file's terminal state from the reader.
func (idx *Indexer) initialize(f *RawLogFile) {
	cur, err := ckmon.Open(f.Path, 0, nil)
	if err != nil {
		f.mu.Lock()
		f.Error = err
		f.IsValidFile = false
		f.mu.Unlock()
		cclog.Errorf("[INDEXER]> opening %s: %v", f.Path, err)
		return
	}
	defer cur.Close()

	f.mu.Lock()
	f.StreamVersion = cur.StreamVersion()
	f.mu.Unlock()

	for cur.MoveNext() {
		e := cur.Current()
		offset := cur.StreamOffset()

		f.mu.Lock()
		f.TotalEntryCount++
		if f.TotalEntryCount == 1 || e.Time.Compare(f.FirstEntryTime) < 0 || !f.FirstEntryTime.KnownExists {
			f.FirstEntryTime = e.Time
		}
		if e.Time.Compare(f.LastEntryTime) > 0 {
			f.LastEntryTime = e.Time
		}
		f.mu.Unlock()

		if !e.Multicast {
			continue
		}

		occ := idx.registerOccurrence(f, e, offset)
		idx.registerOneLog(occ, offset, e)
		idx.updateGlobalTimes(e.Time)
	}

	f.mu.Lock()
	f.BadEndOfFile = cur.BadEndOfFileMarker()
	f.Error = cur.ReadException()
	f.IsValidFile = f.Error == nil
	f.mu.Unlock()
}

func (idx *Indexer) registerOccurrence(f *RawLogFile, e *entry.Entry, offset int64) *RawLogFileMonitorOccurence {
	f.occMu.Lock()
	defer f.occMu.Unlock()

	occ, ok := f.occurrences[e.Multi.MonitorID]
	if !ok {
		occ = &RawLogFileMonitorOccurence{
			File:           f,
			MonitorID:      e.Multi.MonitorID,
			FirstOffset:    offset,
			LastOffset:     offset,
			FirstEntryTime: e.Time,
			LastEntryTime:  e.Time,
		}
		f.occurrences[e.Multi.MonitorID] = occ
		return occ
	}
	occ.LastOffset = offset
	if e.Time.Compare(occ.LastEntryTime) > 0 {
		occ.LastEntryTime = e.Time
	}
	if e.Time.Compare(occ.FirstEntryTime) < 0 {
		occ.FirstEntryTime = e.Time
	}
	return occ
}

func (idx *Indexer) updateGlobalTimes(t entry.DateTimeStamp) {
	idx.globalInfoLock.Lock()
	defer idx.globalInfoLock.Unlock()
	if !idx.firstEntryTime.KnownExists || t.Compare(idx.firstEntryTime) < 0 {
		idx.firstEntryTime = t
	}
	if t.Compare(idx.lastEntryTime) > 0 {
		idx.lastEntryTime = t
	}
}

// GlobalTimeRange returns the earliest/latest entry time observed across
// every file added to this indexer so far.
func (idx *Indexer) GlobalTimeRange() (first, last entry.DateTimeStamp) {
	idx.globalInfoLock.Lock()
	defer idx.globalInfoLock.Unlock()
	return idx.firstEntryTime, idx.lastEntryTime
}

// Monitor returns the LiveIndexedMonitor for id, if it has ever appeared.
func (idx *Indexer) Monitor(id string) (*LiveIndexedMonitor, bool) {
	v, ok := idx.monitors.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*LiveIndexedMonitor), true
}

// Monitors returns every LiveIndexedMonitor indexed so far.
func (idx *Indexer) Monitors() []*LiveIndexedMonitor {
	var out []*LiveIndexedMonitor
	idx.monitors.Range(func(_, v any) bool {
		out = append(out, v.(*LiveIndexedMonitor))
		return true
	})
	return out
}

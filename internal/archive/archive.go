// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package archive implements rotated-.ckmon-file offload (SPEC_FULL §4.9):
// the BinaryFileHandler notifies a Backend when it rotates away from a
// file, and a periodic sweep uploads anything not yet offloaded.
// Grounded on pkg/archive/archive.go's multi-backend ArchiveBackend
// interface and pkg/archive/parquet/target.go's S3Target for the concrete
// AWS SDK v2 wiring (the teacher's own pkg/archive/s3Backend.go is an
// unimplemented stub).
package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// Backend is the narrow interface the binary file handler and the
// periodic sweep depend on.
type Backend interface {
	Upload(ctx context.Context, path string) error
}

// NotifyRotated implements handler.ArchiveNotifier, fire-and-forget from
// the dispatcher's single consumer goroutine: uploads happen on a
// detached goroutine so a slow or unreachable backend never blocks the
// pump (§5 concurrency model -- the dispatcher loop must not stall on
// handler-adjacent I/O).
type NotifyingBackend struct {
	Backend Backend

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewNotifyingBackend wraps backend so it can be used as a
// handler.ArchiveNotifier.
func NewNotifyingBackend(backend Backend) *NotifyingBackend {
	return &NotifyingBackend{Backend: backend, pending: make(map[string]struct{})}
}

func (n *NotifyingBackend) NotifyRotated(path string) {
	n.mu.Lock()
	n.pending[path] = struct{}{}
	n.mu.Unlock()

	go func() {
		if err := n.Backend.Upload(context.Background(), path); err != nil {
			cclog.Errorf("[ARCHIVE]> uploading %s failed, will retry on next sweep: %v", path, err)
			return
		}
		n.mu.Lock()
		delete(n.pending, path)
		n.mu.Unlock()
	}()
}

// Sweep retries every path notified but not yet confirmed uploaded,
// intended to run from a gocron job the way internal/taskmanager schedules
// its periodic workers.
func (n *NotifyingBackend) Sweep(ctx context.Context) {
	n.mu.Lock()
	paths := make([]string, 0, len(n.pending))
	for p := range n.pending {
		paths = append(paths, p)
	}
	n.mu.Unlock()

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			// Rotated file is gone (already cleaned up elsewhere); stop tracking it.
			n.mu.Lock()
			delete(n.pending, p)
			n.mu.Unlock()
			continue
		}
		if err := n.Backend.Upload(ctx, p); err != nil {
			cclog.Warnf("[ARCHIVE]> sweep retry for %s failed: %v", p, err)
			continue
		}
		n.mu.Lock()
		delete(n.pending, p)
		n.mu.Unlock()
	}
}

// FSBackend is a no-op/local-copy backend, used when no object-store
// destination is configured (mirrors pkg/archive.ArchiveBackend's "file"
// kind as the always-available default).
type FSBackend struct {
	Dir string
}

func (b *FSBackend) Upload(ctx context.Context, path string) error {
	if b.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(b.Dir, 0o750); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(b.Dir, filepath.Base(path)), data, 0o640)
}

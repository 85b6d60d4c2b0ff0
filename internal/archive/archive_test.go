// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingBackend struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (b *countingBackend) Upload(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return os.ErrClosed
	}
	b.calls = append(b.calls, path)
	return nil
}

func (b *countingBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func TestNotifyRotatedUploadsAsync(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.ckmon")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	backend := &countingBackend{}
	n := NewNotifyingBackend(backend)
	n.NotifyRotated(path)

	require.Eventually(t, func() bool { return len(backend.Calls()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSweepRetriesFailedUpload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.ckmon")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	backend := &countingBackend{fail: true}
	n := NewNotifyingBackend(backend)
	n.NotifyRotated(path)
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		_, stillPending := n.pending[path]
		return stillPending
	}, time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	backend.fail = false
	backend.mu.Unlock()

	n.Sweep(context.Background())
	require.Len(t, backend.Calls(), 1)
}

func TestSweepDropsMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.ckmon")

	backend := &countingBackend{}
	n := NewNotifyingBackend(backend)
	n.mu.Lock()
	n.pending[path] = struct{}{}
	n.mu.Unlock()

	n.Sweep(context.Background())
	n.mu.Lock()
	_, stillPending := n.pending[path]
	n.mu.Unlock()
	require.False(t, stillPending)
	require.Empty(t, backend.Calls())
}

func TestFSBackendCopiesFile(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	path := filepath.Join(src, "c.ckmon")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	b := &FSBackend{Dir: dst}
	require.NoError(t, b.Upload(context.Background(), path))

	got, err := os.ReadFile(filepath.Join(dst, "c.ckmon"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(got))
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/ckpump/pump/internal/archive"
	"github.com/ckpump/pump/internal/indexer"
)

// compositeNotifier implements handler.ArchiveNotifier by both offloading
// the rotated file to the configured archive backend and registering it
// with the indexer, so a file the pump stops actively writing to
// immediately becomes queryable (SPEC_FULL §4.9/§4.7: rotation is the seam
// between "live write path" and "durable read path").
type compositeNotifier struct {
	archive *archive.NotifyingBackend
	indexer *indexer.Indexer
}

func (n *compositeNotifier) NotifyRotated(path string) {
	n.archive.NotifyRotated(path)
	if _, err := n.indexer.Add(path); err != nil {
		cclog.Errorf("[PUMPD]> indexing rotated file %s failed: %v", path, err)
	}
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package sender implements the buffering log-sender template (spec §4.3):
// a reusable base for handlers whose delivery may transiently fail, built
// on pkg/ring's drop-oldest FIFO. Concrete Sender implementations plug in
// the actual transport, e.g. NATSSender below, grounded on the teacher's
// pkg/nats client wrapper.
package sender

import (
	"sync"

	"github.com/ckpump/pump/pkg/entry"
	"github.com/ckpump/pump/pkg/ring"
)

// Sender is the capability a BufferingBase drives. TrySend must never
// panic; a permanent failure is logged by the implementation itself and
// still reported as false so the caller buffers and retries (§4.3).
type Sender interface {
	IsActuallyConnected() bool
	TrySend(e *entry.Entry) bool
	Dispose()
}

// Factory constructs a Sender. It returns (nil, nil) or an error when no
// sender can be built; BufferingBase treats both as a failed creation
// (Activate returns false, Handle reports it as fatal). Whether creation
// is attempted at all is decided by the separate can-be-created function
// given to NewBufferingBase.
type Factory func() (Sender, error)

// BufferingBase implements the activate/handle/update_configuration/
// deactivate contract from spec §4.3. It is not safe for concurrent Handle
// calls; the dispatcher's single consumer goroutine is the only caller
// (§5), so the mutex here only guards against a concurrent on_timer-driven
// reconnect attempt (handlers may poll for reconnection from on_timer).
type BufferingBase struct {
	mu sync.Mutex

	createSender      Factory
	senderCanBeCreate func() bool
	initialBufferSize int
	lostBufferSize    int

	sender  Sender
	buf     *ring.Buffer[*entry.Entry]
	everHad bool // true once a sender has existed at least once
}

// NewBufferingBase constructs a template instance. senderCanBeCreate may
// be nil, meaning "always creatable".
func NewBufferingBase(createSender Factory, senderCanBeCreate func() bool, initialBufferSize, lostBufferSize int) *BufferingBase {
	if initialBufferSize < 0 {
		initialBufferSize = 0
	}
	if lostBufferSize < 0 {
		lostBufferSize = 0
	}
	return &BufferingBase{
		createSender:      createSender,
		senderCanBeCreate: senderCanBeCreate,
		initialBufferSize: initialBufferSize,
		lostBufferSize:    lostBufferSize,
		buf:               ring.New[*entry.Entry](initialBufferSize),
	}
}

func (b *BufferingBase) canCreate() bool {
	if b.senderCanBeCreate == nil {
		return true
	}
	return b.senderCanBeCreate()
}

// Activate attempts to create the sender if creatable now. It returns
// false ("activation fails, handler is removed") only when creation was
// attempted and failed or returned nil; a not-yet-creatable sender still
// admits the handler in pre-connection buffering mode.
func (b *BufferingBase) Activate() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.canCreate() {
		return true
	}
	s, err := b.createSender()
	if err != nil || s == nil {
		return false
	}
	b.sender = s
	b.everHad = true
	b.buf.SetCapacity(b.lostBufferSize)
	return true
}

// Handle implements the three-step contract from §4.3.
func (b *BufferingBase) Handle(e *entry.Entry) (fatal bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sender == nil && b.canCreate() {
		s, err := b.createSender()
		if err != nil || s == nil {
			return true
		}
		b.sender = s
		b.everHad = true
		b.buf.SetCapacity(b.lostBufferSize)
	}

	for b.buf.Count() > 0 {
		head, _ := b.buf.Peek()
		if b.sender != nil && b.sender.IsActuallyConnected() && b.sender.TrySend(head) {
			_, _ = b.buf.Pop()
			continue
		}
		b.buf.Push(e)
		return false
	}

	if b.sender != nil && b.sender.IsActuallyConnected() && b.sender.TrySend(e) {
		return false
	}
	b.buf.Push(e)
	return false
}

// UpdateConfiguration resizes the buffer: lost_buffer_size if a sender
// exists, else initial_buffer_size (§4.3).
func (b *BufferingBase) UpdateConfiguration(initialBufferSize, lostBufferSize int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if initialBufferSize >= 0 {
		b.initialBufferSize = initialBufferSize
	}
	if lostBufferSize >= 0 {
		b.lostBufferSize = lostBufferSize
	}
	if b.sender != nil {
		b.buf.SetCapacity(b.lostBufferSize)
	} else {
		b.buf.SetCapacity(b.initialBufferSize)
	}
}

// Deactivate disposes the sender; buffered entries are discarded (§4.3:
// "this is a memory-only system").
func (b *BufferingBase) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sender != nil {
		b.sender.Dispose()
		b.sender = nil
	}
	b.buf.Clear()
}

// BufferedCount reports how many entries are currently queued, used by
// tests and dispatcher metrics.
func (b *BufferingBase) BufferedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Count()
}

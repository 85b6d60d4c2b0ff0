// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package ckmon

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/ckpump/pump/pkg/entry"
)

// Writer appends entries to a stream, writing the header once and the
// EndMarker on Close. A Writer is not safe for concurrent use: spec §4.2
// requires a single writer per stream with no interleaving, which in
// practice means the handler that owns a Writer (internal/handler's
// BinaryFileHandler) invokes it only from the dispatcher's single
// consumer goroutine (§5).
type Writer struct {
	w       *bufio.Writer
	closer  io.Closer
	written int64
	closed  bool
}

// Create creates (or truncates) path and writes the stream header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return NewWriter(f, f)
}

// NewWriter wraps w, writing the header immediately. If closer is
// non-nil, Close calls it after writing the EndMarker.
func NewWriter(w io.Writer, closer io.Closer) (*Writer, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(Magic[:]); err != nil {
		return nil, err
	}
	if err := bw.WriteByte(CurrentVersion); err != nil {
		return nil, err
	}
	return &Writer{w: bw, closer: closer}, nil
}

// BytesWritten returns the number of entry-payload bytes written so far
// (excludes the stream header), used by rotation policies.
func (wr *Writer) BytesWritten() int64 { return wr.written }

// Write encodes one entry to the stream.
func (wr *Writer) Write(e *entry.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	cw := &countingWriter{w: wr.w}

	header := kindToWire(e.Kind) << kindShift
	header |= byte(e.Level) & levelMask
	if e.Filtered {
		header |= filteredBit
	}
	if e.Multicast {
		header |= multicastBit
	}
	if err := cw.writeByte(header); err != nil {
		return err
	}

	flags := byte(0)
	hasText := e.Text != nil
	if hasText {
		flags |= flagHasText
	}
	if e.FileName != "" {
		flags |= flagHasFileName
	}
	if len(e.Tags) > 0 {
		flags |= flagHasTags
	}
	if e.Exception != nil {
		flags |= flagHasException
	}
	if e.Kind == entry.KindCloseGroup && len(e.Conclusions) > 0 {
		flags |= flagHasConclusions
	}
	if err := cw.writeByte(flags); err != nil {
		return err
	}

	if hasText {
		if err := cw.writeString(*e.Text); err != nil {
			return err
		}
	}

	if err := cw.writeTime(e.Time); err != nil {
		return err
	}

	if flags&flagHasFileName != 0 {
		if err := cw.writeString(e.FileName); err != nil {
			return err
		}
		if err := cw.writeVarint(uint64(e.LineNo)); err != nil {
			return err
		}
	}

	if flags&flagHasTags != 0 {
		if err := cw.writeVarint(uint64(len(e.Tags))); err != nil {
			return err
		}
		for _, t := range e.Tags {
			if err := cw.writeString(t); err != nil {
				return err
			}
		}
	}

	if flags&flagHasException != 0 {
		if err := cw.writeException(e.Exception); err != nil {
			return err
		}
	}

	if flags&flagHasConclusions != 0 {
		if len(e.Conclusions) > 255 {
			return errTooManyConclusions
		}
		if err := cw.writeByte(byte(len(e.Conclusions))); err != nil {
			return err
		}
		for _, c := range e.Conclusions {
			if err := cw.writeString(c.Tag); err != nil {
				return err
			}
			if err := cw.writeString(c.Text); err != nil {
				return err
			}
		}
	}

	if e.Multicast {
		if err := cw.writeString(e.Multi.GrandOutputID); err != nil {
			return err
		}
		if err := cw.writeString(e.Multi.MonitorID); err != nil {
			return err
		}
		if e.Multi.PrevTypeSet {
			if err := cw.writeByte(kindToWire(e.Multi.PrevType)); err != nil {
				return err
			}
		} else {
			if err := cw.writeByte(0); err != nil {
				return err
			}
		}
		if err := cw.writeTime(e.Multi.PrevTime); err != nil {
			return err
		}
		if err := cw.writeVarint(uint64(e.Multi.GroupDepth)); err != nil {
			return err
		}
	}

	wr.written += cw.n
	return cw.err
}

// Close writes the EndMarker and closes the underlying writer.
func (wr *Writer) Close() error {
	if wr.closed {
		return nil
	}
	wr.closed = true
	if err := wr.w.WriteByte(EndMarker); err != nil {
		return err
	}
	if err := wr.w.Flush(); err != nil {
		return err
	}
	if wr.closer != nil {
		return wr.closer.Close()
	}
	return nil
}

type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) writeByte(b byte) error {
	if c.err != nil {
		return c.err
	}
	c.err = c.w.WriteByte(b)
	if c.err == nil {
		c.n++
	}
	return c.err
}

func (c *countingWriter) writeVarint(v uint64) error {
	if c.err != nil {
		return c.err
	}
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	var written int
	written, c.err = c.w.Write(buf[:n])
	c.n += int64(written)
	return c.err
}

func (c *countingWriter) writeString(s string) error {
	if err := c.writeVarint(uint64(len(s))); err != nil {
		return err
	}
	if c.err != nil {
		return c.err
	}
	var written int
	written, c.err = c.w.WriteString(s)
	c.n += int64(written)
	return c.err
}

func (c *countingWriter) writeTime(t entry.DateTimeStamp) error {
	if err := c.writeByte(boolByte(t.KnownExists)); err != nil {
		return err
	}
	if !t.KnownExists {
		return c.err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(t.Time.UnixNano()))
	if c.err != nil {
		return c.err
	}
	var written int
	written, c.err = c.w.Write(buf[:])
	c.n += int64(written)
	if c.err != nil {
		return c.err
	}
	return c.writeByte(t.Uniquifier)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (c *countingWriter) writeException(ex *entry.Exception) error {
	if ex == nil {
		return c.writeByte(0)
	}
	if err := c.writeByte(1); err != nil {
		return err
	}
	if err := c.writeString(ex.Message); err != nil {
		return err
	}
	if err := c.writeString(ex.Type); err != nil {
		return err
	}
	if err := c.writeString(ex.StackTrace); err != nil {
		return err
	}
	return c.writeException(ex.Inner)
}

var errTooManyConclusions = errors.New("ckmon: more than 255 conclusions on a single CloseGroup entry")

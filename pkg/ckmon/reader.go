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
	"time"

	"github.com/ckpump/pump/pkg/entry"
)

// Filter decides whether a just-decoded raw entry (at the given stream
// offset) should be surfaced to the caller as Current. Returning false
// skips it (§4.2 MulticastFilter) without the cursor retaining it.
type Filter func(e *entry.Entry, streamOffset int64) bool

// MulticastFilter returns a Filter that only admits entries whose
// monitor id matches monitorID and whose stream offset is <= lastOffset,
// exactly the predicate spec §4.2 describes for per-monitor occurrence
// reads (internal/indexer's RawLogFileMonitorOccurence byte-offset reader).
func MulticastFilter(monitorID string, lastOffset int64) Filter {
	return func(e *entry.Entry, streamOffset int64) bool {
		return e.Multicast && e.Multi.MonitorID == monitorID && streamOffset <= lastOffset
	}
}

// Cursor reads entries sequentially from a stream.
type Cursor struct {
	rc            io.ReadCloser
	br            *countingReader
	version       byte
	filter        Filter
	current       *entry.Entry
	streamOffset  int64
	readException error
	badEOF        bool
	done          bool
}

// Open opens path (transparently decompressing gzip, §6) at the given
// initial byte offset (0 for the start of the logical, decompressed
// stream) with an optional filter.
func Open(path string, initialOffset int64, filter Filter) (*Cursor, error) {
	rc, err := openDecompressed(path)
	if err != nil {
		return nil, err
	}
	cur := &Cursor{rc: rc, filter: filter}
	cur.br = &countingReader{r: bufio.NewReader(rc)}

	var hdr [4]byte
	if _, err := io.ReadFull(cur.br, hdr[:]); err != nil {
		rc.Close()
		return nil, ErrBadMagic
	}
	if hdr != Magic {
		rc.Close()
		return nil, ErrBadMagic
	}
	v, err := cur.br.ReadByte()
	if err != nil {
		rc.Close()
		return nil, ErrBadMagic
	}
	if v < MinSupportedVersion {
		rc.Close()
		return nil, ErrUnsupportedVersion
	}
	cur.version = v

	if initialOffset > 0 {
		if err := cur.skipTo(initialOffset); err != nil {
			rc.Close()
			return nil, err
		}
	}
	return cur, nil
}

func (c *Cursor) skipTo(offset int64) error {
	for c.br.n < offset {
		if !c.MoveNext() {
			return c.readException
		}
	}
	return nil
}

// StreamVersion returns the version byte read from the header.
func (c *Cursor) StreamVersion() byte { return c.version }

// Current returns the most recently decoded entry, or nil before the
// first MoveNext or after MoveNext returns false.
func (c *Cursor) Current() *entry.Entry { return c.current }

// StreamOffset returns the byte offset (into the logical, decompressed
// stream) at which Current began.
func (c *Cursor) StreamOffset() int64 { return c.streamOffset }

// ReadException returns the error that stopped iteration. It is nil when
// the stream ended cleanly or hit input EOF at an entry boundary, and
// io.ErrUnexpectedEOF when the input ended in the middle of an entry
// (BadEndOfFileMarker is also true then).
func (c *Cursor) ReadException() error { return c.readException }

// BadEndOfFileMarker reports whether the reader reached input EOF without
// ever consuming the zero terminator (§4.2/§8 scenario 6).
func (c *Cursor) BadEndOfFileMarker() bool { return c.badEOF }

// Close releases the underlying file/gzip resources.
func (c *Cursor) Close() error { return c.rc.Close() }

// MoveNext advances to the next entry, applying the cursor's Filter (if
// any) by decoding-and-discarding non-matching entries internally so the
// caller never observes them. It returns false at end of stream (clean or
// truncated) or on a read error.
func (c *Cursor) MoveNext() bool {
	if c.done {
		return false
	}
	for {
		offset := c.br.n
		e, err := c.decodeOne()
		if err != nil {
			c.done = true
			if errors.Is(err, errCleanEnd) {
				return false
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.badEOF = true
				if !errors.Is(err, io.EOF) {
					c.readException = err
				}
				return false
			}
			c.readException = err
			return false
		}
		if c.filter != nil && !c.filter(e, offset) {
			continue
		}
		c.current = e
		c.streamOffset = offset
		return true
	}
}

var errCleanEnd = errors.New("ckmon: end of stream")

func (c *Cursor) decodeOne() (*entry.Entry, error) {
	header, err := c.br.ReadByte()
	if err != nil {
		return nil, err
	}
	if header == EndMarker {
		return nil, errCleanEnd
	}

	kindBits := (header & kindMask) >> kindShift
	var k entry.Kind
	if kindBits == 0 {
		// Escape value: a second byte carries the real kind. This
		// implementation never writes it, but accepts it from any
		// future writer that needs a kind beyond the three base ones.
		b, err := c.br.ReadByte()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		k, err = kindFromWire(b)
		if err != nil {
			return nil, err
		}
	} else {
		k, err = kindFromWire(kindBits)
		if err != nil {
			return nil, err
		}
	}

	e := &entry.Entry{
		Kind:     k,
		Level:    entry.LogLevel(header & levelMask),
		Filtered: header&filteredBit != 0,
	}
	isMulticast := header&multicastBit != 0

	flags, err := c.br.ReadByte()
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}

	if flags&flagHasText != 0 {
		s, err := c.br.readString()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		e.Text = &s
	}

	ts, err := c.br.readTime()
	if err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	e.Time = ts

	if flags&flagHasFileName != 0 {
		fn, err := c.br.readString()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		ln, err := c.br.readVarint()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		e.FileName = fn
		e.LineNo = int(ln)
	}

	if flags&flagHasTags != 0 {
		n, err := c.br.readVarint()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		tags := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			t, err := c.br.readString()
			if err != nil {
				return nil, io.ErrUnexpectedEOF
			}
			tags = append(tags, t)
		}
		e.Tags = tags
	}

	if flags&flagHasException != 0 {
		ex, err := c.br.readException()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		e.Exception = ex
	}

	if flags&flagHasConclusions != 0 {
		n, err := c.br.ReadByte()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		concl := make([]entry.Conclusion, 0, n)
		for i := 0; i < int(n); i++ {
			tag, err := c.br.readString()
			if err != nil {
				return nil, io.ErrUnexpectedEOF
			}
			text, err := c.br.readString()
			if err != nil {
				return nil, io.ErrUnexpectedEOF
			}
			concl = append(concl, entry.Conclusion{Tag: tag, Text: text})
		}
		e.Conclusions = concl
	}

	if isMulticast {
		e.Multicast = true
		grandOutput, err := c.br.readString()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		monID, err := c.br.readString()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		prevKindByte, err := c.br.ReadByte()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		var prevType entry.Kind
		prevSet := prevKindByte != 0
		if prevSet {
			prevType, err = kindFromWire(prevKindByte)
			if err != nil {
				return nil, err
			}
		}
		prevTime, err := c.br.readTime()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		depth, err := c.br.readVarint()
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		e.Multi = entry.MulticastInfo{
			GrandOutputID: grandOutput,
			MonitorID:     monID,
			PrevType:      prevType,
			PrevTypeSet:   prevSet,
			PrevTime:      prevTime,
			GroupDepth:    uint32(depth),
		}
	}

	return e, nil
}

type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}

func (c *countingReader) readVarint() (uint64, error) {
	v, err := binary.ReadUvarint(c)
	return v, err
}

func (c *countingReader) readString() (string, error) {
	n, err := c.readVarint()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (c *countingReader) readTime() (entry.DateTimeStamp, error) {
	known, err := c.ReadByte()
	if err != nil {
		return entry.DateTimeStamp{}, err
	}
	if known == 0 {
		return entry.Unknown, nil
	}
	var buf [8]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return entry.DateTimeStamp{}, err
	}
	uniq, err := c.ReadByte()
	if err != nil {
		return entry.DateTimeStamp{}, err
	}
	ticks := int64(binary.BigEndian.Uint64(buf[:]))
	return entry.DateTimeStamp{
		Time:        time.Unix(0, ticks).UTC(),
		Uniquifier:  uniq,
		KnownExists: true,
	}, nil
}

func (c *countingReader) readException() (*entry.Exception, error) {
	present, err := c.ReadByte()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	msg, err := c.readString()
	if err != nil {
		return nil, err
	}
	typ, err := c.readString()
	if err != nil {
		return nil, err
	}
	stack, err := c.readString()
	if err != nil {
		return nil, err
	}
	inner, err := c.readException()
	if err != nil {
		return nil, err
	}
	return &entry.Exception{Message: msg, Type: typ, StackTrace: stack, Inner: inner}, nil
}

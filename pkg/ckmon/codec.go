// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ckmon implements the multicast log-entry persistence format from
// spec §4.2: a self-describing, version-stamped binary stream of the five
// entry variants defined in pkg/entry, with prev-entry chaining and
// filtered random-access reads. Files use the extension ".ckmon" (§6) and
// may be transparently gzip-compressed; teacher code
// (pkg/archive/fsBackend.go) reaches for stdlib compress/gzip directly
// rather than a third-party codec, and this package follows the same
// convention since gzip is exactly the format spec §4.2 calls for.
package ckmon

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ckpump/pump/pkg/entry"
)

// Magic is the 4-byte header every stream starts with.
var Magic = [4]byte{'c', 'k', 'm', '1'}

const (
	// CurrentVersion is the stream version written by this package.
	CurrentVersion byte = 9
	// MinSupportedVersion is the oldest version a reader accepts (§4.2:
	// "readers must accept v5+ with documented compatibility shims").
	// Versions 5-8 are read identically to v9 by this implementation: no
	// wire-incompatible change has been introduced since v5, so there is
	// no shim to apply beyond accepting the version byte.
	MinSupportedVersion byte = 5
	// EndMarker terminates a clean stream.
	EndMarker byte = 0x00
)

// header-byte bit layout. Kind occupies bits 4-5 with values 1,2,3 for the
// three base kinds, reserving 0 so that a header byte of all zero bits
// (level=0, not filtered, kind=0, not multicast) never occurs for a real
// entry -- which is what makes EndMarker (0x00) unambiguous.
const (
	levelMask     = 0x07 // bits 0-2
	filteredBit   = 0x08 // bit 3
	kindShift     = 4
	kindMask      = 0x30 // bits 4-5
	multicastBit  = 0x40 // bit 6
)

// flags-byte bits: presence of optional fields.
const (
	flagHasText        = 0x01
	flagHasFileName    = 0x02
	flagHasTags        = 0x04
	flagHasException   = 0x08
	flagHasConclusions = 0x10
)

func kindToWire(k entry.Kind) byte {
	switch k {
	case entry.KindLine:
		return 1
	case entry.KindOpenGroup:
		return 2
	case entry.KindCloseGroup:
		return 3
	default:
		return 0
	}
}

func kindFromWire(b byte) (entry.Kind, error) {
	switch b {
	case 1:
		return entry.KindLine, nil
	case 2:
		return entry.KindOpenGroup, nil
	case 3:
		return entry.KindCloseGroup, nil
	default:
		return 0, fmt.Errorf("ckmon: unknown wire kind %d", b)
	}
}

// ErrBadMagic is returned when a stream does not start with Magic.
var ErrBadMagic = errors.New("ckmon: bad stream header")

// ErrUnsupportedVersion is returned when the stream version predates
// MinSupportedVersion.
var ErrUnsupportedVersion = errors.New("ckmon: unsupported stream version")

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// openDecompressed opens path and, if its magic indicates gzip, wraps it
// in a gzip.Reader transparently, per §4.2/§6.
func openDecompressed(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(f)
	peek, _ := br.Peek(2)
	if isGzip(peek) {
		gr, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, err
		}
		return &gzipFile{gr: gr, f: f}, nil
	}
	return &plainFile{br: br, f: f}, nil
}

type gzipFile struct {
	gr *gzip.Reader
	f  *os.File
}

func (g *gzipFile) Read(p []byte) (int, error) { return g.gr.Read(p) }
func (g *gzipFile) Close() error {
	g.gr.Close()
	return g.f.Close()
}

type plainFile struct {
	br *bufio.Reader
	f  *os.File
}

func (p *plainFile) Read(b []byte) (int, error) { return p.br.Read(b) }
func (p *plainFile) Close() error                { return p.f.Close() }

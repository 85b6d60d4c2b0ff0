// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package catalog

import (
	"fmt"
	"io"
	"time"

	"github.com/linkedin/goavro/v2"
)

// identityCardAvroSchema is a fixed Avro record schema for identity-card
// export (SPEC_FULL §4.8's "optional Avro-encoded export of identity
// cards for downstream analytics consumers"). Unlike the teacher's
// avroCheckpoint.go, which generates a schema per metric set because
// metric names vary per cluster, identity-card attributes are always the
// same shape (monitor id + flattened string map), so one static schema
// suffices -- no schema-merging machinery is needed here.
const identityCardAvroSchema = `{
	"type": "record",
	"name": "IdentityCard",
	"fields": [
		{"name": "monitor_id", "type": "string"},
		{"name": "first_entry_time", "type": "long"},
		{"name": "last_entry_time", "type": "long"},
		{"name": "attributes", "type": {"type": "map", "values": "string"}}
	]
}`

// ExportIdentityCardsAvro writes every monitor's identity card to w as an
// Avro Object Container File, deflate-compressed, matching the teacher's
// goavro.NewOCFWriter/OCFConfig usage in avroCheckpoint.go.
func (c *Catalog) ExportIdentityCardsAvro(w io.Writer) error {
	monitors, err := c.ListMonitors("", time.Time{})
	if err != nil {
		return fmt.Errorf("catalog: listing monitors for export: %w", err)
	}

	codec, err := goavro.NewCodec(identityCardAvroSchema)
	if err != nil {
		return fmt.Errorf("catalog: compiling avro schema: %w", err)
	}

	ocf, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           codec,
		CompressionName: goavro.CompressionDeflateLabel,
	})
	if err != nil {
		return fmt.Errorf("catalog: creating OCF writer: %w", err)
	}

	records := make([]any, 0, len(monitors))
	for _, m := range monitors {
		attrs := make(map[string]any, len(m.Identity))
		for k, v := range m.Identity {
			attrs[k] = v
		}
		records = append(records, map[string]any{
			"monitor_id":       m.ID,
			"first_entry_time": m.FirstEntryTime,
			"last_entry_time":  m.LastEntryTime,
			"attributes":       attrs,
		})
	}

	if err := ocf.Append(records); err != nil {
		return fmt.Errorf("catalog: appending avro records: %w", err)
	}
	return nil
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package adminapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configRequestSchemaDoc validates the shape of POST /configure bodies
// before they ever reach toDispatcherConfig, the way the teacher validates
// cluster/job-archive metadata documents against a JSON schema rather than
// relying solely on struct-tag decoding (pkg/schema usage across the
// repository).
const configRequestSchemaDoc = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"timer_duration": {"type": "string"},
		"minimal_filter": {"$ref": "#/definitions/logLevelFilter"},
		"external_log_level_filter": {"$ref": "#/definitions/logLevelFilter"},
		"tag_filters": {
			"type": "array",
			"items": {
				"type": "object",
				"additionalProperties": false,
				"required": ["matcher"],
				"properties": {
					"matcher": {"type": "string"},
					"filter": {"$ref": "#/definitions/logLevelFilter"}
				}
			}
		},
		"handlers": {
			"type": "array",
			"items": {
				"type": "object",
				"additionalProperties": false,
				"required": ["type"],
				"properties": {
					"type": {"type": "string"},
					"config": {"type": "object"}
				}
			}
		}
	},
	"definitions": {
		"logLevelFilter": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"minimum": {"type": "string", "enum": ["Debug", "Trace", "Info", "Warn", "Error", "Fatal", "Off"]},
				"allow_filtered": {"type": "boolean"}
			}
		}
	}
}`

var configRequestSchema = compileConfigRequestSchema()

func compileConfigRequestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("configure.json", bytes.NewReader([]byte(configRequestSchemaDoc))); err != nil {
		panic(fmt.Sprintf("adminapi: invalid embedded schema: %v", err))
	}
	return c.MustCompile("configure.json")
}

// validateConfigRequest re-decodes body generically (jsonschema validates
// against the plain JSON value tree, not Go structs) and reports every
// schema violation at once.
func validateConfigRequest(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("adminapi: malformed JSON: %w", err)
	}
	if err := configRequestSchema.Validate(v); err != nil {
		return fmt.Errorf("adminapi: schema validation: %w", err)
	}
	return nil
}

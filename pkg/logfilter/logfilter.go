// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package logfilter implements the level/tag filtering rules configured on
// the dispatcher (spec §6): minimal_filter, external_log_level_filter, and
// tag_filters. Tag matchers are boolean expressions over an entry's tag set
// compiled with expr-lang/expr, the way internal/tagger compiles job
// classification rules in the teacher repo.
package logfilter

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ckpump/pump/pkg/entry"
)

// LogLevelFilter pairs a minimum level with whether filtered entries pass.
// A nil *LogLevelFilter is "Undefined": no floor is applied (§8 scenario 2).
type LogLevelFilter struct {
	Minimum       entry.LogLevel
	AllowFiltered bool
}

// Passes reports whether e clears this filter.
func (f *LogLevelFilter) Passes(e *entry.Entry) bool {
	if f == nil {
		return true
	}
	if e.Filtered && !f.AllowFiltered {
		return false
	}
	return e.Level >= f.Minimum
}

// TagRule is one (tag_matcher, LogLevelFilter) pair from the
// tag_filters configuration list (§6/§8 scenario 3).
type TagRule struct {
	Matcher string
	Filter  LogLevelFilter

	program *vm.Program
}

// Compile compiles the matcher expression. The expression is evaluated
// against an environment exposing each tag in the entry's tag set as a
// boolean variable plus a pipe-joined "tags" string, so matchers can be
// written either as `Sql || Machine` (bare tag names) or using `tags`.
func (r *TagRule) Compile() error {
	prog, err := expr.Compile(r.Matcher, expr.AsBool(), expr.Env(tagEnv{}))
	if err != nil {
		return fmt.Errorf("logfilter: compiling tag matcher %q: %w", r.Matcher, err)
	}
	r.program = prog
	return nil
}

type tagEnv map[string]any

func newTagEnv(e *entry.Entry) tagEnv {
	env := make(tagEnv, len(e.Tags)+1)
	for _, t := range e.Tags {
		env[t] = true
	}
	env["tags"] = strings.Join(e.Tags, "|")
	return env
}

func (r *TagRule) matches(e *entry.Entry) bool {
	if r.program == nil {
		return false
	}
	out, err := expr.Run(r.program, newTagEnv(e))
	if err != nil {
		return false
	}
	b, _ := out.(bool)
	return b
}

// Matches exports the same matcher evaluation matches uses, for callers
// outside the dispatcher's fan-out path that need to test an entry's tag
// set against a compiled matcher directly.
func (r *TagRule) Matches(e *entry.Entry) bool { return r.matches(e) }

// Filter is the composed filtering policy applied by the dispatcher: a
// minimal floor plus per-tag overrides, matching
// spec §8 scenario 3's "Sql wins" semantics (the first matching tag rule,
// in configured order, decides; if none match, the minimal filter
// applies).
type Filter struct {
	Minimal  *LogLevelFilter
	TagRules []*TagRule
}

// NewFilter compiles every tag matcher in rules and returns a ready Filter.
func NewFilter(minimal *LogLevelFilter, rules []*TagRule) (*Filter, error) {
	for _, r := range rules {
		if err := r.Compile(); err != nil {
			return nil, err
		}
	}
	return &Filter{Minimal: minimal, TagRules: rules}, nil
}

// Passes reports whether e should be delivered under this policy.
func (f *Filter) Passes(e *entry.Entry) bool {
	if f == nil {
		return true
	}
	for _, r := range f.TagRules {
		if r.matches(e) {
			return r.Filter.Passes(e)
		}
	}
	return f.Minimal.Passes(e)
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package entry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDateTimeStampOrdering(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := DateTimeStamp{Time: base, Uniquifier: 1, KnownExists: true}
	b := DateTimeStamp{Time: base, Uniquifier: 2, KnownExists: true}
	c := DateTimeStamp{Time: base.Add(time.Second), Uniquifier: 0, KnownExists: true}

	require.True(t, a.LessOrEqual(b))
	require.False(t, b.LessOrEqual(a))
	require.True(t, b.LessOrEqual(c))
	require.True(t, Unknown.LessOrEqual(a))
	require.False(t, a.LessOrEqual(Unknown))
}

func TestEntryValidateTextRequired(t *testing.T) {
	e := &Entry{Kind: KindLine, Text: nil}
	require.Error(t, e.Validate())

	txt := "hello"
	e.Text = &txt
	require.NoError(t, e.Validate())

	cg := &Entry{Kind: KindCloseGroup, Text: nil}
	require.NoError(t, cg.Validate())
}

func TestIdentityCardFullVsUpdate(t *testing.T) {
	c := NewIdentityCard()
	c.Apply(IdentityCardUpdate, map[string]string{"a": "1"})
	c.Apply(IdentityCardUpdate, map[string]string{"b": "2"})
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, c.Attributes)

	c.Apply(IdentityCardFull, map[string]string{"c": "3"})
	require.Equal(t, map[string]string{"c": "3"}, c.Attributes)
}

func TestEntryTagSet(t *testing.T) {
	e := &Entry{Tags: []string{"Sql", "Machine"}}
	require.Equal(t, "Sql|Machine", e.TagSet())
	require.True(t, e.HasTag("Sql"))
	require.False(t, e.HasTag("Nope"))
}

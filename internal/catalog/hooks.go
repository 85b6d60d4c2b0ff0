// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package catalog

import (
	"context"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

type queryTimeKey struct{}

// Hooks satisfies sqlhooks.Hooks, logging every query and its elapsed
// time. Grounded on internal/repository/hooks.go.
type Hooks struct{}

func (h *Hooks) Before(ctx context.Context, query string, args ...any) (context.Context, error) {
	cclog.Debugf("[CATALOG]> query %q args %#v", query, args)
	return context.WithValue(ctx, queryTimeKey{}, time.Now()), nil
}

func (h *Hooks) After(ctx context.Context, query string, args ...any) (context.Context, error) {
	if start, ok := ctx.Value(queryTimeKey{}).(time.Time); ok {
		cclog.Debugf("[CATALOG]> took %s", time.Since(start))
	}
	return ctx, nil
}

// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package catalog implements the durable monitor catalog (SPEC_FULL §4.8):
// a SQLite-backed mirror of the in-memory indexer's discovered monitors,
// so operator tooling can query "which monitors have we ever seen" across
// process restarts, without claiming delivery durability (buffers stay
// memory-only, per spec.md's Non-goals). Grounded on
// internal/repository/dbConnection.go and migration.go.
package catalog

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	sqlite3mig "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	sqlite3driver "github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"
)

//go:embed migrations/sqlite3
var migrationFiles embed.FS

// Catalog is a handle to the durable monitor catalog.
type Catalog struct {
	db *sqlx.DB
}

var registerDriverOnce sync.Once

// Connect opens (creating if necessary) the SQLite database at path and
// runs any pending migrations. Matches the teacher's
// sqlhooks.Wrap(sqlite3.SQLiteDriver{}) pattern so every query is logged
// through Hooks. The wrapped driver is registered once per process, so
// Connect may be called repeatedly.
func Connect(path string) (*Catalog, error) {
	driverName := "pump_sqlite3"
	registerDriverOnce.Do(func() {
		sql.Register(driverName, sqlhooks.Wrap(&sqlite3driver.SQLiteDriver{}, &Hooks{}))
	})

	db, err := sqlx.Open(driverName, fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("catalog: opening database: %w", err)
	}
	// sqlite does not multithread well; one connection avoids lock waits,
	// matching the teacher's dbConnection.go rationale.
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db}
	if err := c.migrate(path); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) migrate(path string) error {
	driver, err := sqlite3mig.WithInstance(c.db.DB, &sqlite3mig.Config{})
	if err != nil {
		return fmt.Errorf("catalog: migration driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations/sqlite3")
	if err != nil {
		return fmt.Errorf("catalog: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("catalog: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("catalog: applying migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Catalog) Close() error { return c.db.Close() }

// MonitorRecord is the durable mirror of internal/indexer.LiveIndexedMonitor.
type MonitorRecord struct {
	ID             string            `db:"id"`
	FirstEntryTime int64             `db:"first_entry_time"`
	LastEntryTime  int64             `db:"last_entry_time"`
	IdentityJSON   string            `db:"identity_json"`
	Identity       map[string]string `db:"-"`
}

func millis(t time.Time) int64 { return t.UnixMilli() }

// UpsertMonitor inserts or updates a monitor's summary row; on conflict the
// stored first_entry_time is kept. Nothing in cmd/pumpd calls it, so the
// catalog is not filled from the indexer automatically.
func (c *Catalog) UpsertMonitor(id string, firstSeen, lastSeen time.Time, identity map[string]string) error {
	idJSON, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("catalog: marshalling identity card: %w", err)
	}
	_, err = c.db.Exec(`
		INSERT INTO monitor (id, first_entry_time, last_entry_time, identity_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_entry_time = excluded.last_entry_time,
			identity_json   = excluded.identity_json
	`, id, millis(firstSeen), millis(lastSeen), string(idJSON))
	if err != nil {
		return fmt.Errorf("catalog: upserting monitor %q: %w", id, err)
	}
	return nil
}

// RecordOccurrence mirrors one indexer.RawLogFileMonitorOccurence into the
// catalog.
func (c *Catalog) RecordOccurrence(monitorID, filePath string, firstOffset, lastOffset int64, firstSeen, lastSeen time.Time) error {
	_, err := c.db.Exec(`
		INSERT INTO monitor_occurrence (monitor_id, file_path, first_offset, last_offset, first_entry_time, last_entry_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(monitor_id, file_path) DO UPDATE SET
			last_offset     = excluded.last_offset,
			last_entry_time = excluded.last_entry_time
	`, monitorID, filePath, firstOffset, lastOffset, millis(firstSeen), millis(lastSeen))
	if err != nil {
		return fmt.Errorf("catalog: recording occurrence for %q in %q: %w", monitorID, filePath, err)
	}
	return nil
}

// RecordTag increments the tag histogram entry for monitorID/tag by n.
func (c *Catalog) RecordTag(monitorID, tag string, n int) error {
	_, err := c.db.Exec(`
		INSERT INTO monitor_tag (monitor_id, tag, count)
		VALUES (?, ?, ?)
		ON CONFLICT(monitor_id, tag) DO UPDATE SET count = count + excluded.count
	`, monitorID, tag, n)
	if err != nil {
		return fmt.Errorf("catalog: recording tag %q for %q: %w", tag, monitorID, err)
	}
	return nil
}

// GetMonitor fetches a single monitor's catalog row by id.
func (c *Catalog) GetMonitor(id string) (*MonitorRecord, error) {
	var rec MonitorRecord
	err := c.db.Get(&rec, `SELECT id, first_entry_time, last_entry_time, identity_json FROM monitor WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: fetching monitor %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(rec.IdentityJSON), &rec.Identity); err != nil {
		cclog.Warnf("[CATALOG]> monitor %q has malformed identity_json: %v", id, err)
	}
	return &rec, nil
}

// TagsForMonitor returns the distinct tags ever recorded for monitorID,
// built with squirrel the way ListMonitors composes its queries.
func (c *Catalog) TagsForMonitor(monitorID string) ([]string, error) {
	query, args, err := sq.Select("tag").From("monitor_tag").Where(sq.Eq{"monitor_id": monitorID}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("catalog: building tag query: %w", err)
	}
	rows, err := c.db.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing tags for %q: %w", monitorID, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, fmt.Errorf("catalog: scanning tag row: %w", err)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// ListMonitors returns catalog entries, optionally with a minimum
// last_entry_time, built with squirrel the way repository/query.go
// composes filtered job lists. A non-empty tag keeps only monitors that
// have that exact tag name recorded in monitor_tag; it is compared
// literally, and matcher expressions such as `Sql || Machine` are not
// evaluated, neither here nor by the admin API that calls this.
func (c *Catalog) ListMonitors(tag string, since time.Time) ([]MonitorRecord, error) {
	q := sq.Select("m.id", "m.first_entry_time", "m.last_entry_time", "m.identity_json").
		From("monitor m").
		OrderBy("m.last_entry_time DESC")

	if tag != "" {
		q = q.Join("monitor_tag t ON t.monitor_id = m.id").Where(sq.Eq{"t.tag": tag})
	}
	if !since.IsZero() {
		q = q.Where(sq.GtOrEq{"m.last_entry_time": millis(since)})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("catalog: building query: %w", err)
	}

	rows, err := c.db.Queryx(query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: listing monitors: %w", err)
	}
	defer rows.Close()

	var out []MonitorRecord
	for rows.Next() {
		var rec MonitorRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("catalog: scanning monitor row: %w", err)
		}
		if err := json.Unmarshal([]byte(rec.IdentityJSON), &rec.Identity); err != nil {
			cclog.Warnf("[CATALOG]> monitor %q has malformed identity_json: %v", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

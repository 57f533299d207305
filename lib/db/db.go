// Copyright (C) 2025 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package db implements the catalog store: the durable model of the
// folders, devices, directories, files and blocks announced by the peer,
// and the queries that turn a read request into block requests.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // register sqlite3 database driver
)

const (
	currentSchemaVersion = 1

	// _txlock=immediate makes every transaction take the write lock up
	// front, serialising multi-write work.
	commonOptions = "_fk=true&_busy_timeout=10000&_txlock=immediate"

	// Pool discipline: a hard cap bounds growth, at most two idle
	// connections are kept (further ones are closed when released), and
	// every idle connection is closed after ten minutes, so no minimum
	// number of connections is retained.
	maxOpenConns    = 8
	minIdleConns    = 2
	connIdleTimeout = 10 * time.Minute

	// acquireTimeout bounds how long a read waits for a pooled
	// connection when the pool is at its cap.
	acquireTimeout = 5 * time.Second
)

//go:embed sql/schema.sql
var embedded embed.FS

var l = slog.With("pkg", "db")

var errNoSuchFolder = errors.New("no such folder")

// DB is the catalog store. Multi-write operations run in exclusive
// transactions behind the update lock; reads go straight to the pool.
type DB struct {
	sql *sqlx.DB

	updateLock sync.Mutex
}

// Open opens or creates the database at path and brings the schema up to
// the current version.
func Open(path string) (*DB, error) {
	sqlDB, err := sqlx.Open("sqlite3", "file:"+path+"?"+commonOptions)
	if err != nil {
		return nil, wrap(err, "open database")
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(minIdleConns)
	sqlDB.SetConnMaxIdleTime(connIdleTimeout)

	db := &DB{sql: sqlDB}
	if err := db.initSchema(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.sql.Close()
}

func (db *DB) initSchema() error {
	scripts, err := embedded.ReadFile("sql/schema.sql")
	if err != nil {
		return wrap(err, "read schema")
	}

	tx, err := db.sql.Beginx()
	if err != nil {
		return wrap(err, "begin schema")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(scripts)); err != nil {
		return wrap(err, "apply schema")
	}

	var ver int
	err = tx.Get(&ver, `SELECT version FROM schema LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`INSERT INTO schema (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return wrap(err, "set schema version")
		}
	case err != nil:
		return wrap(err, "get schema version")
	case ver > currentSchemaVersion:
		return fmt.Errorf("database schema version %d is newer than this client understands (%d)", ver, currentSchemaVersion)
	case ver < currentSchemaVersion:
		// Migrations slot in here when the schema next changes.
		if _, err := tx.Exec(`UPDATE schema SET version = ?`, currentSchemaVersion); err != nil {
			return wrap(err, "update schema version")
		}
	}

	return wrap(tx.Commit(), "commit schema")
}

// inTransaction runs fn inside one exclusive transaction, rolled back on
// any error.
func (db *DB) inTransaction(fn func(tx *sqlx.Tx) error) error {
	db.updateLock.Lock()
	defer db.updateLock.Unlock()

	tx, err := db.sql.Beginx()
	if err != nil {
		return wrap(err, "begin")
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return wrap(tx.Commit(), "commit")
}

// readContext bounds pool acquisition for read queries so that an
// exhausted pool fails fast instead of queueing forever.
func readContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), acquireTimeout)
}

func wrap(err error, context ...string) error {
	if err == nil {
		return nil
	}
	if len(context) > 0 {
		return fmt.Errorf("db: %s: %w", context[0], err)
	}
	return fmt.Errorf("db: %w", err)
}

/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"appguard/internal/domain"
	applog "appguard/internal/log"
	"appguard/internal/watch"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	// Pure-Go SQLite driver (CGO-free)
	_ "modernc.org/sqlite"
)

const (
	// DatabaseFileName is the database file created inside the storage directory.
	DatabaseFileName = "hidex_database"
	// BackupsDirName holds copies of database files taken before a reset.
	BackupsDirName = "backups"

	// SchemaFingerprint identifies the protected_apps layout below.
	// Change it together with any change to the table definition.
	SchemaFingerprint = "9a798e0cce725ad970614e598bfe851d"

	// TableName is also the notification topic for subscriptions.
	TableName = "protected_apps"

	masterTableName = "room_master_table"
	masterRowID     = 42

	defaultBusyTimeout  = 5 * time.Second
	defaultMaxReadConns = 4
)

const (
	createAppsTableSQL   = "CREATE TABLE IF NOT EXISTS `protected_apps` (`packageName` TEXT NOT NULL, `appName` TEXT NOT NULL, `addedTimestamp` INTEGER NOT NULL, PRIMARY KEY(`packageName`))"
	createMasterTableSQL = "CREATE TABLE IF NOT EXISTS room_master_table (id INTEGER PRIMARY KEY,identity_hash TEXT)"
	writeIdentitySQL     = "INSERT OR REPLACE INTO room_master_table (id,identity_hash) VALUES(42, ?)"
	readIdentitySQL      = "SELECT identity_hash FROM room_master_table WHERE id = 42"
)

// Options tunes a Store. The zero value is usable.
type Options struct {
	// Logger defaults to the global logger with component=storage.
	Logger *slog.Logger
	// Recorder receives operation timings; nil disables recording.
	Recorder Recorder
	// BusyTimeout is how long SQLite waits for a lock held by another connection.
	BusyTimeout time.Duration
	// CompactOnClear runs a checkpoint and VACUUM after every DeleteAll.
	CompactOnClear bool
	// MaxReadConns bounds pooled connections used by readers.
	MaxReadConns int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = applog.WithComponent("storage")
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = defaultBusyTimeout
	}
	if o.MaxReadConns <= 0 {
		o.MaxReadConns = defaultMaxReadConns
	}
	return o
}

// Store is the protected-app store. It is safe for concurrent use.
type Store struct {
	dir         string
	path        string
	fingerprint string
	opts        Options
	log         *slog.Logger
	rec         Recorder

	db *bun.DB

	// writeMu admits one mutating transaction at a time and orders publication.
	writeMu sync.Mutex
	closed  atomic.Bool
	subs    *watch.Registry[[]domain.ProtectedApp]
	// last is the most recently published snapshot, guarded by writeMu.
	last []domain.ProtectedApp
	done chan struct{}

	now func() time.Time
}

// DatabasePath returns the database file path for a storage directory.
func DatabasePath(dir string) string {
	return filepath.Join(dir, DatabaseFileName)
}

// Open opens or creates the store in dir. An empty fingerprint means SchemaFingerprint.
// A database whose recorded fingerprint or table layout differs is refused with ErrSchemaMismatch.
func Open(ctx context.Context, dir, fingerprint string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(fingerprint) == "" {
		fingerprint = SchemaFingerprint
	}
	l := applog.WithOperation(opts.Logger, "open").With(slog.String("dir", dir))
	if strings.TrimSpace(dir) == "" {
		return nil, newError("open", KindIO, errors.New("storage directory is required"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.Error("create storage dir failed", slog.Any("err", err))
		return nil, newError("open", KindIO, fmt.Errorf("create storage dir: %w", err))
	}

	path := DatabasePath(dir)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		filepath.ToSlash(path), opts.BusyTimeout.Milliseconds())
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		l.Error("sqlite open failed", slog.Any("err", err))
		return nil, newError("open", KindIO, fmt.Errorf("open sqlite: %w", err))
	}
	// one connection for the writer, the rest for readers
	sqldb.SetMaxOpenConns(opts.MaxReadConns + 1)
	sqldb.SetMaxIdleConns(opts.MaxReadConns + 1)

	if err := ensureSchema(ctx, sqldb, fingerprint); err != nil {
		_ = sqldb.Close()
		l.Error("schema check failed", slog.Any("err", err))
		return nil, mapError("open", err)
	}

	s := &Store{
		dir:         dir,
		path:        path,
		fingerprint: fingerprint,
		opts:        opts,
		log:         opts.Logger.With(slog.String("db", path)),
		rec:         opts.Recorder,
		db:          bun.NewDB(sqldb, sqlitedialect.New()),
		done:        make(chan struct{}),
		now:         time.Now,
	}
	s.subs = watch.NewRegistry[[]domain.ProtectedApp](func(_ string, _ int) {
		s.rec.SetSubscribers(s.subs.Total())
	})
	l.Info("store ready", slog.String("path", path))
	return s, nil
}

// Reset copies the existing database files into <dir>/backups, removes them and opens a fresh store.
// It is the recovery path for ErrSchemaMismatch.
func Reset(ctx context.Context, dir, fingerprint string, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	l := applog.WithOperation(opts.Logger, "reset").With(slog.String("dir", dir))
	path := DatabasePath(dir)
	if _, err := os.Stat(path); err == nil {
		bak, err := backupDatabaseFiles(path)
		if err != nil {
			l.Error("backup before reset failed", slog.Any("err", err))
			return nil, newError("reset", KindIO, err)
		}
		l.Info("database backed up", slog.String("backup", bak))
	}
	for _, p := range sidecarFiles(path) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, newError("reset", KindIO, fmt.Errorf("remove %s: %w", filepath.Base(p), err))
		}
	}
	return Open(ctx, dir, fingerprint, opts)
}

// Close cancels every subscription and releases the database handle.
// It waits for an in-flight mutation. Calling Close again is a no-op.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.subs.CloseAll()
	if err := s.db.Close(); err != nil {
		s.log.Error("close failed", slog.Any("err", err))
		return mapError("close", err)
	}
	s.log.Info("store closed")
	return nil
}

// Dir returns the storage directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Fingerprint returns the schema fingerprint the store was opened with.
func (s *Store) Fingerprint() string { return s.fingerprint }

// Subscribers returns the number of live sorted-list subscriptions.
func (s *Store) Subscribers() int { return s.subs.Len(TableName) }

func sidecarFiles(path string) []string {
	return []string{path, path + "-wal", path + "-shm", path + "-journal"}
}

func ensureSchema(ctx context.Context, db *sql.DB, fingerprint string) error {
	tables, err := existingTables(ctx, db)
	if err != nil {
		return err
	}
	hasApps, hasMaster := tables[TableName], tables[masterTableName]
	switch {
	case !hasApps && !hasMaster:
		return createSchema(ctx, db, fingerprint)
	case !hasMaster:
		return newError("open", KindSchemaMismatch, fmt.Errorf("table %s has no identity record", TableName))
	}

	var stored sql.NullString
	err = db.QueryRowContext(ctx, readIdentitySQL).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows) || (err == nil && !stored.Valid):
		return newError("open", KindSchemaMismatch, errors.New("identity record missing"))
	case err != nil:
		return fmt.Errorf("read identity: %w", err)
	case stored.String != fingerprint:
		return newError("open", KindSchemaMismatch, fmt.Errorf("identity %q, expected %q", stored.String, fingerprint))
	case !hasApps:
		return newError("open", KindSchemaMismatch, fmt.Errorf("table %s missing", TableName))
	}
	return validateColumns(ctx, db)
}

func existingTables(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name IN (?, ?)`, TableName, masterTableName)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()
	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

func createSchema(ctx context.Context, db *sql.DB, fingerprint string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, q := range []string{createAppsTableSQL, createMasterTableSQL} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, writeIdentitySQL, fingerprint); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return tx.Commit()
}

type columnSpec struct {
	typ     string
	notNull bool
	pk      int
}

var expectedColumns = map[string]columnSpec{
	"packageName":    {typ: "TEXT", notNull: true, pk: 1},
	"appName":        {typ: "TEXT", notNull: true},
	"addedTimestamp": {typ: "INTEGER", notNull: true},
}

func validateColumns(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info(`protected_apps`)")
	if err != nil {
		return fmt.Errorf("table info: %w", err)
	}
	defer func() { _ = rows.Close() }()
	seen := 0
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan table info: %w", err)
		}
		want, ok := expectedColumns[name]
		if !ok {
			return newError("open", KindSchemaMismatch, fmt.Errorf("unexpected column %s", name))
		}
		if !strings.EqualFold(typ, want.typ) || (notNull == 1) != want.notNull || pk != want.pk {
			return newError("open", KindSchemaMismatch, fmt.Errorf("column %s is %s notnull=%d pk=%d", name, typ, notNull, pk))
		}
		seen++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("table info: %w", err)
	}
	if seen != len(expectedColumns) {
		return newError("open", KindSchemaMismatch, fmt.Errorf("table %s has %d columns, expected %d", TableName, seen, len(expectedColumns)))
	}
	return nil
}

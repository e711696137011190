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
	"errors"
	"log/slog"
	"slices"
	"time"

	"appguard/internal/domain"
	applog "appguard/internal/log"
	"appguard/internal/watch"

	"github.com/uptrace/bun"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// insertChunkSize keeps each INSERT well under SQLite's bound-parameter limit.
const insertChunkSize = 500

// sortedOrder matches domain.Compare.
const sortedOrder = "appName ASC, packageName ASC"

type appRow struct {
	bun.BaseModel `bun:"table:protected_apps"`

	PackageName    string `bun:"packageName,pk"`
	AppName        string `bun:"appName,notnull"`
	AddedTimestamp int64  `bun:"addedTimestamp,notnull"`
}

func rowFromApp(a domain.ProtectedApp) appRow {
	return appRow{PackageName: a.PackageID, AppName: a.DisplayName, AddedTimestamp: a.AddedAt}
}

func (r appRow) app() domain.ProtectedApp {
	return domain.ProtectedApp{PackageID: r.PackageName, DisplayName: r.AppName, AddedAt: r.AddedTimestamp}
}

func appsFromRows(rows []appRow) []domain.ProtectedApp {
	out := make([]domain.ProtectedApp, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.app())
	}
	return out
}

// Insert upserts a single app by package id.
func (s *Store) Insert(ctx context.Context, app domain.ProtectedApp) (err error) {
	const op = "insert"
	defer s.track(ctx, op, time.Now(), &err)
	if err := validateApps(op, app); err != nil {
		return err
	}
	return s.write(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		return upsertRows(ctx, tx, []domain.ProtectedApp{app})
	})
}

// InsertMany upserts apps in one transaction. Either every row is written or none.
// An empty batch is a no-op and does not notify subscribers.
func (s *Store) InsertMany(ctx context.Context, apps []domain.ProtectedApp) (err error) {
	const op = "insert_many"
	defer s.track(ctx, op, time.Now(), &err)
	if err := validateApps(op, apps...); err != nil {
		return err
	}
	if len(apps) == 0 {
		return s.checkOpen(op)
	}
	return s.write(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		return upsertRows(ctx, tx, apps)
	})
}

// ReplaceAll makes apps the complete table contents in one transaction.
func (s *Store) ReplaceAll(ctx context.Context, apps []domain.ProtectedApp) (err error) {
	const op = "replace_all"
	defer s.track(ctx, op, time.Now(), &err)
	if err := validateApps(op, apps...); err != nil {
		return err
	}
	return s.write(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		if err := deleteAllRows(ctx, tx); err != nil {
			return err
		}
		return upsertRows(ctx, tx, apps)
	})
}

// DeleteByPackageID removes the app with id. A missing id is not an error.
func (s *Store) DeleteByPackageID(ctx context.Context, id string) (err error) {
	const op = "delete"
	defer s.track(ctx, op, time.Now(), &err)
	return s.write(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().Model((*appRow)(nil)).Where("packageName = ?", id).Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			s.log.Debug("delete matched no row", slog.String("package", id))
		}
		return nil
	})
}

// DeleteAll removes every app in one transaction.
// With Options.CompactOnClear the database is compacted afterwards; as with
// ClearAndCompact a failed compaction is logged and the call still succeeds.
func (s *Store) DeleteAll(ctx context.Context) (err error) {
	const op = "delete_all"
	defer s.track(ctx, op, time.Now(), &err)
	return s.locked(op, func() error {
		if err := s.commit(ctx, deleteAllRows); err != nil {
			return err
		}
		if s.opts.CompactOnClear {
			s.compactAfterClear(ctx, op)
		}
		return nil
	})
}

// Exists reports whether id is stored.
func (s *Store) Exists(ctx context.Context, id string) (ok bool, err error) {
	const op = "exists"
	defer s.track(ctx, op, time.Now(), &err)
	if err := s.checkOpen(op); err != nil {
		return false, err
	}
	return s.db.NewSelect().Model((*appRow)(nil)).Where("packageName = ?", id).Exists(ctx)
}

// Get returns the app with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (app domain.ProtectedApp, err error) {
	const op = "get"
	defer s.track(ctx, op, time.Now(), &err)
	if err := s.checkOpen(op); err != nil {
		return domain.ProtectedApp{}, err
	}
	var row appRow
	if err := s.db.NewSelect().Model(&row).Where("packageName = ?", id).Limit(1).Scan(ctx); err != nil {
		return domain.ProtectedApp{}, err
	}
	return row.app(), nil
}

// ListAll returns every app in no particular order.
func (s *Store) ListAll(ctx context.Context) (apps []domain.ProtectedApp, err error) {
	const op = "list_all"
	defer s.track(ctx, op, time.Now(), &err)
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	var rows []appRow
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, err
	}
	return appsFromRows(rows), nil
}

// ListSorted returns every app ordered by display name, then package id.
func (s *Store) ListSorted(ctx context.Context) (apps []domain.ProtectedApp, err error) {
	const op = "list_sorted"
	defer s.track(ctx, op, time.Now(), &err)
	if err := s.checkOpen(op); err != nil {
		return nil, err
	}
	return listSorted(ctx, s.db)
}

// Count returns the number of stored apps.
func (s *Store) Count(ctx context.Context) (n int, err error) {
	const op = "count"
	defer s.track(ctx, op, time.Now(), &err)
	if err := s.checkOpen(op); err != nil {
		return 0, err
	}
	return s.db.NewSelect().Model((*appRow)(nil)).Count(ctx)
}

// SubscribeSorted returns a subscription that first yields the current sorted list
// and then a fresh sorted list after every committed mutation.
// The subscription ends when ctx is done, when it is closed, or when the store closes.
func (s *Store) SubscribeSorted(ctx context.Context) (sub *watch.Subscription[[]domain.ProtectedApp], err error) {
	const op = "subscribe"
	defer s.track(ctx, op, time.Now(), &err)
	err = s.locked(op, func() error {
		initial, err := listSorted(ctx, s.db)
		if err != nil {
			return err
		}
		sub, err = s.subs.Subscribe(TableName)
		if err != nil {
			return newError(op, KindClosed, err)
		}
		sub.Send(slices.Clone(initial))
		s.last = initial
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctx = applog.ContextWith(ctx, slog.String("sub", sub.ID()))
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
				s.log.DebugContext(ctx, "subscription ended with context")
			case <-sub.Done():
			}
		}()
	}
	s.log.DebugContext(ctx, "subscribed")
	return sub, nil
}

func listSorted(ctx context.Context, q bun.IDB) ([]domain.ProtectedApp, error) {
	var rows []appRow
	if err := q.NewSelect().Model(&rows).OrderExpr(sortedOrder).Scan(ctx); err != nil {
		return nil, err
	}
	return appsFromRows(rows), nil
}

func upsertRows(ctx context.Context, tx bun.Tx, apps []domain.ProtectedApp) error {
	for chunk := range slices.Chunk(apps, insertChunkSize) {
		rows := make([]appRow, 0, len(chunk))
		for _, a := range chunk {
			rows = append(rows, rowFromApp(a))
		}
		_, err := tx.NewInsert().
			Model(&rows).
			On("CONFLICT (packageName) DO UPDATE").
			Set("appName = EXCLUDED.appName").
			Set("addedTimestamp = EXCLUDED.addedTimestamp").
			Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}

func deleteAllRows(ctx context.Context, tx bun.Tx) error {
	// bun refuses DELETE without a WHERE clause
	_, err := tx.NewDelete().Model((*appRow)(nil)).Where("1 = 1").Exec(ctx)
	return err
}

func validateApps(op string, apps ...domain.ProtectedApp) error {
	for _, a := range apps {
		if err := a.Validate(); err != nil {
			return newError(op, KindConstraint, err)
		}
	}
	return nil
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return newError(op, KindClosed, nil)
	}
	return nil
}

// write runs fn as one mutating transaction under the writer lock.
func (s *Store) write(ctx context.Context, op string, fn func(context.Context, bun.Tx) error) error {
	return s.locked(op, func() error { return s.commit(ctx, fn) })
}

// locked runs fn while holding the writer lock of an open store.
func (s *Store) locked(op string, fn func() error) error {
	if err := s.checkOpen(op); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// Close may have won the lock while we waited.
	if err := s.checkOpen(op); err != nil {
		return err
	}
	return fn()
}

// commit runs fn in a transaction and, when the table has subscribers, publishes
// the sorted snapshot read inside that same transaction. Callers hold writeMu.
func (s *Store) commit(ctx context.Context, fn func(context.Context, bun.Tx) error) error {
	notify := s.subs.Len(TableName) > 0
	var snapshot []domain.ProtectedApp
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		if !notify {
			return nil
		}
		var err error
		snapshot, err = listSorted(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}
	if notify {
		s.publish(snapshot)
	}
	return nil
}

// publish delivers a copy of snapshot to every subscriber. Callers hold writeMu.
func (s *Store) publish(snapshot []domain.ProtectedApp) {
	s.last = snapshot
	s.subs.PublishEach(TableName, func() []domain.ProtectedApp { return slices.Clone(snapshot) })
}

// track maps *errp to an *Error for op and records the outcome.
// Attributes attached to ctx with log.ContextWith appear on the log record.
func (s *Store) track(ctx context.Context, op string, start time.Time, errp *error) {
	*errp = mapError(op, *errp)
	took := time.Since(start)
	s.rec.ObserveOperation(op, took, *errp)
	if *errp == nil {
		s.log.DebugContext(ctx, "op done", slog.String("op", op), slog.Duration("took", took))
		return
	}
	lvl := slog.LevelWarn
	if errors.Is(*errp, ErrIO) && !isContextErr(*errp) {
		lvl = slog.LevelError
	}
	// ctx may already be done; keep its attributes but not its cancellation
	s.log.Log(context.WithoutCancel(ctx), lvl, "op failed", slog.String("op", op), slog.Duration("took", took), slog.Any("err", *errp))
}

// isContextErr reports whether err comes from a cancelled or expired context,
// including SQLite statements interrupted on context cancellation.
func isContextErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var le *sqlite.Error
	return errors.As(err, &le) && le.Code()&0xff == sqlite3.SQLITE_INTERRUPT
}

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
)

const defaultPollInterval = 500 * time.Millisecond

// WatchExternal polls PRAGMA data_version and, when another process has committed to the
// database, publishes a fresh sorted snapshot to subscribers. Snapshots equal to the last
// one published are skipped, so commits made through this Store are not delivered twice.
// It blocks until ctx is done or the store closes.
func (s *Store) WatchExternal(ctx context.Context, interval time.Duration) error {
	const op = "watch_external"
	if err := s.checkOpen(op); err != nil {
		return err
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return mapError(op, err)
	}
	defer func() { _ = conn.Close() }()

	version := func() (int64, error) {
		var v int64
		err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
		return v, err
	}
	seen, err := version()
	if err != nil {
		return mapError(op, err)
	}
	// catch commits that landed before the baseline was taken
	if err := s.refresh(ctx); err != nil && !errors.Is(err, ErrClosed) {
		return mapError(op, err)
	}
	l := s.log.With(slog.String("op", op))
	l.Debug("polling for external changes", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
		}
		v, err := version()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return mapError(op, err)
		}
		if v == seen {
			continue
		}
		seen = v
		if err := s.refresh(ctx); err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return mapError(op, err)
		}
	}
}

// refresh publishes the current sorted list if it differs from the last one delivered.
func (s *Store) refresh(ctx context.Context) error {
	return s.locked("refresh", func() error {
		if s.subs.Len(TableName) == 0 {
			return nil
		}
		snapshot, err := listSorted(ctx, s.db)
		if err != nil {
			return err
		}
		if slices.Equal(snapshot, s.last) {
			return nil
		}
		s.log.Debug("external change detected", slog.Int("apps", len(snapshot)))
		s.publish(snapshot)
		return nil
	})
}

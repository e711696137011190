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
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ClearAndCompact deletes every app and then reclaims disk space with a WAL
// checkpoint and VACUUM. Subscribers see the empty list once the delete commits.
// An error means the delete did not happen. A compaction that fails after the
// delete committed is logged at warn level and does not fail the call; Compact
// can be retried on its own.
func (s *Store) ClearAndCompact(ctx context.Context) (err error) {
	const op = "clear_and_compact"
	defer s.track(ctx, op, time.Now(), &err)
	return s.locked(op, func() error {
		if err := s.commit(ctx, deleteAllRows); err != nil {
			return err
		}
		s.compactAfterClear(ctx, op)
		return nil
	})
}

// Compact checkpoints the WAL and vacuums the database without touching rows.
func (s *Store) Compact(ctx context.Context) (err error) {
	const op = "compact"
	defer s.track(ctx, op, time.Now(), &err)
	return s.locked(op, func() error { return s.compact(ctx) })
}

// compactAfterClear compacts after a committed delete. Failures only get logged
// because the rows are already gone.
func (s *Store) compactAfterClear(ctx context.Context, op string) {
	if err := s.compact(ctx); err != nil {
		s.log.WarnContext(context.WithoutCancel(ctx), "compaction after clear failed",
			slog.String("op", op), slog.Any("err", err))
	}
}

// compact must run outside a transaction with writeMu held. It uses a dedicated
// connection whose busy timeout is capped by the ctx deadline, so a reader in
// another process cannot hold the checkpoint past it.
func (s *Store) compact(ctx context.Context) (err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		wait := min(time.Until(deadline), s.opts.BusyTimeout)
		if wait <= 0 {
			return ctx.Err()
		}
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", max(wait.Milliseconds(), 1))); err != nil {
			return fmt.Errorf("set busy timeout: %w", err)
		}
		defer func() {
			// the connection returns to the pool; restore its timeout even if ctx is done
			_, rerr := conn.ExecContext(context.WithoutCancel(ctx), fmt.Sprintf("PRAGMA busy_timeout = %d", s.opts.BusyTimeout.Milliseconds()))
			if rerr != nil && err == nil {
				err = fmt.Errorf("restore busy timeout: %w", rerr)
			}
		}()
	}

	checkpoint := func(mode string) (busy, logFrames, checkpointed int, err error) {
		err = conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint("+mode+")").Scan(&busy, &logFrames, &checkpointed)
		return busy, logFrames, checkpointed, err
	}
	if _, _, _, err := checkpoint("FULL"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	// VACUUM goes through the WAL; fold it back so the main file shrinks now.
	busy, logFrames, checkpointed, err := checkpoint("TRUNCATE")
	if err != nil {
		return fmt.Errorf("wal truncate: %w", err)
	}
	s.log.Info("database compacted", slog.Int("wal_frames", logFrames), slog.Int("checkpointed", checkpointed), slog.Bool("busy", busy != 0))
	return nil
}

// IntegrityCheck runs PRAGMA quick_check and reports any problem as ErrIO.
func (s *Store) IntegrityCheck(ctx context.Context) (err error) {
	const op = "integrity_check"
	defer s.track(ctx, op, time.Now(), &err)
	if err := s.checkOpen(op); err != nil {
		return err
	}
	var results []string
	if err := s.db.NewRaw("PRAGMA quick_check").Scan(ctx, &results); err != nil {
		return err
	}
	if len(results) == 1 && results[0] == "ok" {
		return nil
	}
	return newError(op, KindIO, fmt.Errorf("quick_check: %s", strings.Join(results, "; ")))
}

// ListBackups returns database backups in dir, oldest first.
func ListBackups(dir string) ([]string, error) {
	bdir := filepath.Join(dir, BackupsDirName)
	ents, err := os.ReadDir(bdir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backups dir: %w", err)
	}
	var out []string
	for _, e := range ents {
		name := e.Name()
		if strings.HasPrefix(name, DatabaseFileName+".") && strings.HasSuffix(name, ".bak") {
			out = append(out, filepath.Join(bdir, name))
		}
	}
	sort.Strings(out) // timestamp in name yields lexicographic order
	return out, nil
}

// BackupDatabase copies the database files of dir into <dir>/backups and returns the backup path.
func BackupDatabase(dir string) (string, error) {
	path := DatabasePath(dir)
	if _, err := os.Stat(path); err != nil {
		return "", newError("backup", KindIO, err)
	}
	bak, err := backupDatabaseFiles(path)
	if err != nil {
		return "", newError("backup", KindIO, err)
	}
	return bak, nil
}

// backupDatabaseFiles copies the database (and its WAL if present) into the
// backups directory next to it and returns the backup path of the main file.
func backupDatabaseFiles(dbPath string) (string, error) {
	bdir := filepath.Join(filepath.Dir(dbPath), BackupsDirName)
	if err := os.MkdirAll(bdir, 0o755); err != nil {
		return "", fmt.Errorf("ensure backups dir: %w", err)
	}
	stamp := time.Now().Format("20060102-150405.000")
	bak := filepath.Join(bdir, fmt.Sprintf("%s.%s.bak", filepath.Base(dbPath), stamp))
	if err := copyFile(dbPath, bak); err != nil {
		return "", fmt.Errorf("backup database: %w", err)
	}
	if _, err := os.Stat(dbPath + "-wal"); err == nil {
		if err := copyFile(dbPath+"-wal", bak+"-wal"); err != nil {
			return "", fmt.Errorf("backup wal: %w", err)
		}
	}
	return bak, nil
}

// writeFileSync writes data through a temp file in the same directory and renames it over path.
func writeFileSync(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	temp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(temp)
		}
	}()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

// copyFile copies a file from src to dst (overwrites dst if exists).
func copyFile(src, dst string) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sf.Close(); err == nil {
			err = cerr
		}
	}()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := df.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(df, sf); err != nil {
		return err
	}
	return df.Sync()
}

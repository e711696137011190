/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"appguard/internal/domain"

	gojsonschema "github.com/xeipuuv/gojsonschema"
)

const (
	BackupFormat  = "appguard-backup"
	BackupVersion = 1

	maxBackupSize = 32 << 20
)

//go:embed backup.schema.json
var backupSchemaJSON []byte

var loadBackupSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(backupSchemaJSON))
})

// Backup is the portable export document.
type Backup struct {
	Format     string                `json:"format"`
	Version    int                   `json:"version"`
	ExportedAt int64                 `json:"exported_at"`
	Apps       []domain.ProtectedApp `json:"apps"`
}

// ImportMode selects how Import applies a backup.
type ImportMode int

const (
	// ImportReplace makes the backup the complete table contents.
	ImportReplace ImportMode = iota
	// ImportMerge upserts the backup into the existing contents.
	ImportMerge
)

func (m ImportMode) String() string {
	if m == ImportMerge {
		return "merge"
	}
	return "replace"
}

// Export writes every app, sorted, as an indented backup document.
func (s *Store) Export(ctx context.Context, w io.Writer) (err error) {
	const op = "export"
	defer s.track(ctx, op, time.Now(), &err)
	if err := s.checkOpen(op); err != nil {
		return err
	}
	apps, err := listSorted(ctx, s.db)
	if err != nil {
		return err
	}
	doc := Backup{Format: BackupFormat, Version: BackupVersion, ExportedAt: s.now().UnixMilli(), Apps: apps}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backup: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// ExportFile writes the backup to path atomically.
func (s *Store) ExportFile(ctx context.Context, path string) error {
	var buf bytes.Buffer
	if err := s.Export(ctx, &buf); err != nil {
		return err
	}
	if err := writeFileSync(path, buf.Bytes()); err != nil {
		return newError("export", KindIO, err)
	}
	return nil
}

// Import validates a backup document and applies it. It returns the number of apps in the backup.
// A document that fails validation is rejected with ErrInvalidBackup before anything is written.
func (s *Store) Import(ctx context.Context, r io.Reader, mode ImportMode) (n int, err error) {
	const op = "import"
	defer s.track(ctx, op, time.Now(), &err)
	doc, err := DecodeBackup(r)
	if err != nil {
		return 0, err
	}
	switch mode {
	case ImportMerge:
		err = s.InsertMany(ctx, doc.Apps)
	default:
		err = s.ReplaceAll(ctx, doc.Apps)
	}
	if err != nil {
		return 0, err
	}
	return len(doc.Apps), nil
}

// ImportFile is Import reading from path.
func (s *Store) ImportFile(ctx context.Context, path string, mode ImportMode) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, newError("import", KindIO, err)
	}
	defer func() { _ = f.Close() }()
	return s.Import(ctx, f, mode)
}

// DecodeBackup reads and validates a backup document.
func DecodeBackup(r io.Reader) (Backup, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBackupSize+1))
	if err != nil {
		return Backup{}, newError("import", KindIO, err)
	}
	if len(data) > maxBackupSize {
		return Backup{}, newError("import", KindInvalid, errors.New("backup too large"))
	}
	schema, err := loadBackupSchema()
	if err != nil {
		return Backup{}, newError("import", KindInvalid, fmt.Errorf("load schema: %w", err))
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Backup{}, newError("import", KindInvalid, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Backup{}, newError("import", KindInvalid, errors.New(strings.Join(msgs, "; ")))
	}
	var doc Backup
	if err := json.Unmarshal(data, &doc); err != nil {
		return Backup{}, newError("import", KindInvalid, err)
	}
	return doc, nil
}

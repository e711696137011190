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
	"path/filepath"
	"strings"
	"testing"
	"time"

	"appguard/internal/domain"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedExport(t *testing.T, s *Store) {
	t.Helper()
	require.NoError(t, s.InsertMany(context.Background(), []domain.ProtectedApp{
		app("com.example.a", "Beta", 100),
		app("com.example.b", "Alpha", 200),
		app("com.example.c", "Alpha", 300),
	}))
}

func TestExportMatchesGolden(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }
	seedExport(t, s)

	var buf bytes.Buffer
	require.NoError(t, s.Export(context.Background(), &buf))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "export_sorted", buf.Bytes())
}

func TestExportImportRoundTrip(t *testing.T) {
	src, _ := openTestStore(t, Options{})
	seedExport(t, src)
	path := filepath.Join(t.TempDir(), "apps.json")
	require.NoError(t, src.ExportFile(context.Background(), path))

	dst, _ := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, dst.Insert(ctx, app("com.example.stale", "Stale", 1)))

	n, err := dst.ImportFile(ctx, path, ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	want, err := src.ListSorted(ctx)
	require.NoError(t, err)
	got, err := dst.ListSorted(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestImportMergeKeepsExisting(t *testing.T) {
	src, _ := openTestStore(t, Options{})
	seedExport(t, src)
	var buf bytes.Buffer
	ctx := context.Background()
	require.NoError(t, src.Export(ctx, &buf))

	dst, _ := openTestStore(t, Options{})
	require.NoError(t, dst.Insert(ctx, app("com.example.keep", "Keep", 1)))
	require.NoError(t, dst.Insert(ctx, app("com.example.a", "Old name", 1)))

	n, err := dst.Import(ctx, &buf, ImportMerge)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := dst.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	got, err := dst.Get(ctx, "com.example.a")
	require.NoError(t, err)
	assert.Equal(t, "Beta", got.DisplayName)
}

func TestImportRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{"format":`},
		{"wrong format", `{"format":"other","version":1,"apps":[]}`},
		{"future version", `{"format":"appguard-backup","version":2,"apps":[]}`},
		{"missing apps", `{"format":"appguard-backup","version":1}`},
		{"blank package id", `{"format":"appguard-backup","version":1,"apps":[{"packageId":"  ","displayName":"x","addedAt":1}]}`},
		{"unknown field", `{"format":"appguard-backup","version":1,"apps":[{"packageId":"a","displayName":"x","addedAt":1,"icon":"?"}]}`},
		{"string timestamp", `{"format":"appguard-backup","version":1,"apps":[{"packageId":"a","displayName":"x","addedAt":"1"}]}`},
	}
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, app("keep", "Keep", 1)))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Import(ctx, strings.NewReader(tt.doc), ImportReplace)
			assert.ErrorIs(t, err, ErrInvalidBackup)
		})
	}
	ok, err := s.Exists(ctx, "keep")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDecodeBackupAcceptsEmptyList(t *testing.T) {
	doc, err := DecodeBackup(strings.NewReader(`{"format":"appguard-backup","version":1,"exported_at":5,"apps":[]}`))
	require.NoError(t, err)
	assert.Equal(t, BackupVersion, doc.Version)
	assert.Empty(t, doc.Apps)
	assert.Equal(t, "merge", ImportMerge.String())
}

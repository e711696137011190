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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"appguard/internal/domain"
	applog "appguard/internal/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDeleteByPackageIDIsIdempotent(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.InsertMany(ctx, []domain.ProtectedApp{app("x", "X", 1), app("y", "Y", 2)}))

	require.NoError(t, s.DeleteByPackageID(ctx, "x"))
	once, err := s.ListSorted(ctx)
	require.NoError(t, err)

	require.NoError(t, s.DeleteByPackageID(ctx, "x"))
	twice, err := s.ListSorted(ctx)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, []string{"y"}, ids(twice))

	require.NoError(t, s.DeleteByPackageID(ctx, "never-stored"))
}

func TestInsertOverwritesExistingRow(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, app("a", "App A", 100)))
	require.NoError(t, s.Insert(ctx, app("a", "App A2", 200)))

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, app("a", "App A2", 200), all[0])
}

func TestInsertManyIsAtomic(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.db.NewRaw("CREATE TRIGGER fail_on_c BEFORE INSERT ON protected_apps WHEN NEW.packageName = 'c' BEGIN SELECT RAISE(ABORT, 'forced'); END").Exec(ctx)
	require.NoError(t, err)

	err = s.InsertMany(ctx, []domain.ProtectedApp{app("a", "A", 1), app("b", "B", 2), app("c", "C", 3)})
	require.Error(t, err)

	for _, id := range []string{"a", "b", "c"} {
		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "%s must not be present after a failed batch", id)
	}
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedBatchDoesNotNotify(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	_, err := s.db.NewRaw("CREATE TRIGGER fail_on_c BEFORE INSERT ON protected_apps WHEN NEW.packageName = 'c' BEGIN SELECT RAISE(ABORT, 'forced'); END").Exec(ctx)
	require.NoError(t, err)

	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, next(t, sub))

	require.Error(t, s.InsertMany(ctx, []domain.ProtectedApp{app("a", "A", 1), app("c", "C", 3)}))
	assertNoSnapshot(t, sub)

	require.NoError(t, s.Insert(ctx, app("a", "A", 1)))
	assert.Equal(t, []string{"a"}, ids(next(t, sub)))
}

func TestSortedTieBreakIsDeterministic(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, app("z", "Same", 1)))
	require.NoError(t, s.Insert(ctx, app("a", "Same", 2)))
	require.NoError(t, s.Insert(ctx, app("m", "Earlier", 3)))

	want := []string{"m", "a", "z"}
	for i := 0; i < 5; i++ {
		got, err := s.ListSorted(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, ids(got))
	}

	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, want, ids(next(t, sub)))
}

func TestExistsLifecycle(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()

	ok, err := s.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Insert(ctx, app("x", "X", 1)))
	ok, err = s.Exists(ctx, "x")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.DeleteByPackageID(ctx, "x"))
	ok, err = s.Exists(ctx, "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubscribeSortedDeliversEveryCommit(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer sub.Close()

	assert.Empty(t, next(t, sub))

	require.NoError(t, s.Insert(ctx, app("x", "X", 1)))
	assert.Equal(t, []string{"x"}, ids(next(t, sub)))

	require.NoError(t, s.DeleteAll(ctx))
	assert.Empty(t, next(t, sub))

	// still open after DeleteAll
	require.NoError(t, s.InsertMany(ctx, []domain.ProtectedApp{app("b", "Beta", 2), app("a", "Alpha", 3)}))
	assert.Equal(t, []string{"a", "b"}, ids(next(t, sub)))

	_, err = s.Exists(ctx, "a")
	require.NoError(t, err)
	assertNoSnapshot(t, sub)
}

func TestSubscribeSortedNotifiesOnMissingDelete(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, app("x", "X", 1)))
	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, []string{"x"}, ids(next(t, sub)))

	require.NoError(t, s.DeleteByPackageID(ctx, "x"))
	assert.Empty(t, next(t, sub))
	require.NoError(t, s.DeleteByPackageID(ctx, "x"))
	assert.Empty(t, next(t, sub))
}

func TestSubscribersReceiveIndependentSnapshots(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	a, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer a.Close()
	b, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer b.Close()
	next(t, a)
	next(t, b)

	require.NoError(t, s.Insert(ctx, app("x", "X", 1)))
	va, vb := next(t, a), next(t, b)
	va[0].DisplayName = "mutated"
	assert.Equal(t, "X", vb[0].DisplayName)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	next(t, sub)

	cancel()
	<-sub.Done()
	require.NoError(t, s.Insert(context.Background(), app("x", "X", 1)))
	for range sub.C() {
	}
	assert.Equal(t, 0, s.Subscribers())
}

func TestInsertRejectsBlankPackageID(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	err := s.Insert(ctx, app("  ", "Blank", 1))
	assert.ErrorIs(t, err, ErrConstraintViolation)
	assert.ErrorIs(t, err, domain.ErrEmptyPackageID)

	err = s.InsertMany(ctx, []domain.ProtectedApp{app("ok", "OK", 1), app("", "Empty", 2)})
	assert.ErrorIs(t, err, ErrConstraintViolation)
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertManyEmptyBatch(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer sub.Close()
	next(t, sub)

	require.NoError(t, s.InsertMany(ctx, nil))
	assertNoSnapshot(t, sub)
}

func TestInsertManyLargeBatch(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	batch := make([]domain.ProtectedApp, 0, 1234)
	for i := 0; i < 1234; i++ {
		batch = append(batch, app(fmt.Sprintf("com.example.%04d", i), fmt.Sprintf("App %04d", i), int64(i)))
	}
	require.NoError(t, s.InsertMany(ctx, batch))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1234, n)

	sorted, err := s.ListSorted(ctx)
	require.NoError(t, err)
	assert.Equal(t, "com.example.0000", sorted[0].PackageID)
	assert.Equal(t, "com.example.1233", sorted[len(sorted)-1].PackageID)
}

func TestReplaceAll(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.InsertMany(ctx, []domain.ProtectedApp{app("a", "A", 1), app("b", "B", 2)}))

	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer sub.Close()
	next(t, sub)

	require.NoError(t, s.ReplaceAll(ctx, []domain.ProtectedApp{app("b", "B2", 3), app("c", "C", 4)}))
	got := next(t, sub)
	assert.Equal(t, []domain.ProtectedApp{app("b", "B2", 3), app("c", "C", 4)}, got)
	assertNoSnapshot(t, sub)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestConcurrentWritersSerialise(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer sub.Close()
	next(t, sub)

	const workers, perWorker = 8, 25
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("w%d-%02d", w, i)
				if err := s.Insert(ctx, app(id, id, int64(i))); err != nil {
					return err
				}
				if _, err := s.Exists(ctx, id); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, workers*perWorker, n)

	prev := 0
	for i := 0; i < workers*perWorker; i++ {
		snap := next(t, sub)
		assert.Equal(t, prev+1, len(snap), "snapshot %d skipped or repeated a commit", i)
		prev = len(snap)
	}
}

func TestReadersNeverSeePartialBatches(t *testing.T) {
	s, _ := openTestStore(t, Options{})
	ctx := context.Background()
	// each batch spans several insert chunks
	const batches, batchSize = 10, 1200

	stop := make(chan struct{})
	var seen []int
	var g errgroup.Group
	g.Go(func() error {
		for {
			select {
			case <-stop:
				return nil
			default:
			}
			all, err := s.ListAll(ctx)
			if err != nil {
				return err
			}
			seen = append(seen, len(all))
		}
	})

	var werr error
	for b := 0; b < batches && werr == nil; b++ {
		batch := make([]domain.ProtectedApp, 0, batchSize)
		for i := 0; i < batchSize; i++ {
			id := fmt.Sprintf("b%02d-%04d", b, i)
			batch = append(batch, app(id, id, int64(i)))
		}
		werr = s.InsertMany(ctx, batch)
	}
	close(stop)
	require.NoError(t, g.Wait())
	require.NoError(t, werr)

	require.NotEmpty(t, seen)
	for _, n := range seen {
		if n%batchSize != 0 {
			t.Fatalf("reader saw %d rows, not a multiple of %d", n, batchSize)
		}
	}
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, batches*batchSize, n)
}

func TestIsContextErr(t *testing.T) {
	assert.True(t, isContextErr(newError("list_all", KindIO, context.Canceled)))
	assert.True(t, isContextErr(fmt.Errorf("query: %w", context.DeadlineExceeded)))
	assert.False(t, isContextErr(errors.New("interrupted system call")))
	assert.False(t, isContextErr(newError("insert", KindIO, errors.New("disk I/O error"))))
}

func TestOperationLogsCarryContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	applog.Init(applog.Options{Level: "debug", Writer: &buf})
	t.Cleanup(func() { applog.Init(applog.Options{Level: "error", Writer: io.Discard}) })

	s, _ := openTestStore(t, Options{Logger: applog.WithComponent("storage")})
	ctx := applog.ContextWith(context.Background(), slog.String("caller", "settings"))
	sub, err := s.SubscribeSorted(ctx)
	require.NoError(t, err)
	defer sub.Close()
	next(t, sub)
	require.NoError(t, s.Insert(ctx, app("a", "A", 1)))
	next(t, sub)

	out := buf.String()
	assert.Contains(t, out, "sub="+sub.ID())
	assert.Contains(t, out, "caller=settings")
	assert.Contains(t, out, "op=insert")
}

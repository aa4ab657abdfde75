package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
	"github.com/JakeFAU/civic-registry-crawler/internal/stats"
	"github.com/JakeFAU/civic-registry-crawler/internal/storage/memory"
)

var yljg = crawler.Target{Key: "yljg", Table: "elderly_care_institutions"}

func record(key, hash string) crawler.Record {
	return crawler.Record{
		Target:      yljg.Key,
		Table:       yljg.Table,
		IdentityKey: key,
		ContentHash: hash,
		Values:      []crawler.FieldValue{{Field: "name", Value: key}},
	}
}

func TestWriteIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore()
	w := NewWriter(store, NewArena(), nil, Options{})

	first, err := w.Write(ctx, yljg, record("福田福利中心", "h1"))
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeInserted, first)

	second, err := w.Write(ctx, yljg, record("福田福利中心", "h1"))
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeUnchanged, second)

	assert.Len(t, store.Rows(yljg.Table), 1)
	assert.Equal(t, 1, store.Writes())
}

func TestWriteUpdatesChangedHashInPlace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore()
	w := NewWriter(store, NewArena(), nil, Options{})

	_, err := w.Write(ctx, yljg, record("a", "h1"))
	require.NoError(t, err)
	outcome, err := w.Write(ctx, yljg, record("a", "h2"))
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeUpdated, outcome)

	rows := store.Rows(yljg.Table)
	require.Len(t, rows, 1)
	assert.Equal(t, "h2", rows["a"].ContentHash)
	assert.Equal(t, 2, rows["a"].Version)
}

func TestWritePageMixedOutcomes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore()
	store.Seed(yljg.Table, memory.Row{IdentityKey: "same-1", ContentHash: "s1"})
	store.Seed(yljg.Table, memory.Row{IdentityKey: "same-2", ContentHash: "s2"})
	store.Seed(yljg.Table, memory.Row{IdentityKey: "changed", ContentHash: "old"})

	runStats := stats.New([]string{yljg.Key})
	w := NewWriter(store, NewArena(), runStats, Options{})

	page := []crawler.Record{
		record("new-1", "n1"),
		record("same-1", "s1"),
		record("changed", "new"),
		record("new-2", "n2"),
		record("same-2", "s2"),
	}
	runStats.Parsed(yljg.Key, len(page), 0, 0)
	res, err := w.WritePage(ctx, yljg, page)
	require.NoError(t, err)
	assert.Equal(t, PageResult{Inserted: 2, Updated: 1, Unchanged: 2}, countsOnly(res))

	snap, _ := runStats.Target(yljg.Key)
	assert.Equal(t, int64(2), snap.Inserted)
	assert.Equal(t, int64(1), snap.Updated)
	assert.Equal(t, int64(2), snap.Unchanged)
	assert.True(t, snap.Accounted())
	assert.Len(t, store.Rows(yljg.Table), 5)
}

func TestWritePageDuplicateKeysWithinPage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore()
	w := NewWriter(store, NewArena(), nil, Options{})

	res, err := w.WritePage(ctx, yljg, []crawler.Record{
		record("a", "h1"),
		record("a", "h1"),
		record("a", "h2"),
	})
	require.NoError(t, err)
	assert.Equal(t, PageResult{Inserted: 1, Unchanged: 1, Updated: 1}, countsOnly(res))
	assert.Equal(t, "h2", store.Rows(yljg.Table)["a"].ContentHash)
}

func TestConcurrentWritersSameTargetInsertOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore()
	arena := NewArena()
	runStats := stats.New([]string{yljg.Key})

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := NewWriter(store, arena, runStats, Options{})
			if _, err := w.WritePage(ctx, yljg, []crawler.Record{record("shared", "h1"), record("shared-2", "h2")}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snap, _ := runStats.Target(yljg.Key)
	assert.Equal(t, int64(2), snap.Inserted)
	assert.Equal(t, int64(2*writers-2), snap.Unchanged)
	assert.Len(t, store.Rows(yljg.Table), 2)
}

func TestDifferentTargetsAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore()
	w := NewWriter(store, NewArena(), nil, Options{})
	jzz := crawler.Target{Key: "jzz", Table: "rescue_stations"}

	_, err := w.Write(ctx, yljg, record("a", "h1"))
	require.NoError(t, err)
	outcome, err := w.Write(ctx, jzz, record("a", "h1"))
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeInserted, outcome)
}

func TestPreloadUsesStoredIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewRecordStore()
	store.Seed(yljg.Table, memory.Row{IdentityKey: "a", ContentHash: "h1"})
	arena := NewArena()
	w := NewWriter(store, arena, nil, Options{})

	require.NoError(t, w.Preload(ctx, yljg))
	hash, ok := arena.For(yljg.Key).Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "h1", hash)
}

func TestWriteConflictReloadsAndRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := memory.NewRecordStore()
	w := NewWriter(inner, NewArena(), nil, Options{MaxConflictRetries: 2})
	w.sleep = func(context.Context, time.Duration) error { return nil }

	require.NoError(t, w.Preload(ctx, yljg))
	// Another process inserts the same key after our index was loaded.
	inner.Seed(yljg.Table, memory.Row{IdentityKey: "a", ContentHash: "h0"})

	outcome, err := w.Write(ctx, yljg, record("a", "h1"))
	require.NoError(t, err)
	assert.Equal(t, crawler.OutcomeUpdated, outcome)
	assert.Equal(t, "h1", inner.Rows(yljg.Table)["a"].ContentHash)
}

func TestWriteConflictExhaustsRetries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &scriptedStore{commitErr: &crawler.WriteConflictError{Target: "yljg", IdentityKey: "a", Err: errors.New("40001")}}
	w := NewWriter(store, NewArena(), nil, Options{MaxConflictRetries: 2})
	var sleeps []time.Duration
	w.sleep = func(_ context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	_, err := w.Write(ctx, yljg, record("a", "h1"))
	var conflict *crawler.WriteConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, int32(3), store.commits.Load())
	assert.Equal(t, []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}, sleeps)
	assert.Equal(t, int32(3), store.loads.Load(), "initial load plus one reload per retry")
}

func TestStorageUnavailableHaltsOnlyThatTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &scriptedStore{commitErr: &crawler.StorageUnavailableError{Target: "yljg", Err: errors.New("connection refused")}}
	arena := NewArena()
	w := NewWriter(store, arena, nil, Options{MaxConflictRetries: 3})

	_, err := w.Write(ctx, yljg, record("a", "h1"))
	var unavailable *crawler.StorageUnavailableError
	require.True(t, errors.As(err, &unavailable))
	require.Error(t, arena.For(yljg.Key).Halted())

	_, err = w.Write(ctx, yljg, record("b", "h1"))
	require.ErrorIs(t, err, crawler.ErrStorageHalted)
	assert.Equal(t, int32(1), store.commits.Load())

	store.commitErr = nil
	jzz := crawler.Target{Key: "jzz", Table: "rescue_stations"}
	_, err = w.Write(ctx, jzz, record("a", "h1"))
	require.NoError(t, err)
}

type scriptedStore struct {
	commitErr error
	commits   atomic.Int32
	loads     atomic.Int32
}

func (s *scriptedStore) LoadIndex(context.Context, crawler.Target) (map[string]string, error) {
	s.loads.Add(1)
	return map[string]string{}, nil
}

func (s *scriptedStore) Begin(context.Context, crawler.Target) (crawler.RecordTx, error) {
	return &scriptedTx{store: s}, nil
}

type scriptedTx struct {
	store *scriptedStore
}

func (t *scriptedTx) Insert(context.Context, crawler.Record) error { return nil }
func (t *scriptedTx) Update(context.Context, crawler.Record) error { return nil }
func (t *scriptedTx) Rollback(context.Context) error              { return nil }

func (t *scriptedTx) Commit(context.Context) error {
	t.store.commits.Add(1)
	if t.store.commitErr != nil {
		return fmt.Errorf("commit: %w", t.store.commitErr)
	}
	return nil
}

func countsOnly(res PageResult) PageResult {
	res.Outcomes = nil
	return res
}

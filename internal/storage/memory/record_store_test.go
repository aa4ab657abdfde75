package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

var target = crawler.Target{Key: "jzz", Table: "rescue_stations"}

func rec(key, hash string) crawler.Record {
	return crawler.Record{
		Target:      "jzz",
		IdentityKey: key,
		ContentHash: hash,
		Values:      []crawler.FieldValue{{Field: "name", Value: key}},
	}
}

func TestRecordStoreCommitAndIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore()
	tx, err := s.Begin(ctx, target)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, rec("a", "h1")))
	require.NoError(t, tx.Insert(ctx, rec("b", "h2")))
	require.NoError(t, tx.Commit(ctx))

	idx, err := s.LoadIndex(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "h1", "b": "h2"}, idx)

	tx, err = s.Begin(ctx, target)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, rec("a", "h3")))
	require.NoError(t, tx.Commit(ctx))

	rows := s.Rows("rescue_stations")
	assert.Equal(t, "h3", rows["a"].ContentHash)
	assert.Equal(t, 2, rows["a"].Version)
	assert.Equal(t, 3, s.Writes())
}

func TestRecordStoreDuplicateInsertConflicts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore()
	s.Seed("rescue_stations", Row{IdentityKey: "a", ContentHash: "h1"})

	tx, err := s.Begin(ctx, target)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, rec("b", "h2")))
	require.NoError(t, tx.Insert(ctx, rec("a", "h1")))
	err = tx.Commit(ctx)

	var conflict *crawler.WriteConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "a", conflict.IdentityKey)
	assert.Len(t, s.Rows("rescue_stations"), 1, "failed transaction must not partially apply")
}

func TestRecordStoreRollbackDiscards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewRecordStore()
	tx, err := s.Begin(ctx, target)
	require.NoError(t, err)
	require.NoError(t, tx.Insert(ctx, rec("a", "h1")))
	require.NoError(t, tx.Rollback(ctx))
	require.Error(t, tx.Commit(ctx))
	assert.Empty(t, s.Rows("rescue_stations"))
}

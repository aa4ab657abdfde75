package postgres

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

func elderlyCareTarget() crawler.Target {
	return crawler.Target{
		Key:   "yljg",
		Table: "elderly_care_institutions",
		Fields: []crawler.FieldMapping{
			{Field: "name", Identity: true, Type: crawler.FieldString},
			{Field: "beds", Type: crawler.FieldInt},
		},
	}
}

func sampleRecord() crawler.Record {
	return crawler.Record{
		Target:      "yljg",
		Table:       "elderly_care_institutions",
		IdentityKey: "福田区福利中心",
		Values: []crawler.FieldValue{
			{Field: "name", Value: "福田区福利中心"},
			{Field: "beds", Value: int64(120)},
		},
		ContentHash: "h1",
		SourceURL:   "https://example.gov.cn/yljg/1",
		FetchedAt:   time.Unix(1700000000, 0).UTC(),
	}
}

func TestRecordStoreLoadIndex(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT identity_key, content_hash FROM elderly_care_institutions").
		WillReturnRows(mock.NewRows([]string{"identity_key", "content_hash"}).
			AddRow("a", "h1").
			AddRow("b", "h2"))

	idx, err := s.LoadIndex(context.Background(), elderlyCareTarget())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "h1", "b": "h2"}, idx)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreInsertAndUpdateCommit(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock)
	require.NoError(t, err)
	rec := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO elderly_care_institutions").
		WithArgs(rec.IdentityKey, rec.ContentHash, rec.SourceURL, rec.FetchedAt, "福田区福利中心", int64(120)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("UPDATE elderly_care_institutions SET").
		WithArgs(rec.ContentHash, rec.SourceURL, rec.FetchedAt, "福田区福利中心", int64(120), rec.IdentityKey).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	tx, err := s.Begin(context.Background(), elderlyCareTarget())
	require.NoError(t, err)
	require.NoError(t, tx.Insert(context.Background(), rec))
	require.NoError(t, tx.Update(context.Background(), rec))
	require.NoError(t, tx.Commit(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreUniqueViolationIsConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO elderly_care_institutions").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	tx, err := s.Begin(context.Background(), elderlyCareTarget())
	require.NoError(t, err)
	err = tx.Insert(context.Background(), sampleRecord())

	var conflict *crawler.WriteConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "福田区福利中心", conflict.IdentityKey)
	require.NoError(t, tx.Rollback(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordStoreUpdateWithoutRowIsConflict(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE elderly_care_institutions SET").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	tx, err := s.Begin(context.Background(), elderlyCareTarget())
	require.NoError(t, err)

	var conflict *crawler.WriteConflictError
	require.ErrorAs(t, tx.Update(context.Background(), sampleRecord()), &conflict)
}

func TestRecordStoreConnectionLossIsUnavailable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock)
	require.NoError(t, err)

	mock.ExpectBegin().WillReturnError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})

	_, err = s.Begin(context.Background(), elderlyCareTarget())
	var unavailable *crawler.StorageUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "yljg", unavailable.Target)
}

func TestRecordStoreRejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewRecordStore(mock)
	require.NoError(t, err)

	target := elderlyCareTarget()
	target.Table = "records; DROP TABLE x"
	_, err = s.LoadIndex(context.Background(), target)
	require.Error(t, err)
	_, err = s.Begin(context.Background(), target)
	require.Error(t, err)

	target = elderlyCareTarget()
	target.Fields[1].Field = "beds--"
	_, err = s.Begin(context.Background(), target)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		conflict    bool
		unavailable bool
	}{
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, conflict: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, conflict: true},
		{name: "lock not available", err: &pgconn.PgError{Code: "55P03"}, conflict: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, unavailable: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, unavailable: true},
		{name: "not null", err: &pgconn.PgError{Code: "23502"}},
		{name: "canceled", err: context.Canceled},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := classify("yljg", "k", "insert", tc.err)
			require.Error(t, err)
			var conflict *crawler.WriteConflictError
			var unavailable *crawler.StorageUnavailableError
			assert.Equal(t, tc.conflict, errors.As(err, &conflict))
			assert.Equal(t, tc.unavailable, errors.As(err, &unavailable))
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.NoError(t, classify("yljg", "", "insert", nil))
}

// Package embedded provides a Badger-backed record store for local runs without a
// Postgres server.
package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// Config controls where the database lives.
type Config struct {
	Dir      string
	InMemory bool
}

// StoredRecord is the value kept under each record key.
type StoredRecord struct {
	IdentityKey string         `json:"identity_key"`
	ContentHash string         `json:"content_hash"`
	Values      map[string]any `json:"values"`
	SourceURL   string         `json:"source_url"`
	CrawledAt   time.Time      `json:"crawled_at"`
	Version     int            `json:"version"`
}

// RecordStore keeps one key per (table, identity key).
type RecordStore struct {
	db *badger.DB
}

// Open opens (or creates) the database.
func Open(cfg Config) (*RecordStore, error) {
	var opts badger.Options
	switch {
	case cfg.InMemory:
		opts = badger.DefaultOptions("").WithInMemory(true)
	case strings.TrimSpace(cfg.Dir) != "":
		opts = badger.DefaultOptions(cfg.Dir)
	default:
		return nil, errors.New("badger dir is required unless in-memory")
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// NewRecordStore wraps an already open database.
func NewRecordStore(db *badger.DB) (*RecordStore, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &RecordStore{db: db}, nil
}

// Close closes the database.
func (s *RecordStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func tablePrefix(table string) []byte {
	return []byte("rec:" + table + ":")
}

func recordKey(table, identityKey string) []byte {
	return append(tablePrefix(table), identityKey...)
}

// LoadIndex scans the table prefix and returns identity key -> content hash.
func (s *RecordStore) LoadIndex(ctx context.Context, target crawler.Target) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := tablePrefix(target.Table)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec StoredRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out[rec.IdentityKey] = rec.ContentHash
		}
		return nil
	})
	if err != nil {
		return nil, classify(target.Key, "", "load index", err)
	}
	return out, nil
}

// Get returns the stored record for a key.
func (s *RecordStore) Get(table, identityKey string) (StoredRecord, bool, error) {
	var rec StoredRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(table, identityKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return StoredRecord{}, false, nil
	}
	if err != nil {
		return StoredRecord{}, false, fmt.Errorf("get record: %w", err)
	}
	return rec, true, nil
}

// Begin starts an optimistic read-write transaction.
func (s *RecordStore) Begin(ctx context.Context, target crawler.Target) (crawler.RecordTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if s.db.IsClosed() {
		return nil, &crawler.StorageUnavailableError{Target: target.Key, Err: badger.ErrDBClosed}
	}
	return &recordTx{txn: s.db.NewTransaction(true), target: target}, nil
}

type recordTx struct {
	txn    *badger.Txn
	target crawler.Target
}

func (t *recordTx) Insert(_ context.Context, rec crawler.Record) error {
	key := recordKey(t.target.Table, rec.IdentityKey)
	_, err := t.txn.Get(key)
	switch {
	case err == nil:
		return &crawler.WriteConflictError{Target: t.target.Key, IdentityKey: rec.IdentityKey, Err: errors.New("record already exists")}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return classify(t.target.Key, rec.IdentityKey, "insert", err)
	}
	return t.put(key, rec, 1)
}

func (t *recordTx) Update(_ context.Context, rec crawler.Record) error {
	key := recordKey(t.target.Table, rec.IdentityKey)
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return &crawler.WriteConflictError{Target: t.target.Key, IdentityKey: rec.IdentityKey, Err: errors.New("record vanished")}
	}
	if err != nil {
		return classify(t.target.Key, rec.IdentityKey, "update", err)
	}
	var prev StoredRecord
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return t.put(key, rec, prev.Version+1)
}

func (t *recordTx) put(key []byte, rec crawler.Record, version int) error {
	values := make(map[string]any, len(rec.Values))
	for _, v := range rec.Values {
		values[v.Field] = v.Value
	}
	data, err := json.Marshal(StoredRecord{
		IdentityKey: rec.IdentityKey,
		ContentHash: rec.ContentHash,
		Values:      values,
		SourceURL:   rec.SourceURL,
		CrawledAt:   rec.FetchedAt,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := t.txn.Set(key, data); err != nil {
		return classify(t.target.Key, rec.IdentityKey, "set", err)
	}
	return nil
}

func (t *recordTx) Commit(_ context.Context) error {
	if err := t.txn.Commit(); err != nil {
		return classify(t.target.Key, "", "commit", err)
	}
	return nil
}

func (t *recordTx) Rollback(_ context.Context) error {
	t.txn.Discard()
	return nil
}

func classify(target, identityKey, op string, err error) error {
	switch {
	case errors.Is(err, badger.ErrConflict):
		return &crawler.WriteConflictError{Target: target, IdentityKey: identityKey, Err: fmt.Errorf("%s: %w", op, err)}
	case errors.Is(err, badger.ErrDBClosed):
		return &crawler.StorageUnavailableError{Target: target, Err: fmt.Errorf("%s: %w", op, err)}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

var errTxDone = errors.New("transaction already finished")

// Row is one stored record.
type Row struct {
	IdentityKey string
	ContentHash string
	Values      map[string]any
	SourceURL   string
	CrawledAt   time.Time
	Version     int
}

// RecordStore is an in-memory crawler.RecordStore. Each table enforces a
// unique identity key like the relational schema does.
type RecordStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]Row
	writes int
}

// NewRecordStore creates an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{tables: make(map[string]map[string]Row)}
}

// LoadIndex returns identity key -> content hash for the target's table.
func (s *RecordStore) LoadIndex(_ context.Context, target crawler.Target) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.tables[target.Table]
	out := make(map[string]string, len(rows))
	for k, r := range rows {
		out[k] = r.ContentHash
	}
	return out, nil
}

// Begin starts a buffered transaction.
func (s *RecordStore) Begin(_ context.Context, target crawler.Target) (crawler.RecordTx, error) {
	return &recordTx{store: s, table: target.Table, target: target.Key}, nil
}

// Rows returns a copy of the rows in table keyed by identity key.
func (s *RecordStore) Rows(table string) map[string]Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Row, len(s.tables[table]))
	for k, r := range s.tables[table] {
		out[k] = r
	}
	return out
}

// Writes returns the number of committed insert and update statements.
func (s *RecordStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Seed stores a row directly, bypassing transactions.
func (s *RecordStore) Seed(table string, row Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[table] == nil {
		s.tables[table] = make(map[string]Row)
	}
	s.tables[table][row.IdentityKey] = row
}

type op struct {
	insert bool
	rec    crawler.Record
}

type recordTx struct {
	store  *RecordStore
	table  string
	target string
	ops    []op
	done   bool
}

func (t *recordTx) Insert(_ context.Context, rec crawler.Record) error {
	if t.done {
		return errTxDone
	}
	t.ops = append(t.ops, op{insert: true, rec: rec})
	return nil
}

func (t *recordTx) Update(_ context.Context, rec crawler.Record) error {
	if t.done {
		return errTxDone
	}
	t.ops = append(t.ops, op{rec: rec})
	return nil
}

// Commit applies all buffered operations atomically. An insert of an
// existing key fails the whole transaction with a WriteConflictError.
func (t *recordTx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.tables[t.table]
	if rows == nil {
		rows = make(map[string]Row)
	}
	next := make(map[string]Row, len(rows)+len(t.ops))
	for k, r := range rows {
		next[k] = r
	}
	for _, o := range t.ops {
		existing, exists := next[o.rec.IdentityKey]
		if o.insert && exists {
			return &crawler.WriteConflictError{
				Target:      t.target,
				IdentityKey: o.rec.IdentityKey,
				Err:         fmt.Errorf("duplicate identity key in %s", t.table),
			}
		}
		if !o.insert && !exists {
			return fmt.Errorf("update %s: identity key %q not found", t.table, o.rec.IdentityKey)
		}
		next[o.rec.IdentityKey] = Row{
			IdentityKey: o.rec.IdentityKey,
			ContentHash: o.rec.ContentHash,
			Values:      valuesMap(o.rec),
			SourceURL:   o.rec.SourceURL,
			CrawledAt:   o.rec.FetchedAt,
			Version:     existing.Version + 1,
		}
	}
	s.tables[t.table] = next
	s.writes += len(t.ops)
	return nil
}

func (t *recordTx) Rollback(_ context.Context) error {
	t.done = true
	t.ops = nil
	return nil
}

func valuesMap(rec crawler.Record) map[string]any {
	out := make(map[string]any, len(rec.Values))
	for _, v := range rec.Values {
		out[v.Field] = v.Value
	}
	return out
}

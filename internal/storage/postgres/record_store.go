package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/civic-registry-crawler/internal/crawler"
)

// Bookkeeping columns every target table carries next to its mapped fields.
const (
	colIdentityKey = "identity_key"
	colContentHash = "content_hash"
	colSourceURL   = "source_url"
	colCrawledAt   = "crawled_at"
)

// RecordStore writes normalized records into one table per target. Each
// table has a unique constraint on identity_key; no DDL is issued.
type RecordStore struct {
	pool dbPool
}

// NewRecordStore wraps a connected pool.
func NewRecordStore(pool dbPool) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RecordStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// LoadIndex reads identity_key -> content_hash for the target's table.
func (s *RecordStore) LoadIndex(ctx context.Context, target crawler.Target) (map[string]string, error) {
	if !validIdentifier.MatchString(target.Table) {
		return nil, fmt.Errorf("invalid table name %q", target.Table)
	}
	query := fmt.Sprintf(`SELECT %s, %s FROM %s`, colIdentityKey, colContentHash, target.Table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, classify(target.Key, "", "load index", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, hash string
		if err := rows.Scan(&key, &hash); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		out[key] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, classify(target.Key, "", "load index", err)
	}
	return out, nil
}

// Begin opens a transaction for one page of target records.
func (s *RecordStore) Begin(ctx context.Context, target crawler.Target) (crawler.RecordTx, error) {
	stmts, err := buildStatements(target)
	if err != nil {
		return nil, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify(target.Key, "", "begin", err)
	}
	return &recordTx{tx: tx, target: target.Key, stmts: stmts}, nil
}

type statements struct {
	columns []string
	insert  string
	update  string
}

func buildStatements(target crawler.Target) (statements, error) {
	if !validIdentifier.MatchString(target.Table) {
		return statements{}, fmt.Errorf("invalid table name %q", target.Table)
	}
	columns := target.Columns()
	for _, c := range columns {
		if !validIdentifier.MatchString(c) {
			return statements{}, fmt.Errorf("invalid column name %q", c)
		}
	}
	all := append([]string{colIdentityKey, colContentHash, colSourceURL, colCrawledAt}, columns...)
	placeholders := make([]string, len(all))
	for i := range all {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	sets := make([]string, 0, len(all)-1)
	for i, c := range all[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", c, i+1))
	}
	return statements{
		columns: columns,
		insert: fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			target.Table, strings.Join(all, ", "), strings.Join(placeholders, ", ")),
		update: fmt.Sprintf(`UPDATE %s SET %s WHERE %s = $%d`,
			target.Table, strings.Join(sets, ", "), colIdentityKey, len(all)),
	}, nil
}

type recordTx struct {
	tx     pgx.Tx
	target string
	stmts  statements
}

func (t *recordTx) Insert(ctx context.Context, rec crawler.Record) error {
	args := append([]any{rec.IdentityKey}, t.fieldArgs(rec)...)
	if _, err := t.tx.Exec(ctx, t.stmts.insert, args...); err != nil {
		return classify(t.target, rec.IdentityKey, "insert", err)
	}
	return nil
}

func (t *recordTx) Update(ctx context.Context, rec crawler.Record) error {
	args := append(t.fieldArgs(rec), rec.IdentityKey)
	tag, err := t.tx.Exec(ctx, t.stmts.update, args...)
	if err != nil {
		return classify(t.target, rec.IdentityKey, "update", err)
	}
	if tag.RowsAffected() == 0 {
		return &crawler.WriteConflictError{
			Target:      t.target,
			IdentityKey: rec.IdentityKey,
			Err:         fmt.Errorf("update matched no row"),
		}
	}
	return nil
}

func (t *recordTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return classify(t.target, "", "commit", err)
	}
	return nil
}

func (t *recordTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// fieldArgs returns content_hash, source_url, crawled_at, then mapped values
// in column order.
func (t *recordTx) fieldArgs(rec crawler.Record) []any {
	args := make([]any, 0, 3+len(t.stmts.columns))
	args = append(args, rec.ContentHash, rec.SourceURL, rec.FetchedAt)
	for _, c := range t.stmts.columns {
		v, _ := rec.Value(c)
		args = append(args, v)
	}
	return args
}

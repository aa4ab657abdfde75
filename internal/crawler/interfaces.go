package crawler

import (
	"context"
	"io"
	"time"
)

// Session fetches listing pages for a single target. A session is owned by
// exactly one crawl worker and must be closed on every exit path.
type Session interface {
	Fetch(ctx context.Context, target Target, cursor int) (RawPage, error)
	Close() error
}

// SessionFactory opens fetch sessions.
type SessionFactory interface {
	Open(ctx context.Context, target Target) (Session, error)
}

// RecordStore persists normalized records into the per-target table.
type RecordStore interface {
	// LoadIndex returns identity key -> content hash for every stored row of the target.
	LoadIndex(ctx context.Context, target Target) (map[string]string, error)
	// Begin opens a write transaction scoped to one target.
	Begin(ctx context.Context, target Target) (RecordTx, error)
}

// RecordTx groups the writes of one page.
type RecordTx interface {
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes change notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

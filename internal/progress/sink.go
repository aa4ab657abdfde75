package progress

import "context"

// Sink consumes batches of events. Implementations must tolerate repeated
// calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

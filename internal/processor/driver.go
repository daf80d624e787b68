package processor

import (
	"context"
	"time"

	"github.com/agicash/walletcore/internal/queue"
)

// Item is the minimal shape a driver's pending-record listing exposes to
// the scheduling loop: enough to compute this record's current Cadence and
// to acquire its taskscope lock.
type Item struct {
	ID        string
	CreatedAt time.Time
}

// Driver owns one record class's transition logic. internal/processor
// itself stays ignorant of any engine's internals; Advance is the only hook
// it calls, so the per-kind mint/ledger/keyset wiring lives in driver
// implementations (see drivers.go), not in the scheduling loop.
type Driver interface {
	Kind() queue.RecordKind

	// ListPending returns every non-terminal record of this kind, across
	// all accounts. The processor filters by Cadence itself.
	ListPending(ctx context.Context) ([]Item, error)

	// Advance re-reads id's current record and attempts its next state
	// transition. A no-op return (nil error, no state change) is valid when
	// the external system has nothing new to report yet.
	Advance(ctx context.Context, id string) error

	// InvalidateCache drops any cached copy of id, called when a
	// ChangeNotification reports a newer version exists.
	InvalidateCache(ctx context.Context, id string) error
}

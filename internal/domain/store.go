package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// RaffleStore persists the single raffle snapshot.
type RaffleStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// LoadSnapshot returns ErrNotFound when nothing has been saved yet.
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}

// EntryLedger answers per-round entry counts, closed rounds included.
type EntryLedger interface {
	EntriesOf(ctx context.Context, round uint64, participant common.Address) (int, error)
}

// DrawStore persists the history of paid-out rounds.
type DrawStore interface {
	Insert(ctx context.Context, d DrawRecord) error
	GetByRound(ctx context.Context, round uint64) (DrawRecord, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]DrawRecord, error)
	ListByWinner(ctx context.Context, addr common.Address, opts ListOpts) ([]DrawRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListEvent(ctx context.Context, event string, opts ListOpts) ([]AuditEntry, error)
}

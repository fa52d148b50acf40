package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ExitBatch bundles everything one processed exit request mutates, so the
// store can apply it in a single transaction: the decremented lots, the new
// records, and the recomputed position. Partial application of a multi-lot
// plan is not a valid externally observable state.
type ExitBatch struct {
	Position Position
	Lots     []EntryLot
	Records  []ExitRecord
}

// EntryBatch bundles one recorded entry: the new lot and the position carrying
// the recomputed aggregates. Creating distinguishes a fresh lineage (insert)
// from an addition to an open position (update). A position row whose totals
// claim a lot that was never inserted is not a valid externally observable
// state, so both land in one transaction.
type EntryBatch struct {
	Position Position
	Lot      EntryLot
	Creating bool
}

// PositionStore reads positions. Writes always travel with the mutation that
// caused them: entries through LotStore.ApplyEntry, exits through
// ExitRecordStore.ApplyExit.
type PositionStore interface {
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context, brokerageID string) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
}

// LotStore persists entry lots and applies entry batches atomically.
type LotStore interface {
	// ApplyEntry inserts the batch's lot and creates or updates its position
	// in one transaction.
	ApplyEntry(ctx context.Context, batch EntryBatch) error
	ListByPosition(ctx context.Context, positionID string) ([]EntryLot, error)
}

// ExitRecordStore persists the append-only exit record ledger and applies
// exit batches atomically.
type ExitRecordStore interface {
	// ApplyExit decrements the batch's lots, inserts its records, and
	// updates the position in one transaction.
	ApplyExit(ctx context.Context, batch ExitBatch) error
	ListByPosition(ctx context.Context, positionID string) ([]ExitRecord, error)
	ListByGroup(ctx context.Context, groupID string) ([]ExitRecord, error)
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
}

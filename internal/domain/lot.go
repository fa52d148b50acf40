package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// dayKeyLayout formats the calendar day used by the AUTO matching strategy to
// separate intraday lots from older holdings.
const dayKeyLayout = "2006-01-02"

// EntryLot is one discrete purchase event contributing quantity at a fixed
// unit price. OriginalQuantity and TotalValue are immutable after creation;
// RemainingQuantity only ever decreases as exits consume the lot.
type EntryLot struct {
	ID                string
	PositionID        string
	SourceOperationID string
	EntryDate         time.Time
	UnitPrice         decimal.Decimal
	OriginalQuantity  int64
	RemainingQuantity int64
	TotalValue        decimal.Decimal // OriginalQuantity × UnitPrice
	// Seq is the insertion order within the position, used as the stable
	// tie-break when two lots share the same entry date.
	Seq int
}

// Exhausted reports whether the lot has been fully consumed. An exhausted lot
// is immutable history and is never deleted.
func (l *EntryLot) Exhausted() bool {
	return l.RemainingQuantity == 0
}

// DayKey returns the UTC calendar date of the entry, the partition key for
// same-day matching.
func (l *EntryLot) DayKey() string {
	return l.EntryDate.UTC().Format(dayKeyLayout)
}

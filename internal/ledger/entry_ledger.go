// Package ledger implements the position lot accounting core: the entry-lot
// book, the exit matching strategies, the exit processor, the position
// aggregator, and the exit-group consolidator. Everything here is pure
// in-memory computation over domain values; persistence and locking are the
// caller's concern.
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optledger/optledger/internal/domain"
)

// Book is the working set for one position: the position row and every one of
// its entry lots, loaded under the position's lock. All core operations
// mutate the Book in memory; the caller persists the result atomically.
type Book struct {
	Position domain.Position
	Lots     []domain.EntryLot
}

// NewBook assembles a working set from a loaded position and its lots. Lots
// must be in insertion order; their Seq fields are normalized so later
// tie-breaks stay stable even when the store did not persist sequence.
func NewBook(pos domain.Position, lots []domain.EntryLot) *Book {
	for i := range lots {
		lots[i].Seq = i
	}
	return &Book{Position: pos, Lots: lots}
}

// AddEntry validates and appends a new lot. Quantity must be a positive
// number of contracts and unitPrice strictly positive. The new lot starts
// with remaining = original quantity and is returned to the caller.
func (b *Book) AddEntry(entryDate time.Time, unitPrice decimal.Decimal, quantity int64, sourceOpID string) (domain.EntryLot, error) {
	if quantity <= 0 {
		return domain.EntryLot{}, &domain.QuantityError{
			Sentinel:   domain.ErrInvalidQuantity,
			PositionID: b.Position.ID,
			Requested:  quantity,
		}
	}
	if !unitPrice.IsPositive() {
		return domain.EntryLot{}, domain.ErrInvalidPrice
	}

	lot := domain.EntryLot{
		ID:                uuid.New().String(),
		PositionID:        b.Position.ID,
		SourceOperationID: sourceOpID,
		EntryDate:         entryDate.UTC(),
		UnitPrice:         unitPrice,
		OriginalQuantity:  quantity,
		RemainingQuantity: quantity,
		TotalValue:        unitPrice.Mul(decimal.NewFromInt(quantity)),
		Seq:               len(b.Lots),
	}
	b.Lots = append(b.Lots, lot)
	return lot, nil
}

// OpenLots returns pointers to the lots that still have open quantity, in
// insertion order. Entry date ascending is the natural order because lots are
// appended as entries occur.
func (b *Book) OpenLots() []*domain.EntryLot {
	var open []*domain.EntryLot
	for i := range b.Lots {
		if b.Lots[i].RemainingQuantity > 0 {
			open = append(open, &b.Lots[i])
		}
	}
	return open
}

// OpenQuantity sums the remaining quantity across all lots.
func (b *Book) OpenQuantity() int64 {
	var total int64
	for i := range b.Lots {
		total += b.Lots[i].RemainingQuantity
	}
	return total
}

// SpansMultipleDays reports whether the open lots cover more than one
// calendar day, which is what makes the AUTO strategy meaningful.
func (b *Book) SpansMultipleDays() bool {
	var first string
	for i := range b.Lots {
		if b.Lots[i].RemainingQuantity == 0 {
			continue
		}
		key := b.Lots[i].DayKey()
		if first == "" {
			first = key
			continue
		}
		if key != first {
			return true
		}
	}
	return false
}

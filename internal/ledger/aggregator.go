package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/optledger/optledger/internal/domain"
)

// Recompute derives every aggregate field of the book's position from its
// lots and exit records. It is deterministic and idempotent: calling it twice
// on unchanged state yields identical output.
//
// marketPrice is the external valuation input. When nil, UnrealizedPnL is
// left unset rather than defaulted to zero, so missing data never reads as
// breakeven.
//
// Recompute never fails on valid state. A violated precondition (negative
// quantities, records that overdraw a lot) means the ledger is corrupt; the
// returned InvariantError must abort the surrounding transaction.
func Recompute(book *Book, records []domain.ExitRecord, marketPrice *decimal.Decimal) error {
	pos := &book.Position

	if err := checkInvariants(book, records); err != nil {
		return err
	}

	var totalQty, remainingQty int64
	totalInvested := decimal.Zero
	openCost := decimal.Zero

	for i := range book.Lots {
		lot := &book.Lots[i]
		totalQty += lot.OriginalQuantity
		remainingQty += lot.RemainingQuantity
		totalInvested = totalInvested.Add(lot.TotalValue)
		if lot.RemainingQuantity > 0 {
			openCost = openCost.Add(lot.UnitPrice.Mul(decimal.NewFromInt(lot.RemainingQuantity)))
		}
	}

	pos.TotalQuantity = totalQty
	pos.RemainingQuantity = remainingQty
	pos.TotalInvested = totalInvested

	// Average entry price is defined over open lots only. At full closure it
	// stays frozen at the cost basis of the last open set.
	if remainingQty > 0 {
		pos.AvgEntryPrice = openCost.Div(decimal.NewFromInt(remainingQty))
	}
	pos.CurrentInvested = pos.AvgEntryPrice.Mul(decimal.NewFromInt(remainingQty))

	realized := decimal.Zero
	exitedQty := int64(0)
	exitValue := decimal.Zero
	for i := range records {
		realized = realized.Add(records[i].ProfitLoss)
		exitedQty += records[i].Quantity
		exitValue = exitValue.Add(records[i].ExitUnitPrice.Mul(decimal.NewFromInt(records[i].Quantity)))
	}
	pos.RealizedPnL = realized

	switch {
	case remainingQty == 0:
		zero := decimal.Zero
		pos.UnrealizedPnL = &zero
	case marketPrice != nil:
		u := marketPrice.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(remainingQty))
		pos.UnrealizedPnL = &u
	default:
		pos.UnrealizedPnL = nil
	}

	if remainingQty == 0 && exitedQty > 0 {
		avgExit := exitValue.Div(decimal.NewFromInt(exitedQty))
		pos.AvgExitPrice = &avgExit
	} else {
		pos.AvgExitPrice = nil
	}

	// Status is a pure function of remaining vs total quantity, which only
	// ever shrinks, so a CLOSED position can never read as open again.
	switch {
	case remainingQty == 0 && totalQty > 0:
		pos.Status = domain.PositionStatusClosed
	case remainingQty < totalQty:
		pos.Status = domain.PositionStatusPartiallyClosed
	default:
		pos.Status = domain.PositionStatusActive
	}

	return nil
}

// checkInvariants verifies lot and record consistency before any aggregate is
// written: lot quantities within bounds, records referencing known lots, and
// per-lot consumption plus remaining equal to the original quantity.
func checkInvariants(book *Book, records []domain.ExitRecord) error {
	consumed := make(map[string]int64, len(book.Lots))
	lots := make(map[string]*domain.EntryLot, len(book.Lots))

	for i := range book.Lots {
		lot := &book.Lots[i]
		if lot.RemainingQuantity < 0 || lot.RemainingQuantity > lot.OriginalQuantity {
			return &domain.InvariantError{
				PositionID: book.Position.ID,
				LotID:      lot.ID,
				Detail: fmt.Sprintf("remaining quantity %d outside [0, %d]",
					lot.RemainingQuantity, lot.OriginalQuantity),
			}
		}
		lots[lot.ID] = lot
	}

	for i := range records {
		rec := &records[i]
		if rec.Quantity <= 0 {
			return &domain.InvariantError{
				PositionID: book.Position.ID,
				LotID:      rec.LotID,
				Detail:     fmt.Sprintf("exit record %s has quantity %d", rec.ID, rec.Quantity),
			}
		}
		if _, ok := lots[rec.LotID]; !ok {
			return &domain.InvariantError{
				PositionID: book.Position.ID,
				LotID:      rec.LotID,
				Detail:     fmt.Sprintf("exit record %s references unknown lot", rec.ID),
			}
		}
		consumed[rec.LotID] += rec.Quantity
	}

	for lotID, qty := range consumed {
		lot := lots[lotID]
		if qty+lot.RemainingQuantity != lot.OriginalQuantity {
			return &domain.InvariantError{
				PositionID: book.Position.ID,
				LotID:      lotID,
				Detail: fmt.Sprintf("consumed %d + remaining %d != original %d",
					qty, lot.RemainingQuantity, lot.OriginalQuantity),
			}
		}
	}

	return nil
}

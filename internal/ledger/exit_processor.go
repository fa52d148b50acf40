package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optledger/optledger/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// ExitRequest describes one exit against a position's open lots.
type ExitRequest struct {
	ExitDate  time.Time
	UnitPrice decimal.Decimal
	// Quantity is the number of contracts to close. Zero together with All
	// requests a total exit of whatever remains open.
	Quantity int64
	All      bool
	// Partial marks the caller's intent to leave the position open. A
	// partial request for the full remaining quantity (or more) is rejected
	// rather than silently promoted to a total exit.
	Partial bool
	// Strategy overrides the matching policy. Empty selects AUTO when the
	// open lots span more than one calendar day, FIFO otherwise.
	Strategy domain.MatchStrategy
}

// ProcessExit matches the requested quantity against the book's open lots,
// decrements them, and returns the batch of exit records, all sharing one
// fresh group id with sequence numbers from 1 in plan order. The book is not
// mutated on any error: planning is pure and decrements only begin once the
// full plan exists.
func ProcessExit(book *Book, req ExitRequest) ([]domain.ExitRecord, error) {
	if !req.UnitPrice.IsPositive() {
		return nil, domain.ErrInvalidPrice
	}

	remaining := book.OpenQuantity()

	qty := req.Quantity
	switch {
	case req.All:
		qty = remaining
		if qty == 0 {
			return nil, &domain.QuantityError{
				Sentinel:   domain.ErrInsufficientQuantity,
				PositionID: book.Position.ID,
				Requested:  qty,
			}
		}
	case qty <= 0:
		return nil, &domain.QuantityError{
			Sentinel:   domain.ErrInvalidQuantity,
			PositionID: book.Position.ID,
			Requested:  qty,
		}
	case req.Partial && qty >= remaining:
		return nil, &domain.QuantityError{
			Sentinel:   domain.ErrInvalidPartialExit,
			PositionID: book.Position.ID,
			Requested:  qty,
			Available:  remaining,
		}
	}

	strategy := req.Strategy
	if strategy == "" {
		if book.SpansMultipleDays() {
			strategy = domain.StrategyAuto
		} else {
			strategy = domain.StrategyFIFO
		}
	}

	plan, err := Plan(strategy, book.OpenLots(), qty)
	if err != nil {
		return nil, err
	}

	// A single consumption that empties the whole position in one shot is
	// the full-closure record; everything else is a partial consumption.
	role := domain.ExitRolePartial
	if len(plan) == 1 && plan[0].Quantity == remaining {
		role = domain.ExitRoleFull
	}

	groupID := uuid.New().String()
	now := time.Now().UTC()
	records := make([]domain.ExitRecord, 0, len(plan))

	for i, step := range plan {
		step.Lot.RemainingQuantity -= step.Quantity

		qtyDec := decimal.NewFromInt(step.Quantity)
		pnl := req.UnitPrice.Sub(step.Lot.UnitPrice).Mul(qtyDec)
		cost := step.Lot.UnitPrice.Mul(qtyDec)

		records = append(records, domain.ExitRecord{
			ID:             uuid.New().String(),
			PositionID:     book.Position.ID,
			LotID:          step.Lot.ID,
			LotEntryDate:   step.Lot.EntryDate,
			ExitDate:       req.ExitDate.UTC(),
			Quantity:       step.Quantity,
			EntryUnitPrice: step.Lot.UnitPrice,
			ExitUnitPrice:  req.UnitPrice,
			ProfitLoss:     pnl,
			ProfitLossPct:  pnl.Div(cost).Mul(hundred),
			Strategy:       strategy,
			GroupID:        groupID,
			Role:           role,
			Sequence:       i + 1,
			CreatedAt:      now,
		})
	}

	return records, nil
}

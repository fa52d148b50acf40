package ledger

import (
	"fmt"
	"sort"

	"github.com/optledger/optledger/internal/domain"
)

// Consumption is one step of an exit plan: take Quantity contracts out of Lot.
type Consumption struct {
	Lot      *domain.EntryLot
	Quantity int64
}

// Plan selects which lots an exit consumes from. It is a pure function: lots
// are not mutated, and for identical input the plan is identical. The
// returned consumptions sum to exactly quantity, or the call fails with
// ErrInsufficientQuantity when the open lots cannot cover the request.
func Plan(strategy domain.MatchStrategy, open []*domain.EntryLot, quantity int64) ([]Consumption, error) {
	if quantity <= 0 {
		return nil, domain.ErrInvalidQuantity
	}

	var available int64
	for _, lot := range open {
		available += lot.RemainingQuantity
	}
	if available < quantity {
		positionID := ""
		if len(open) > 0 {
			positionID = open[0].PositionID
		}
		return nil, &domain.QuantityError{
			Sentinel:   domain.ErrInsufficientQuantity,
			PositionID: positionID,
			Requested:  quantity,
			Available:  available,
		}
	}

	var ordered []*domain.EntryLot
	switch strategy {
	case domain.StrategyFIFO:
		ordered = sortLots(open, false)
	case domain.StrategyLIFO:
		ordered = sortLots(open, true)
	case domain.StrategyAuto:
		ordered = autoOrder(open)
	default:
		return nil, fmt.Errorf("ledger: unknown matching strategy %q", strategy)
	}

	return consume(ordered, quantity), nil
}

// consume walks the ordered lots greedily until the requested quantity is
// satisfied.
func consume(ordered []*domain.EntryLot, quantity int64) []Consumption {
	var plan []Consumption
	left := quantity
	for _, lot := range ordered {
		if left == 0 {
			break
		}
		take := lot.RemainingQuantity
		if take > left {
			take = left
		}
		plan = append(plan, Consumption{Lot: lot, Quantity: take})
		left -= take
	}
	return plan
}

// sortLots orders lots by entry date, oldest first unless newest is set.
// Lots sharing an entry date keep insertion order under FIFO and reverse it
// under LIFO, so matching stays deterministic for a given input.
func sortLots(open []*domain.EntryLot, newest bool) []*domain.EntryLot {
	ordered := make([]*domain.EntryLot, len(open))
	copy(ordered, open)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.EntryDate.Equal(b.EntryDate) {
			if newest {
				return a.EntryDate.After(b.EntryDate)
			}
			return a.EntryDate.Before(b.EntryDate)
		}
		if newest {
			return a.Seq > b.Seq
		}
		return a.Seq < b.Seq
	})
	return ordered
}

// autoOrder implements the hybrid strategy: lots sharing the most recent
// lot's calendar day are consumed newest-first, then the remaining older
// days are consumed oldest-first. Same-day round trips unwind against the
// intraday purchase; multi-day holdings unwind FIFO.
func autoOrder(open []*domain.EntryLot) []*domain.EntryLot {
	if len(open) == 0 {
		return nil
	}

	newest := open[0]
	for _, lot := range open[1:] {
		if lot.EntryDate.After(newest.EntryDate) ||
			(lot.EntryDate.Equal(newest.EntryDate) && lot.Seq > newest.Seq) {
			newest = lot
		}
	}
	today := newest.DayKey()

	var sameDay, older []*domain.EntryLot
	for _, lot := range open {
		if lot.DayKey() == today {
			sameDay = append(sameDay, lot)
		} else {
			older = append(older, lot)
		}
	}

	ordered := sortLots(sameDay, true)
	return append(ordered, sortLots(older, false)...)
}

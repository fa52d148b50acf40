package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/optledger/optledger/internal/domain"
)

// BuildRootView rolls an exit group up into the single consolidated record
// surfaced in default listings: summed quantity, quantity-weighted entry and
// exit prices, summed profit/loss, and the weighted percentage. Records are
// immutable history, so this is a pure read over the group, never a
// recomputation from lots.
func BuildRootView(records []domain.ExitRecord) (domain.RootRecord, error) {
	if len(records) == 0 {
		return domain.RootRecord{}, domain.ErrNotFound
	}

	groupID := records[0].GroupID
	for i := range records {
		if records[i].GroupID != groupID {
			return domain.RootRecord{}, &domain.InvariantError{
				PositionID: records[i].PositionID,
				Detail:     "exit records from mixed groups in one root view",
			}
		}
	}

	var qty int64
	entryValue := decimal.Zero
	exitValue := decimal.Zero
	pnl := decimal.Zero

	for i := range records {
		rec := &records[i]
		q := decimal.NewFromInt(rec.Quantity)
		qty += rec.Quantity
		entryValue = entryValue.Add(rec.EntryUnitPrice.Mul(q))
		exitValue = exitValue.Add(rec.ExitUnitPrice.Mul(q))
		pnl = pnl.Add(rec.ProfitLoss)
	}

	qtyDec := decimal.NewFromInt(qty)
	root := domain.RootRecord{
		GroupID:        groupID,
		PositionID:     records[0].PositionID,
		ExitDate:       records[0].ExitDate,
		Quantity:       qty,
		EntryUnitPrice: entryValue.Div(qtyDec),
		ExitUnitPrice:  exitValue.Div(qtyDec),
		ProfitLoss:     pnl,
		ProfitLossPct:  pnl.Div(entryValue).Mul(hundred),
		Strategy:       records[0].Strategy,
		Records:        len(records),
	}
	return root, nil
}

// ExpandGroup returns the detail records behind a root view: every record in
// the group except the root itself (the lowest sequence number), ordered by
// sequence ascending.
func ExpandGroup(records []domain.ExitRecord) []domain.ExitRecord {
	if len(records) == 0 {
		return nil
	}

	expanded := make([]domain.ExitRecord, len(records))
	copy(expanded, records)
	sort.SliceStable(expanded, func(i, j int) bool {
		return expanded[i].Sequence < expanded[j].Sequence
	})
	return expanded[1:]
}

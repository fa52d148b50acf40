package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optledger/optledger/internal/domain"
)

func TestRecomputePartialClosure(t *testing.T) {
	book := bookWith(t)

	records, err := ProcessExit(book, ExitRequest{
		ExitDate:  day("2020-02-01"),
		UnitPrice: price("15.00"),
		Quantity:  120,
		Strategy:  domain.StrategyFIFO,
	})
	require.NoError(t, err)

	require.NoError(t, Recompute(book, records, nil))
	pos := book.Position

	assert.Equal(t, int64(150), pos.TotalQuantity)
	assert.Equal(t, int64(30), pos.RemainingQuantity)
	assert.Equal(t, domain.PositionStatusPartiallyClosed, pos.Status)
	assert.True(t, pos.TotalInvested.Equal(price("1600.00")))
	// Only the second lot is open, so the average entry reflects its price.
	assert.True(t, pos.AvgEntryPrice.Equal(price("12.00")))
	assert.True(t, pos.CurrentInvested.Equal(price("360.00")))
	assert.True(t, pos.RealizedPnL.Equal(price("560.00")))
	assert.Nil(t, pos.UnrealizedPnL)
	assert.Nil(t, pos.AvgExitPrice)
}

func TestRecomputeFullClosure(t *testing.T) {
	book := bookWith(t)

	records, err := ProcessExit(book, ExitRequest{
		ExitDate:  day("2020-02-01"),
		UnitPrice: price("15.00"),
		All:       true,
		Strategy:  domain.StrategyFIFO,
	})
	require.NoError(t, err)

	require.NoError(t, Recompute(book, records, nil))
	pos := book.Position

	assert.Equal(t, int64(0), pos.RemainingQuantity)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.True(t, pos.RealizedPnL.Equal(price("650.00")))

	require.NotNil(t, pos.UnrealizedPnL)
	assert.True(t, pos.UnrealizedPnL.IsZero())

	require.NotNil(t, pos.AvgExitPrice)
	assert.True(t, pos.AvgExitPrice.Equal(price("15.00")))
}

func TestRecomputeUnrealizedRequiresMarketPrice(t *testing.T) {
	book := newTestBook()
	_, err := book.AddEntry(day("2020-01-01"), price("10.00"), 100, "op-1")
	require.NoError(t, err)

	require.NoError(t, Recompute(book, nil, nil))
	assert.Nil(t, book.Position.UnrealizedPnL)

	mkt := price("13.00")
	require.NoError(t, Recompute(book, nil, &mkt))
	require.NotNil(t, book.Position.UnrealizedPnL)
	assert.True(t, book.Position.UnrealizedPnL.Equal(price("300.00")),
		"got %s", book.Position.UnrealizedPnL)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	book := bookWith(t)

	records, err := ProcessExit(book, ExitRequest{
		ExitDate:  day("2020-02-01"),
		UnitPrice: price("15.00"),
		Quantity:  120,
		Strategy:  domain.StrategyFIFO,
	})
	require.NoError(t, err)

	require.NoError(t, Recompute(book, records, nil))
	first := book.Position
	require.NoError(t, Recompute(book, records, nil))
	second := book.Position

	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.RemainingQuantity, second.RemainingQuantity)
	assert.True(t, first.AvgEntryPrice.Equal(second.AvgEntryPrice))
	assert.True(t, first.RealizedPnL.Equal(second.RealizedPnL))
	assert.True(t, first.TotalInvested.Equal(second.TotalInvested))
}

func TestRecomputeFreezesAvgEntryAtClosure(t *testing.T) {
	book := bookWith(t)

	partial, err := ProcessExit(book, ExitRequest{
		ExitDate:  day("2020-02-01"),
		UnitPrice: price("15.00"),
		Quantity:  120,
		Strategy:  domain.StrategyFIFO,
	})
	require.NoError(t, err)
	require.NoError(t, Recompute(book, partial, nil))
	require.True(t, book.Position.AvgEntryPrice.Equal(price("12.00")))

	closing, err := ProcessExit(book, ExitRequest{
		ExitDate:  day("2020-02-02"),
		UnitPrice: price("14.00"),
		All:       true,
	})
	require.NoError(t, err)

	all := append(partial, closing...)
	require.NoError(t, Recompute(book, all, nil))

	assert.Equal(t, domain.PositionStatusClosed, book.Position.Status)
	// The closure freezes the average entry at the last open cost basis.
	assert.True(t, book.Position.AvgEntryPrice.Equal(price("12.00")))
}

func TestRecomputeQuantityConservation(t *testing.T) {
	book := bookWith(t)

	records, err := ProcessExit(book, ExitRequest{
		ExitDate:  day("2020-02-01"),
		UnitPrice: price("15.00"),
		Quantity:  70,
		Strategy:  domain.StrategyLIFO,
	})
	require.NoError(t, err)
	require.NoError(t, Recompute(book, records, nil))

	var exited int64
	for _, rec := range records {
		exited += rec.Quantity
	}
	assert.Equal(t, book.Position.TotalQuantity,
		book.Position.RemainingQuantity+exited)
}

func TestRecomputeDetectsCorruptLot(t *testing.T) {
	book := bookWith(t)
	book.Lots[0].RemainingQuantity = -1

	err := Recompute(book, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	book.Lots[0].RemainingQuantity = book.Lots[0].OriginalQuantity + 1
	err = Recompute(book, nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestRecomputeDetectsOverdrawnRecords(t *testing.T) {
	book := bookWith(t)

	records, err := ProcessExit(book, ExitRequest{
		ExitDate:  day("2020-02-01"),
		UnitPrice: price("15.00"),
		Quantity:  50,
		Strategy:  domain.StrategyFIFO,
	})
	require.NoError(t, err)

	// Tamper with history so consumed + remaining no longer matches.
	records[0].Quantity += 10
	err = Recompute(book, records, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestRecomputeDetectsUnknownLotReference(t *testing.T) {
	book := bookWith(t)

	records := []domain.ExitRecord{{
		ID:         "rec-1",
		PositionID: "pos-1",
		LotID:      "no-such-lot",
		Quantity:   5,
	}}
	err := Recompute(book, records, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	var ierr *domain.InvariantError
	require.ErrorAs(t, err, &ierr)
	assert.Equal(t, "no-such-lot", ierr.LotID)
}

func TestRecomputeEmptyBookIsActive(t *testing.T) {
	book := newTestBook()
	require.NoError(t, Recompute(book, nil, nil))

	assert.Equal(t, domain.PositionStatusActive, book.Position.Status)
	assert.Equal(t, int64(0), book.Position.TotalQuantity)
	assert.True(t, book.Position.RealizedPnL.Equal(decimal.Zero))
}

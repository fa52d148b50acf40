package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks how much of a position remains open.
type PositionStatus string

const (
	PositionStatusActive          PositionStatus = "ACTIVE"
	PositionStatusPartiallyClosed PositionStatus = "PARTIALLY_CLOSED"
	PositionStatusClosed          PositionStatus = "CLOSED"
)

// OptionType is the option contract class.
type OptionType string

const (
	OptionTypeCall OptionType = "CALL"
	OptionTypePut  OptionType = "PUT"
)

// Direction is the side of the position on the option series.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Position is one option series held through a single brokerage by one user.
// The quantity and pricing aggregates are derived fields recomputed after
// every mutation; they are never written piecemeal.
type Position struct {
	ID         string
	SeriesCode string // option series ticker, e.g. "PETR4C245"
	OptionType OptionType
	Direction  Direction
	Status     PositionStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time

	TotalQuantity     int64
	RemainingQuantity int64

	// AvgEntryPrice is weighted by remaining quantity over open lots. Once
	// the position fully closes it is frozen at the cost basis of the last
	// open set.
	AvgEntryPrice decimal.Decimal
	// AvgExitPrice is nil until the position is fully closed.
	AvgExitPrice *decimal.Decimal

	TotalInvested   decimal.Decimal
	CurrentInvested decimal.Decimal
	RealizedPnL     decimal.Decimal
	// UnrealizedPnL is nil when no market price was available at the last
	// recompute; it is never defaulted to zero.
	UnrealizedPnL *decimal.Decimal

	// BrokerageID and AnalysisRef are opaque foreign keys owned by the
	// hosting application; the engine stores them without validation.
	BrokerageID string
	AnalysisRef *string
}

// Open reports whether the position still has open quantity.
func (p *Position) Open() bool {
	return p.Status != PositionStatusClosed
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchStrategy selects which lots an exit consumes from.
type MatchStrategy string

const (
	// StrategyFIFO consumes the oldest lots first.
	StrategyFIFO MatchStrategy = "FIFO"
	// StrategyLIFO consumes the newest lots first.
	StrategyLIFO MatchStrategy = "LIFO"
	// StrategyAuto consumes same-day lots newest-first, then falls back to
	// FIFO across older days. Intraday round trips unwind against the most
	// recent same-day purchase; multi-day holdings unwind oldest-first.
	StrategyAuto MatchStrategy = "AUTO"
)

// ExitRole distinguishes the record that closed a position's entire remaining
// quantity in a single lot consumption from partial consumptions.
type ExitRole string

const (
	ExitRoleFull    ExitRole = "FULL"
	ExitRolePartial ExitRole = "PARTIAL"
)

// ExitRecord is one unit of consumption of a specific lot by a specific exit
// request. Records are append-only: corrections are modeled as new offsetting
// records, never edits.
type ExitRecord struct {
	ID         string
	PositionID string
	LotID      string
	// LotEntryDate and EntryUnitPrice are copied from the lot at consumption
	// time so the record stands alone as audit history.
	LotEntryDate   time.Time
	ExitDate       time.Time
	Quantity       int64
	EntryUnitPrice decimal.Decimal
	ExitUnitPrice  decimal.Decimal
	ProfitLoss     decimal.Decimal
	ProfitLossPct  decimal.Decimal
	Strategy       MatchStrategy
	// GroupID is shared by every record born from the same exit request.
	GroupID string
	Role    ExitRole
	// Sequence starts at 1 within a group and follows plan order.
	Sequence int
	CreatedAt time.Time
}

// RootRecord is the consolidated view of one exit group: the single row
// surfaced in default listings, with per-lot detail available on expansion.
type RootRecord struct {
	GroupID        string
	PositionID     string
	ExitDate       time.Time
	Quantity       int64
	EntryUnitPrice decimal.Decimal // quantity-weighted across the group
	ExitUnitPrice  decimal.Decimal // quantity-weighted across the group
	ProfitLoss     decimal.Decimal
	ProfitLossPct  decimal.Decimal
	Strategy       MatchStrategy
	Records        int
}

// Package service exposes the engine's boundary operations to the hosting
// application: recording entries, processing exits, and reading positions,
// lots, and consolidated exit groups.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/optledger/optledger/internal/domain"
	"github.com/optledger/optledger/internal/ledger"
)

// lockTTL bounds how long a crashed holder can leave a position locked.
const lockTTL = 30 * time.Second

// EntryParams describes one entry operation. The position descriptor fields
// are only consulted when the entry opens a new position lineage.
type EntryParams struct {
	SeriesCode  string
	OptionType  domain.OptionType
	Direction   domain.Direction
	BrokerageID string
	AnalysisRef *string

	SourceOperationID string
	EntryDate         time.Time
	UnitPrice         decimal.Decimal
	Quantity          int64
}

// ExitParams describes one exit request.
type ExitParams struct {
	ExitDate  time.Time
	UnitPrice decimal.Decimal
	Quantity  int64
	// All requests a total exit of the remaining quantity; Quantity is
	// ignored when set.
	All bool
	// Partial asserts the caller intends to leave quantity open.
	Partial bool
	// Strategy optionally forces FIFO or LIFO; empty picks the default.
	Strategy domain.MatchStrategy
}

// PositionService orchestrates the lot accounting core against the stores.
// Every mutation of a position runs under that position's exclusive lock;
// reads take no lock and see the latest committed state.
type PositionService struct {
	positions domain.PositionStore
	lots      domain.LotStore
	exits     domain.ExitRecordStore
	audit     domain.AuditStore
	prices    domain.PriceCache
	locks     domain.LockManager
	bus       domain.SignalBus
	logger    *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	positions domain.PositionStore,
	lots domain.LotStore,
	exits domain.ExitRecordStore,
	audit domain.AuditStore,
	prices domain.PriceCache,
	locks domain.LockManager,
	bus domain.SignalBus,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		lots:      lots,
		exits:     exits,
		audit:     audit,
		prices:    prices,
		locks:     locks,
		bus:       bus,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// AddEntry records a purchase. When positionID is empty, or names a CLOSED
// position, a fresh position lineage is opened instead of reopening history.
// The returned position reflects the recomputed aggregates.
func (s *PositionService) AddEntry(ctx context.Context, positionID string, p EntryParams) (domain.Position, domain.EntryLot, error) {
	var (
		pos      domain.Position
		lots     []domain.EntryLot
		creating bool
	)

	if positionID != "" {
		unlock, err := s.locks.AcquireWait(ctx, positionLockKey(positionID), lockTTL)
		if err != nil {
			return domain.Position{}, domain.EntryLot{}, fmt.Errorf("service: lock position %s: %w", positionID, err)
		}
		defer unlock()

		pos, err = s.positions.GetByID(ctx, positionID)
		if err != nil {
			return domain.Position{}, domain.EntryLot{}, fmt.Errorf("service: get position %s: %w", positionID, err)
		}
		if pos.Status == domain.PositionStatusClosed {
			// Closed positions are terminal audit history. The entry opens
			// a new lineage rather than reopening the old one.
			creating = true
		} else {
			lots, err = s.lots.ListByPosition(ctx, positionID)
			if err != nil {
				return domain.Position{}, domain.EntryLot{}, fmt.Errorf("service: list lots %s: %w", positionID, err)
			}
		}
	} else {
		creating = true
	}

	now := time.Now().UTC()
	if creating {
		pos = domain.Position{
			ID:          uuid.New().String(),
			SeriesCode:  p.SeriesCode,
			OptionType:  p.OptionType,
			Direction:   p.Direction,
			Status:      domain.PositionStatusActive,
			CreatedAt:   now,
			BrokerageID: p.BrokerageID,
			AnalysisRef: p.AnalysisRef,
		}
		lots = nil
	}

	book := ledger.NewBook(pos, lots)
	lot, err := book.AddEntry(p.EntryDate, p.UnitPrice, p.Quantity, p.SourceOperationID)
	if err != nil {
		return domain.Position{}, domain.EntryLot{}, err
	}

	var records []domain.ExitRecord
	if !creating {
		records, err = s.exits.ListByPosition(ctx, pos.ID)
		if err != nil {
			return domain.Position{}, domain.EntryLot{}, fmt.Errorf("service: list exit records %s: %w", pos.ID, err)
		}
	}

	if err := ledger.Recompute(book, records, s.marketPrice(ctx, pos.SeriesCode)); err != nil {
		return domain.Position{}, domain.EntryLot{}, err
	}
	book.Position.UpdatedAt = now

	if err := s.lots.ApplyEntry(ctx, domain.EntryBatch{
		Position: book.Position,
		Lot:      lot,
		Creating: creating,
	}); err != nil {
		return domain.Position{}, domain.EntryLot{}, fmt.Errorf("service: apply entry %s: %w", book.Position.ID, err)
	}

	s.recordEvent(ctx, "entry_added", map[string]any{
		"position_id": book.Position.ID,
		"lot_id":      lot.ID,
		"series":      book.Position.SeriesCode,
		"quantity":    lot.OriginalQuantity,
		"unit_price":  lot.UnitPrice.String(),
		"new_lineage": creating,
	})

	s.logger.InfoContext(ctx, "entry added",
		slog.String("position_id", book.Position.ID),
		slog.String("lot_id", lot.ID),
		slog.Int64("quantity", lot.OriginalQuantity),
		slog.Bool("new_lineage", creating),
	)

	return book.Position, lot, nil
}

// RequestExit matches the requested quantity against the position's open
// lots and applies the resulting batch atomically. On any matching error no
// lot is mutated and no record is created.
func (s *PositionService) RequestExit(ctx context.Context, positionID string, p ExitParams) ([]domain.ExitRecord, error) {
	unlock, err := s.locks.AcquireWait(ctx, positionLockKey(positionID), lockTTL)
	if err != nil {
		return nil, fmt.Errorf("service: lock position %s: %w", positionID, err)
	}
	defer unlock()

	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("service: get position %s: %w", positionID, err)
	}
	lots, err := s.lots.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("service: list lots %s: %w", positionID, err)
	}
	history, err := s.exits.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("service: list exit records %s: %w", positionID, err)
	}

	book := ledger.NewBook(pos, lots)
	batch, err := ledger.ProcessExit(book, ledger.ExitRequest{
		ExitDate:  p.ExitDate,
		UnitPrice: p.UnitPrice,
		Quantity:  p.Quantity,
		All:       p.All,
		Partial:   p.Partial,
		Strategy:  p.Strategy,
	})
	if err != nil {
		return nil, err
	}

	if err := ledger.Recompute(book, append(history, batch...), s.marketPrice(ctx, pos.SeriesCode)); err != nil {
		return nil, err
	}
	book.Position.UpdatedAt = time.Now().UTC()

	if err := s.exits.ApplyExit(ctx, domain.ExitBatch{
		Position: book.Position,
		Lots:     book.Lots,
		Records:  batch,
	}); err != nil {
		return nil, fmt.Errorf("service: apply exit %s: %w", positionID, err)
	}

	s.recordEvent(ctx, "exit_processed", map[string]any{
		"position_id": positionID,
		"group_id":    batch[0].GroupID,
		"strategy":    string(batch[0].Strategy),
		"records":     len(batch),
		"remaining":   book.Position.RemainingQuantity,
	})
	if book.Position.Status == domain.PositionStatusClosed {
		s.recordEvent(ctx, "position_closed", map[string]any{
			"position_id":  positionID,
			"realized_pnl": book.Position.RealizedPnL.String(),
		})
	}

	s.logger.InfoContext(ctx, "exit processed",
		slog.String("position_id", positionID),
		slog.String("group_id", batch[0].GroupID),
		slog.String("strategy", string(batch[0].Strategy)),
		slog.Int("records", len(batch)),
		slog.Int64("remaining", book.Position.RemainingQuantity),
	)

	return batch, nil
}

// GetPosition returns the position with its aggregates refreshed against the
// latest cached market price. The refreshed valuation is not persisted; it is
// a read-side view. With open quantity and no cached quote, UnrealizedPnL is
// cleared rather than served from a stale mutation-time valuation.
func (s *PositionService) GetPosition(ctx context.Context, positionID string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("service: get position %s: %w", positionID, err)
	}
	if pos.RemainingQuantity == 0 {
		return pos, nil
	}

	price := s.marketPrice(ctx, pos.SeriesCode)
	if price == nil {
		pos.UnrealizedPnL = nil
		return pos, nil
	}
	u := price.Sub(pos.AvgEntryPrice).Mul(decimal.NewFromInt(pos.RemainingQuantity))
	pos.UnrealizedPnL = &u
	return pos, nil
}

// ListLots returns the position's lots in insertion order, exhausted lots
// included.
func (s *PositionService) ListLots(ctx context.Context, positionID string) ([]domain.EntryLot, error) {
	lots, err := s.lots.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("service: list lots %s: %w", positionID, err)
	}
	return lots, nil
}

// RootView consolidates one exit group into its displayed root record.
func (s *PositionService) RootView(ctx context.Context, groupID string) (domain.RootRecord, error) {
	records, err := s.exits.ListByGroup(ctx, groupID)
	if err != nil {
		return domain.RootRecord{}, fmt.Errorf("service: list group %s: %w", groupID, err)
	}
	return ledger.BuildRootView(records)
}

// ExpandGroup returns the detail records behind a group's root, ordered by
// sequence. Expansion is a pure read over immutable history.
func (s *PositionService) ExpandGroup(ctx context.Context, groupID string) ([]domain.ExitRecord, error) {
	records, err := s.exits.ListByGroup(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("service: list group %s: %w", groupID, err)
	}
	if len(records) == 0 {
		return nil, domain.ErrNotFound
	}
	return ledger.ExpandGroup(records), nil
}

// marketPrice fetches the latest cached price for a series. A missing price
// is not an error; valuation is simply skipped.
func (s *PositionService) marketPrice(ctx context.Context, seriesCode string) *decimal.Decimal {
	price, _, err := s.prices.GetPrice(ctx, seriesCode)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "price lookup failed",
				slog.String("series", seriesCode),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}
	return &price
}

// recordEvent writes the audit row and publishes the lifecycle event. Both
// are best-effort: a failed audit or publish is logged, not surfaced, since
// the ledger mutation has already committed.
func (s *PositionService) recordEvent(ctx context.Context, event string, detail map[string]any) {
	detail["event"] = event
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}

	payload, _ := json.Marshal(detail)
	if err := s.bus.Publish(ctx, "positions", payload); err != nil {
		s.logger.WarnContext(ctx, "event publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func positionLockKey(positionID string) string {
	return "position:" + positionID
}

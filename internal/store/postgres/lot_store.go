package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optledger/optledger/internal/domain"
)

// LotStore implements domain.LotStore using PostgreSQL.
type LotStore struct {
	pool *pgxpool.Pool
}

// NewLotStore creates a new LotStore backed by the given connection pool.
func NewLotStore(pool *pgxpool.Pool) *LotStore {
	return &LotStore{pool: pool}
}

const lotInsert = `
	INSERT INTO entry_lots (
		id, position_id, source_operation_id, entry_date, unit_price,
		original_quantity, remaining_quantity, total_value, seq
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// ApplyEntry persists one recorded entry in a single transaction: the position
// insert or aggregate update and the lot insert land together or not at all,
// so stored totals never claim quantity without a backing lot.
func (s *LotStore) ApplyEntry(ctx context.Context, batch domain.EntryBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin entry tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p := batch.Position
	if batch.Creating {
		if _, err := tx.Exec(ctx, positionInsert,
			p.ID, p.SeriesCode, string(p.OptionType), string(p.Direction), string(p.Status),
			p.CreatedAt, p.UpdatedAt, p.TotalQuantity, p.RemainingQuantity,
			p.AvgEntryPrice, p.AvgExitPrice, p.TotalInvested, p.CurrentInvested,
			p.RealizedPnL, p.UnrealizedPnL, p.BrokerageID, p.AnalysisRef,
		); err != nil {
			return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
		}
	} else {
		tag, err := tx.Exec(ctx, positionUpdate,
			p.ID, string(p.Status), p.UpdatedAt,
			p.TotalQuantity, p.RemainingQuantity,
			p.AvgEntryPrice, p.AvgExitPrice,
			p.TotalInvested, p.CurrentInvested,
			p.RealizedPnL, p.UnrealizedPnL,
		)
		if err != nil {
			return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: update position %s: %w", p.ID, domain.ErrNotFound)
		}
	}

	lot := batch.Lot
	if _, err := tx.Exec(ctx, lotInsert,
		lot.ID, lot.PositionID, lot.SourceOperationID, lot.EntryDate, lot.UnitPrice,
		lot.OriginalQuantity, lot.RemainingQuantity, lot.TotalValue, lot.Seq,
	); err != nil {
		return fmt.Errorf("postgres: create lot %s: %w", lot.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit entry tx: %w", err)
	}
	return nil
}

// ListByPosition returns every lot of a position in insertion order,
// exhausted lots included.
func (s *LotStore) ListByPosition(ctx context.Context, positionID string) ([]domain.EntryLot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, source_operation_id, entry_date, unit_price,
		        original_quantity, remaining_quantity, total_value, seq
		 FROM entry_lots
		 WHERE position_id = $1
		 ORDER BY seq`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list lots for %s: %w", positionID, err)
	}
	defer rows.Close()

	var lots []domain.EntryLot
	for rows.Next() {
		var lot domain.EntryLot
		if err := rows.Scan(
			&lot.ID, &lot.PositionID, &lot.SourceOperationID, &lot.EntryDate, &lot.UnitPrice,
			&lot.OriginalQuantity, &lot.RemainingQuantity, &lot.TotalValue, &lot.Seq,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan lot: %w", err)
		}
		lots = append(lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list lots rows: %w", err)
	}
	return lots, nil
}

// Compile-time interface check.
var _ domain.LotStore = (*LotStore)(nil)

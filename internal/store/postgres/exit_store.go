package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optledger/optledger/internal/domain"
)

// ExitRecordStore implements domain.ExitRecordStore using PostgreSQL.
type ExitRecordStore struct {
	pool *pgxpool.Pool
}

// NewExitRecordStore creates a new ExitRecordStore backed by the given
// connection pool.
func NewExitRecordStore(pool *pgxpool.Pool) *ExitRecordStore {
	return &ExitRecordStore{pool: pool}
}

const exitRecordInsert = `
	INSERT INTO exit_records (
		id, position_id, lot_id, lot_entry_date, exit_date, quantity,
		entry_unit_price, exit_unit_price, profit_loss, profit_loss_pct,
		strategy, group_id, role, sequence, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

const exitRecordSelectCols = `id, position_id, lot_id, lot_entry_date, exit_date,
	quantity, entry_unit_price, exit_unit_price, profit_loss, profit_loss_pct,
	strategy, group_id, role, sequence, created_at`

// ApplyExit persists one processed exit batch in a single transaction: lot
// decrements, record inserts, and the position update land together or not at
// all. A multi-lot plan is never observable half-applied.
func (s *ExitRecordStore) ApplyExit(ctx context.Context, batch domain.ExitBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin exit tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range batch.Lots {
		lot := &batch.Lots[i]
		tag, err := tx.Exec(ctx,
			`UPDATE entry_lots SET remaining_quantity = $2 WHERE id = $1`,
			lot.ID, lot.RemainingQuantity,
		)
		if err != nil {
			return fmt.Errorf("postgres: update lot %s: %w", lot.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("postgres: update lot %s: %w", lot.ID, domain.ErrNotFound)
		}
	}

	for i := range batch.Records {
		rec := &batch.Records[i]
		if _, err := tx.Exec(ctx, exitRecordInsert,
			rec.ID, rec.PositionID, rec.LotID, rec.LotEntryDate, rec.ExitDate, rec.Quantity,
			rec.EntryUnitPrice, rec.ExitUnitPrice, rec.ProfitLoss, rec.ProfitLossPct,
			string(rec.Strategy), rec.GroupID, string(rec.Role), rec.Sequence, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("postgres: insert exit record %s: %w", rec.ID, err)
		}
	}

	p := batch.Position
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

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit exit tx: %w", err)
	}
	return nil
}

func scanExitRecords(rows pgx.Rows) ([]domain.ExitRecord, error) {
	var records []domain.ExitRecord
	for rows.Next() {
		var rec domain.ExitRecord
		var strategy, role string

		if err := rows.Scan(
			&rec.ID, &rec.PositionID, &rec.LotID, &rec.LotEntryDate, &rec.ExitDate,
			&rec.Quantity, &rec.EntryUnitPrice, &rec.ExitUnitPrice, &rec.ProfitLoss, &rec.ProfitLossPct,
			&strategy, &rec.GroupID, &role, &rec.Sequence, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Strategy = domain.MatchStrategy(strategy)
		rec.Role = domain.ExitRole(role)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListByPosition returns every exit record ever produced for a position, in
// creation order.
func (s *ExitRecordStore) ListByPosition(ctx context.Context, positionID string) ([]domain.ExitRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exitRecordSelectCols+` FROM exit_records
		 WHERE position_id = $1
		 ORDER BY created_at, sequence`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list exit records for %s: %w", positionID, err)
	}
	defer rows.Close()

	records, err := scanExitRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan exit records: %w", err)
	}
	return records, nil
}

// ListByGroup returns every record of an exit group ordered by sequence.
func (s *ExitRecordStore) ListByGroup(ctx context.Context, groupID string) ([]domain.ExitRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+exitRecordSelectCols+` FROM exit_records
		 WHERE group_id = $1
		 ORDER BY sequence`, groupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list group %s: %w", groupID, err)
	}
	defer rows.Close()

	records, err := scanExitRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan group records: %w", err)
	}
	return records, nil
}

// Compile-time interface check.
var _ domain.ExitRecordStore = (*ExitRecordStore)(nil)

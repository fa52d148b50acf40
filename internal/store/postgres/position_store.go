package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/optledger/optledger/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, series_code, option_type, direction, status,
	created_at, updated_at, total_quantity, remaining_quantity,
	avg_entry_price, avg_exit_price, total_invested, current_invested,
	realized_pnl, unrealized_pnl, brokerage_id, analysis_ref`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var optionType, direction, status string

	err := row.Scan(
		&p.ID, &p.SeriesCode, &optionType, &direction, &status,
		&p.CreatedAt, &p.UpdatedAt, &p.TotalQuantity, &p.RemainingQuantity,
		&p.AvgEntryPrice, &p.AvgExitPrice, &p.TotalInvested, &p.CurrentInvested,
		&p.RealizedPnL, &p.UnrealizedPnL, &p.BrokerageID, &p.AnalysisRef,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.OptionType = domain.OptionType(optionType)
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// positionInsert and positionUpdate are shared by the entry and exit
// transactions in lot_store.go and exit_store.go; position rows are only ever
// written inside those transactions.
const positionInsert = `
	INSERT INTO positions (
		id, series_code, option_type, direction, status,
		created_at, updated_at, total_quantity, remaining_quantity,
		avg_entry_price, avg_exit_price, total_invested, current_invested,
		realized_pnl, unrealized_pnl, brokerage_id, analysis_ref
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9,
		$10, $11, $12, $13,
		$14, $15, $16, $17
	)`

const positionUpdate = `
	UPDATE positions SET
		status             = $2,
		updated_at         = $3,
		total_quantity     = $4,
		remaining_quantity = $5,
		avg_entry_price    = $6,
		avg_exit_price     = $7,
		total_invested     = $8,
		current_invested   = $9,
		realized_pnl       = $10,
		unrealized_pnl     = $11
	WHERE id = $1`

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns all positions with open quantity for the given brokerage.
// An empty brokerageID lists open positions across every brokerage.
func (s *PositionStore) ListOpen(ctx context.Context, brokerageID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status <> 'CLOSED'`
	args := []any{}
	if brokerageID != "" {
		query += ` AND brokerage_id = $1`
		args = append(args, brokerageID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// ListClosedBefore returns positions closed before the given cutoff, used by
// the cold-storage archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status = 'CLOSED' AND updated_at < $1
		 ORDER BY updated_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)

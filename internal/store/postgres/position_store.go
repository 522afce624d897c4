package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/lpkeeper/internal/domain"
)

// PositionRepository implements domain.PositionRepository.
type PositionRepository struct {
	pool *pgxpool.Pool
}

// NewPositionRepository creates a PositionRepository backed by pool.
func NewPositionRepository(pool *pgxpool.Pool) *PositionRepository {
	return &PositionRepository{pool: pool}
}

const positionSelectCols = `address, pool_address, lower_bin_id, upper_bin_id, side, mode,
	deposited::text, signature, status, opened_at, closed_at`

func scanPosition(row pgx.Row) (domain.PositionState, error) {
	var (
		st                      domain.PositionState
		side, mode, status, dep string
	)
	if err := row.Scan(
		&st.Address, &st.PoolAddress, &st.LowerBinID, &st.UpperBinID,
		&side, &mode, &dep, &st.Signature, &status,
		&st.OpenedAt, &st.ClosedAt,
	); err != nil {
		return domain.PositionState{}, err
	}
	d, err := decimal.NewFromString(dep)
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("deposited %q: %w", dep, err)
	}
	st.Deposited = d
	st.Side = domain.TokenSide(side)
	st.Mode = domain.DistributionMode(mode)
	st.Status = domain.PositionStatus(status)
	return st, nil
}

// Upsert inserts or replaces a position.
func (r *PositionRepository) Upsert(ctx context.Context, st domain.PositionState) error {
	const query = `
		INSERT INTO positions (
			address, pool_address, lower_bin_id, upper_bin_id, side, mode,
			deposited, signature, status, opened_at, closed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10, $11, NOW())
		ON CONFLICT (address) DO UPDATE SET
			pool_address = EXCLUDED.pool_address,
			lower_bin_id = EXCLUDED.lower_bin_id,
			upper_bin_id = EXCLUDED.upper_bin_id,
			side         = EXCLUDED.side,
			mode         = EXCLUDED.mode,
			deposited    = EXCLUDED.deposited,
			signature    = EXCLUDED.signature,
			status       = EXCLUDED.status,
			closed_at    = EXCLUDED.closed_at,
			updated_at   = NOW()`
	opened := st.OpenedAt
	if opened.IsZero() {
		opened = time.Now().UTC()
	}
	status := st.Status
	if status == "" {
		status = domain.PositionStatusOpen
	}
	_, err := r.pool.Exec(ctx, query,
		st.Address, st.PoolAddress, st.LowerBinID, st.UpperBinID,
		string(st.Side), string(st.Mode), st.Deposited.String(), st.Signature,
		string(status), opened, st.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", st.Address, err)
	}
	return nil
}

// Delete marks a position closed. Rows are kept for history.
func (r *PositionRepository) Delete(ctx context.Context, address string) error {
	const query = `
		UPDATE positions SET status = 'closed', closed_at = NOW(), updated_at = NOW()
		WHERE address = $1 AND status = 'open'`
	if _, err := r.pool.Exec(ctx, query, address); err != nil {
		return fmt.Errorf("postgres: close position %s: %w", address, err)
	}
	return nil
}

// ListOpen returns every open position.
func (r *PositionRepository) ListOpen(ctx context.Context) ([]domain.PositionState, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE status = 'open' ORDER BY opened_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.PositionState
	for rows.Next() {
		st, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

var _ domain.PositionRepository = (*PositionRepository)(nil)

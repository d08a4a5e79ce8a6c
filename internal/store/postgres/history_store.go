package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/copyrig/copyrig/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL.
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given connection pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

// Insert appends one completed copy to the history table.
func (s *HistoryStore) Insert(ctx context.Context, rec domain.CopyRecord) error {
	const query = `
		INSERT INTO copy_history
			(route_id, symbol, side, source_position, dest_position,
			 source_volume, dest_volume, open_price, profit, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, query,
		rec.RouteID, rec.Symbol, string(rec.Side), rec.SourcePosition, rec.DestPosition,
		rec.SourceVolume, rec.DestVolume, rec.OpenPrice, rec.Profit, rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert copy record for route %s: %w", rec.RouteID, err)
	}
	return nil
}

// ListByRoute returns completed copies for a route, newest first.
func (s *HistoryStore) ListByRoute(ctx context.Context, routeID string, opts domain.ListOpts) ([]domain.CopyRecord, error) {
	query := `
		SELECT route_id, symbol, side, source_position, dest_position,
		       source_volume, dest_volume, open_price, profit, opened_at, closed_at
		FROM copy_history
		WHERE route_id = $1`
	args := []any{routeID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list copy history for route %s: %w", routeID, err)
	}
	defer rows.Close()

	var records []domain.CopyRecord
	for rows.Next() {
		var (
			rec  domain.CopyRecord
			side string
		)
		if err := rows.Scan(
			&rec.RouteID, &rec.Symbol, &side, &rec.SourcePosition, &rec.DestPosition,
			&rec.SourceVolume, &rec.DestVolume, &rec.OpenPrice, &rec.Profit,
			&rec.OpenedAt, &rec.ClosedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan copy record: %w", err)
		}
		rec.Side = domain.Side(side)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list copy history rows: %w", err)
	}
	return records, nil
}

// SumProfit returns the realized profit for a route since the given time.
func (s *HistoryStore) SumProfit(ctx context.Context, routeID string, since time.Time) (decimal.Decimal, error) {
	const query = `
		SELECT COALESCE(SUM(profit), 0)
		FROM copy_history
		WHERE route_id = $1 AND closed_at >= $2`

	var sum decimal.Decimal
	if err := s.pool.QueryRow(ctx, query, routeID, since).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("postgres: sum profit for route %s: %w", routeID, err)
	}
	return sum, nil
}

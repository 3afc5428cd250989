package repository

import (
	"context"
	"fmt"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const createPriceHistoryTable = `
CREATE TABLE IF NOT EXISTS price_history (
    id        BIGSERIAL   PRIMARY KEY,
    metal     TEXT        NOT NULL,
    price     NUMERIC     NOT NULL,
    volume    NUMERIC,
    ts        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_price_history_metal_ts
    ON price_history (metal, ts DESC);
`

// PriceRepository persists per-metal price history, the durable counterpart
// of the fusion engine's in-memory window.
type PriceRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewPriceRepository(pool PgxPool, tracer trace.Tracer) *PriceRepository {
	return &PriceRepository{pool: pool, tracer: tracer}
}

func (r *PriceRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "price-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createPriceHistoryTable)
	return err
}

func (r *PriceRepository) AddPrice(ctx context.Context, metal string, price, volume float64) error {
	_, span := r.tracer.Start(ctx, "price-repo.add-price")
	defer span.End()

	var vol any
	if volume > 0 {
		vol = volume
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO price_history (metal, price, volume) VALUES ($1, $2, $3)`,
		metal, price, vol,
	)
	if err != nil {
		return fmt.Errorf("insert price for %s: %w", metal, err)
	}
	return nil
}

// GetPriceHistory returns points for the last N hours, oldest first.
func (r *PriceRepository) GetPriceHistory(ctx context.Context, metal string, hours int) ([]domain.PricePoint, error) {
	_, span := r.tracer.Start(ctx, "price-repo.get-history")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT ts, price, COALESCE(volume, 0)
		 FROM price_history
		 WHERE metal = $1 AND ts > now() - make_interval(hours => $2)
		 ORDER BY ts ASC`,
		metal, hours,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		if err := rows.Scan(&p.Timestamp, &p.Price, &p.Volume); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Prune removes history beyond the storage window. Returns rows deleted.
func (r *PriceRepository) Prune(ctx context.Context, keepHours int) (int64, error) {
	_, span := r.tracer.Start(ctx, "price-repo.prune")
	defer span.End()

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM price_history WHERE ts < now() - make_interval(hours => $1)`,
		keepHours,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

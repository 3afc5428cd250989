package repository

import (
	"context"
	"time"

	"metal-sentinel/internal/domain"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

const createLevelsTable = `
CREATE TABLE IF NOT EXISTS technical_levels (
    metal      TEXT        NOT NULL,
    kind       TEXT        NOT NULL,
    name       TEXT        NOT NULL,
    value      NUMERIC     NOT NULL,
    strength   INT         NOT NULL DEFAULT 0,
    touches    INT         NOT NULL DEFAULT 0,
    last_touch TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (metal, name)
);
`

// LevelRepository persists the derived level set per metal.
type LevelRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewLevelRepository(pool PgxPool, tracer trace.Tracer) *LevelRepository {
	return &LevelRepository{pool: pool, tracer: tracer}
}

func (r *LevelRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "level-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createLevelsTable)
	return err
}

// ReplaceLevels swaps the stored set for a metal in one batch: delete then
// insert, mirroring the engine's wholesale recomputation.
func (r *LevelRepository) ReplaceLevels(ctx context.Context, metal string, levels []domain.TechnicalLevel) error {
	_, span := r.tracer.Start(ctx, "level-repo.replace-levels")
	defer span.End()

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM technical_levels WHERE metal = $1`, metal)
	for _, l := range levels {
		var lastTouch any
		if !l.LastTouch.IsZero() {
			lastTouch = l.LastTouch
		}
		batch.Queue(
			`INSERT INTO technical_levels (metal, kind, name, value, strength, touches, last_touch, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
			metal, string(l.Kind), l.Name, l.Value, l.Strength, l.Touches, lastTouch,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(levels)+1; i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *LevelRepository) GetLevels(ctx context.Context, metal string) ([]domain.TechnicalLevel, error) {
	_, span := r.tracer.Start(ctx, "level-repo.get-levels")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT metal, kind, name, value, strength, touches, COALESCE(last_touch, 'epoch'::timestamptz)
		 FROM technical_levels
		 WHERE metal = $1
		 ORDER BY value ASC`,
		metal,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var levels []domain.TechnicalLevel
	for rows.Next() {
		var l domain.TechnicalLevel
		var kind string
		var lastTouch time.Time
		if err := rows.Scan(&l.Metal, &kind, &l.Name, &l.Value, &l.Strength, &l.Touches, &lastTouch); err != nil {
			return nil, err
		}
		l.Kind = domain.LevelKind(kind)
		if lastTouch.Unix() > 0 {
			l.LastTouch = lastTouch
		}
		levels = append(levels, l)
	}
	return levels, rows.Err()
}

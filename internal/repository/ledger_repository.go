package repository

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
)

const createLedgerTables = `
CREATE TABLE IF NOT EXISTS alerts_sent (
    id           BIGSERIAL   PRIMARY KEY,
    alert_type   TEXT        NOT NULL,
    metal        TEXT,
    content_hash TEXT        NOT NULL,
    sent_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_alerts_sent_hash ON alerts_sent (content_hash);

CREATE TABLE IF NOT EXISTS counters (
    key   TEXT   PRIMARY KEY,
    count BIGINT NOT NULL DEFAULT 0
);
`

// LedgerRepository is the durable sent-alert record plus the named counters
// the enrichment quota runs on.
type LedgerRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewLedgerRepository(pool PgxPool, tracer trace.Tracer) *LedgerRepository {
	return &LedgerRepository{pool: pool, tracer: tracer}
}

func (r *LedgerRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "ledger-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createLedgerTables)
	return err
}

func (r *LedgerRepository) IsAlertSent(ctx context.Context, fingerprint string) (bool, error) {
	_, span := r.tracer.Start(ctx, "ledger-repo.is-alert-sent")
	defer span.End()

	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM alerts_sent WHERE content_hash = $1)`,
		fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return exists, nil
}

func (r *LedgerRepository) MarkAlertSent(ctx context.Context, category, fingerprint, metal string) error {
	_, span := r.tracer.Start(ctx, "ledger-repo.mark-alert-sent")
	defer span.End()

	var m any
	if metal != "" {
		m = metal
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO alerts_sent (alert_type, metal, content_hash) VALUES ($1, $2, $3)`,
		category, m, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("mark alert sent: %w", err)
	}
	return nil
}

func (r *LedgerRepository) GetCounter(ctx context.Context, name string) (int, error) {
	_, span := r.tracer.Start(ctx, "ledger-repo.get-counter")
	defer span.End()

	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT count FROM counters WHERE key = $1), 0)`,
		name,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read counter %s: %w", name, err)
	}
	return count, nil
}

func (r *LedgerRepository) IncrementCounter(ctx context.Context, name string) error {
	_, span := r.tracer.Start(ctx, "ledger-repo.increment-counter")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO counters (key, count) VALUES ($1, 1)
		 ON CONFLICT (key) DO UPDATE SET count = counters.count + 1`,
		name,
	)
	if err != nil {
		return fmt.Errorf("increment counter %s: %w", name, err)
	}
	return nil
}

// Prune drops ledger rows past the dedup horizon; fingerprints rotate hourly
// so old rows only cost space.
func (r *LedgerRepository) Prune(ctx context.Context, keepHours int) (int64, error) {
	_, span := r.tracer.Start(ctx, "ledger-repo.prune")
	defer span.End()

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM alerts_sent WHERE sent_at < now() - make_interval(hours => $1)`,
		keepHours,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"
)

const createConfigTables = `
CREATE TABLE IF NOT EXISTS user_config (
    key        TEXT        PRIMARY KEY,
    value      TEXT        NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS error_log (
    id         BIGSERIAL   PRIMARY KEY,
    component  TEXT        NOT NULL,
    message    TEXT        NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ConfigRepository stores user-facing settings and the operational error
// log.
type ConfigRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewConfigRepository(pool PgxPool, tracer trace.Tracer) *ConfigRepository {
	return &ConfigRepository{pool: pool, tracer: tracer}
}

func (r *ConfigRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "config-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createConfigTables)
	return err
}

// GetConfig returns the stored value, or def when the key is absent.
func (r *ConfigRepository) GetConfig(ctx context.Context, key, def string) (string, error) {
	_, span := r.tracer.Start(ctx, "config-repo.get")
	defer span.End()

	var value string
	err := r.pool.QueryRow(ctx,
		`SELECT value FROM user_config WHERE key = $1`, key,
	).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("read config %s: %w", key, err)
	}
	return value, nil
}

func (r *ConfigRepository) SetConfig(ctx context.Context, key, value string) error {
	_, span := r.tracer.Start(ctx, "config-repo.set")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_config (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write config %s: %w", key, err)
	}
	return nil
}

func (r *ConfigRepository) LogError(ctx context.Context, component, message string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO error_log (component, message) VALUES ($1, $2)`,
		component, message,
	)
	return err
}

// ErrorEntry is one operational error record.
type ErrorEntry struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// RecentErrors returns the newest log entries, newest first.
func (r *ConfigRepository) RecentErrors(ctx context.Context, limit int) ([]ErrorEntry, error) {
	_, span := r.tracer.Start(ctx, "config-repo.recent-errors")
	defer span.End()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx,
		`SELECT component, message, created_at FROM error_log
		 ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ErrorEntry
	for rows.Next() {
		var e ErrorEntry
		if err := rows.Scan(&e.Component, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneErrors trims the error log to the retention window.
func (r *ConfigRepository) PruneErrors(ctx context.Context, keepHours int) (int64, error) {
	_, span := r.tracer.Start(ctx, "config-repo.prune-errors")
	defer span.End()

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM error_log WHERE created_at < now() - make_interval(hours => $1)`,
		keepHours,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

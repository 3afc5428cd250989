package repository

import (
	"context"
	"fmt"
	"time"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const createCalendarTable = `
CREATE TABLE IF NOT EXISTS calendar_events (
    id              BIGSERIAL   PRIMARY KEY,
    event_type      TEXT        NOT NULL,
    title           TEXT        NOT NULL,
    description     TEXT,
    event_time      TIMESTAMPTZ NOT NULL,
    impact          TEXT,
    notified_7d     BOOLEAN     NOT NULL DEFAULT FALSE,
    notified_1d     BOOLEAN     NOT NULL DEFAULT FALSE,
    notified_1h     BOOLEAN     NOT NULL DEFAULT FALSE,
    notified_result BOOLEAN     NOT NULL DEFAULT FALSE,
    UNIQUE (event_type, title, event_time)
);
`

var calendarStageColumns = map[string]string{
	"7d":     "notified_7d",
	"1d":     "notified_1d",
	"1h":     "notified_1h",
	"result": "notified_result",
}

// CalendarRepository stores scheduled economic events and their per-stage
// notification flags.
type CalendarRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewCalendarRepository(pool PgxPool, tracer trace.Tracer) *CalendarRepository {
	return &CalendarRepository{pool: pool, tracer: tracer}
}

func (r *CalendarRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "calendar-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createCalendarTable)
	return err
}

// UpsertEvent inserts the event if it is not already known.
func (r *CalendarRepository) UpsertEvent(ctx context.Context, e domain.CalendarEvent) error {
	_, span := r.tracer.Start(ctx, "calendar-repo.upsert-event")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO calendar_events (event_type, title, description, event_time, impact)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_type, title, event_time) DO NOTHING`,
		e.EventType, e.Title, e.Description, e.EventTime, e.Impact,
	)
	if err != nil {
		return fmt.Errorf("upsert event %q: %w", e.Title, err)
	}
	return nil
}

// PendingEvents returns events whose time lies within the horizon, plus
// recently passed events awaiting a result notification.
func (r *CalendarRepository) PendingEvents(ctx context.Context, horizon time.Duration) ([]domain.CalendarEvent, error) {
	_, span := r.tracer.Start(ctx, "calendar-repo.pending-events")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT id, event_type, title, COALESCE(description, ''), event_time, COALESCE(impact, ''),
		        notified_7d, notified_1d, notified_1h, notified_result
		 FROM calendar_events
		 WHERE event_time > now() - interval '6 hours'
		   AND event_time < now() + make_interval(hours => $1)
		 ORDER BY event_time ASC`,
		int(horizon.Hours()),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.CalendarEvent
	for rows.Next() {
		var e domain.CalendarEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.Title, &e.Description, &e.EventTime, &e.Impact,
			&e.Notified7D, &e.Notified1D, &e.Notified1H, &e.NotifiedResult); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkNotified flips one stage flag so a reminder fires once.
func (r *CalendarRepository) MarkNotified(ctx context.Context, id int64, stage string) error {
	_, span := r.tracer.Start(ctx, "calendar-repo.mark-notified")
	defer span.End()

	col, ok := calendarStageColumns[stage]
	if !ok {
		return fmt.Errorf("unknown notification stage %q", stage)
	}
	_, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE calendar_events SET %s = TRUE WHERE id = $1`, col), id,
	)
	return err
}

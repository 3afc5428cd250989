// Package job runs the background collection, detection and maintenance
// loops.
package job

import (
	"context"
	"log"
	"time"

	"metal-sentinel/internal/alert"
	"metal-sentinel/internal/domain"
	"metal-sentinel/internal/fusion"
	"metal-sentinel/internal/technical"

	"go.opentelemetry.io/otel/trace"
)

// PriceFuser is the fusion surface the loops drive.
type PriceFuser interface {
	Collect(ctx context.Context) fusion.CycleResult
	CheckPriceAlerts(ctx context.Context) []fusion.TierBreach
	LastPrice(metal string) (float64, bool)
	PreviousPrice(metal string) (float64, bool)
}

// LevelEngine recomputes and queries support/resistance levels.
type LevelEngine interface {
	UpdateLevels(ctx context.Context, metal string, currentPrice float64) error
	CheckProximity(metal string, price float64) []technical.ProximityHit
	CheckBreaks(metal string, previousPrice, currentPrice float64) []technical.Break
}

// AlertSink queues candidates and drains the queue.
type AlertSink interface {
	Enqueue(ctx context.Context, a *domain.Alert)
	ProcessQueue(ctx context.Context)
}

// EventCalendar lists upcoming events and records fired reminder stages.
type EventCalendar interface {
	PendingEvents(ctx context.Context, horizon time.Duration) ([]domain.CalendarEvent, error)
	MarkNotified(ctx context.Context, id int64, stage string) error
}

// HistoryPruner trims one table to a retention window.
type HistoryPruner interface {
	Prune(ctx context.Context, keepHours int) (int64, error)
}

type ErrorPruner interface {
	PruneErrors(ctx context.Context, keepHours int) (int64, error)
}

// Poller owns the periodic loops. Detection runs strictly after collection
// inside each tick so alerts always see the freshest fused prices.
type Poller struct {
	tracer   trace.Tracer
	fuser    PriceFuser
	levels   LevelEngine
	rules    *alert.Rules
	sink     AlertSink
	calendar EventCalendar

	priceHistory HistoryPruner
	ledger       HistoryPruner
	errors       ErrorPruner

	priceInterval     time.Duration
	technicalInterval time.Duration
	calendarInterval  time.Duration

	storageHours int

	now func() time.Time
}

func NewPoller(
	tracer trace.Tracer,
	fuser PriceFuser,
	levels LevelEngine,
	rules *alert.Rules,
	sink AlertSink,
	calendar EventCalendar,
	priceHistory HistoryPruner,
	ledger HistoryPruner,
	errors ErrorPruner,
	pricePollSecs, technicalPollMins, calendarPollMins, storageHours int,
) *Poller {
	if pricePollSecs <= 0 {
		pricePollSecs = 30
	}
	if technicalPollMins <= 0 {
		technicalPollMins = 5
	}
	if calendarPollMins <= 0 {
		calendarPollMins = 30
	}
	return &Poller{
		tracer:            tracer,
		fuser:             fuser,
		levels:            levels,
		rules:             rules,
		sink:              sink,
		calendar:          calendar,
		priceHistory:      priceHistory,
		ledger:            ledger,
		errors:            errors,
		priceInterval:     time.Duration(pricePollSecs) * time.Second,
		technicalInterval: time.Duration(technicalPollMins) * time.Minute,
		calendarInterval:  time.Duration(calendarPollMins) * time.Minute,
		storageHours:      storageHours,
		now:               time.Now,
	}
}

// Start launches the loops and blocks until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	log.Println("Pollers starting...")

	go p.loop(ctx, "price", p.priceInterval, 0, p.runPriceCycle)
	go p.loop(ctx, "technical", p.technicalInterval, 10*time.Second, p.runTechnicalCycle)
	if p.calendar != nil {
		go p.loop(ctx, "calendar", p.calendarInterval, 20*time.Second, p.runCalendarCycle)
	}
	go p.loop(ctx, "cleanup", 24*time.Hour, time.Minute, p.runCleanup)

	<-ctx.Done()
	log.Println("Pollers stopped")
}

// loop runs fn immediately after an optional stagger delay, then on every
// tick. Staggering keeps the loops from hammering upstreams together at
// startup.
func (p *Poller) loop(ctx context.Context, name string, interval, stagger time.Duration, fn func(context.Context) error) {
	if stagger > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(stagger):
		}
	}

	if err := fn(ctx); err != nil {
		log.Printf("poller %s initial run error: %v", name, err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				log.Printf("poller %s error: %v", name, err)
			}
		}
	}
}

// runPriceCycle collects fused prices, raises tier and sanity alerts, then
// drains the queue.
func (p *Poller) runPriceCycle(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "job.price-cycle")
	defer span.End()

	result := p.fuser.Collect(ctx)

	for _, metal := range result.Suspicious {
		fused, ok := result.Fused[metal]
		if !ok {
			continue
		}
		p.sink.Enqueue(ctx, p.rules.SuspiciousMove(metal, fused.ChangePercent, fused.Source))
	}

	for _, b := range p.fuser.CheckPriceAlerts(ctx) {
		p.sink.Enqueue(ctx, p.rules.PriceChange(
			b.Severity, b.Metal, b.Price, b.ChangePercent, b.ChangeValue, b.Timeframe,
		))
	}

	p.sink.ProcessQueue(ctx)
	return nil
}

// runTechnicalCycle recomputes levels per metal and raises proximity and
// break alerts against the latest fused price.
func (p *Poller) runTechnicalCycle(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "job.technical-cycle")
	defer span.End()

	for _, metal := range domain.SupportedMetals {
		price, ok := p.fuser.LastPrice(metal)
		if !ok {
			continue
		}

		if err := p.levels.UpdateLevels(ctx, metal, price); err != nil {
			log.Printf("level update error for %s: %v", metal, err)
			continue
		}

		for _, hit := range p.levels.CheckProximity(metal, price) {
			if !hit.Approaching {
				continue
			}
			p.sink.Enqueue(ctx, p.rules.TechnicalProximity(metal, price, hit.Level, hit.DistancePercent))
		}

		if prev, ok := p.fuser.PreviousPrice(metal); ok {
			for _, br := range p.levels.CheckBreaks(metal, prev, price) {
				p.sink.Enqueue(ctx, p.rules.TechnicalBreak(metal, price, prev, br.Level, br.Direction))
			}
		}
	}

	p.sink.ProcessQueue(ctx)
	return nil
}

// runCalendarCycle raises the due reminder stage for each upcoming event.
// Stage flags are set at enqueue time; the hourly fingerprint and the sent
// ledger cover the dispatch side.
func (p *Poller) runCalendarCycle(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "job.calendar-cycle")
	defer span.End()

	events, err := p.calendar.PendingEvents(ctx, 8*24*time.Hour)
	if err != nil {
		return err
	}

	for _, e := range events {
		stage, ok := dueStage(e, p.now())
		if !ok {
			continue
		}
		p.sink.Enqueue(ctx, p.rules.Calendar(e, stage))
		if err := p.calendar.MarkNotified(ctx, e.ID, stage); err != nil {
			log.Printf("calendar mark error for %q stage %s: %v", e.Title, stage, err)
		}
	}

	p.sink.ProcessQueue(ctx)
	return nil
}

// dueStage picks the most imminent unfired stage. Later stages supersede
// earlier ones, so an event first seen 2h out never fires its 7d reminder.
func dueStage(e domain.CalendarEvent, now time.Time) (string, bool) {
	until := e.EventTime.Sub(now)
	switch {
	case until <= 0 && !e.NotifiedResult:
		return "result", true
	case until > 0 && until <= time.Hour && !e.Notified1H:
		return "1h", true
	case until > time.Hour && until <= 24*time.Hour && !e.Notified1D:
		return "1d", true
	case until > 24*time.Hour && until <= 7*24*time.Hour && !e.Notified7D:
		return "7d", true
	}
	return "", false
}

// runCleanup trims durable history, the sent ledger and the error log.
func (p *Poller) runCleanup(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "job.cleanup")
	defer span.End()

	if p.priceHistory != nil {
		if n, err := p.priceHistory.Prune(ctx, p.storageHours); err != nil {
			log.Printf("price history prune error: %v", err)
		} else if n > 0 {
			log.Printf("Pruned %d price history rows", n)
		}
	}
	if p.ledger != nil {
		if n, err := p.ledger.Prune(ctx, 48); err != nil {
			log.Printf("ledger prune error: %v", err)
		} else if n > 0 {
			log.Printf("Pruned %d ledger rows", n)
		}
	}
	if p.errors != nil {
		if n, err := p.errors.PruneErrors(ctx, 7*24); err != nil {
			log.Printf("error log prune error: %v", err)
		} else if n > 0 {
			log.Printf("Pruned %d error log rows", n)
		}
	}
	return nil
}

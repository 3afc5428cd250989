// Package alert implements candidate generation, deduplication, filtering,
// rate limiting, priority ordering, enrichment and dispatch of alerts.
package alert

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const (
	cfgKeyEnabled       = "alerts_enabled"
	cfgKeyFilters       = "filters"
	cfgKeySilencedUntil = "silenced_until"

	dispatchPacing = 500 * time.Millisecond
)

// Ledger is the durable already-sent record keyed by fingerprint.
type Ledger interface {
	IsAlertSent(ctx context.Context, fingerprint string) (bool, error)
	MarkAlertSent(ctx context.Context, category, fingerprint, metal string) error
}

// ConfigStore persists user-facing pipeline settings across restarts.
type ConfigStore interface {
	GetConfig(ctx context.Context, key, def string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Enricher adds generated analysis to an alert. Remaining reports the daily
// quota left so the pipeline can hold calls back for critical alerts.
type Enricher interface {
	Enrich(ctx context.Context, a domain.Alert) (string, error)
	Remaining() int
}

// Sender delivers one rendered message. Best effort.
type Sender interface {
	Send(ctx context.Context, message string) error
}

type ErrorLogger interface {
	LogError(ctx context.Context, component, message string) error
}

// Settings is a snapshot of the user-facing switches.
type Settings struct {
	Enabled       bool
	Filters       []string
	SilencedUntil time.Time
}

// Pipeline owns the in-memory queue and is the sole writer of the sent
// ledger. One ProcessQueue drain runs at a time.
type Pipeline struct {
	tracer   trace.Tracer
	ledger   Ledger
	cfgStore ConfigStore
	enricher Enricher
	sender   Sender
	errlog   ErrorLogger

	maxPerHour    int
	enrichReserve int

	mu       sync.Mutex
	queue    []domain.Alert
	settings Settings

	sentThisHour int
	hourStart    time.Time

	draining sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(
	tracer trace.Tracer,
	ledger Ledger,
	cfgStore ConfigStore,
	enricher Enricher,
	sender Sender,
	errlog ErrorLogger,
	maxPerHour, enrichReserve int,
) *Pipeline {
	if maxPerHour <= 0 {
		maxPerHour = 50
	}
	if enrichReserve < 0 {
		enrichReserve = 100
	}
	p := &Pipeline{
		tracer:        tracer,
		ledger:        ledger,
		cfgStore:      cfgStore,
		enricher:      enricher,
		sender:        sender,
		errlog:        errlog,
		maxPerHour:    maxPerHour,
		enrichReserve: enrichReserve,
		settings:      Settings{Enabled: true},
		now:           time.Now,
		sleep:         sleepCtx,
	}
	p.hourStart = p.now()
	return p
}

// LoadSettings restores persisted switches. Missing keys keep defaults.
func (p *Pipeline) LoadSettings(ctx context.Context) error {
	if p.cfgStore == nil {
		return nil
	}

	enabled, err := p.cfgStore.GetConfig(ctx, cfgKeyEnabled, "true")
	if err != nil {
		return fmt.Errorf("load %s: %w", cfgKeyEnabled, err)
	}
	filters, err := p.cfgStore.GetConfig(ctx, cfgKeyFilters, "")
	if err != nil {
		return fmt.Errorf("load %s: %w", cfgKeyFilters, err)
	}
	silenced, err := p.cfgStore.GetConfig(ctx, cfgKeySilencedUntil, "")
	if err != nil {
		return fmt.Errorf("load %s: %w", cfgKeySilencedUntil, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings.Enabled = enabled != "false"
	p.settings.Filters = splitFilters(filters)
	p.settings.SilencedUntil = time.Time{}
	if silenced != "" {
		if until, err := time.Parse(time.RFC3339, silenced); err == nil {
			p.settings.SilencedUntil = until
		} else {
			log.Printf("Warning: unparseable %s value %q", cfgKeySilencedUntil, silenced)
		}
	}
	return nil
}

// Enqueue runs the candidate through filter and dedup checks and queues it.
// A nil candidate is a legal no-op so rule constructors can decline.
func (p *Pipeline) Enqueue(ctx context.Context, a *domain.Alert) {
	if a == nil {
		return
	}

	if a.Metal != "" && p.filtered(a.Metal) {
		return
	}

	if p.ledger != nil {
		sent, err := p.ledger.IsAlertSent(ctx, a.Fingerprint)
		if err != nil {
			log.Printf("ledger lookup error: %v", err)
		} else if sent {
			return
		}
	}

	p.mu.Lock()
	p.queue = append(p.queue, *a)
	p.mu.Unlock()
	log.Printf("Alert queued: %s %s", a.Category, a.Metal)
}

// ProcessQueue drains the queue: discard wholesale when silenced, sort by
// descending priority, then dispatch until the hourly cap or the queue is
// exhausted. Alerts beyond the cap stay queued for the next pass. The
// in-flight alert finishes even if ctx is cancelled mid-drain.
func (p *Pipeline) ProcessQueue(ctx context.Context) {
	ctx, span := p.tracer.Start(ctx, "alert.process-queue")
	defer span.End()

	p.draining.Lock()
	defer p.draining.Unlock()

	if p.silenced() {
		p.mu.Lock()
		n := len(p.queue)
		p.queue = nil
		p.mu.Unlock()
		if n > 0 {
			log.Printf("Alerts silenced, discarded %d queued", n)
		}
		return
	}

	p.sortQueue()

	for {
		if ctx.Err() != nil {
			return
		}
		if !p.allowSend() {
			log.Printf("Alert rate cap reached, leaving %d queued", p.queueLen())
			return
		}

		a, ok := p.pop()
		if !ok {
			return
		}

		if a.RequiresEnrichment && p.enricher != nil {
			p.enrich(ctx, &a)
		}

		if err := p.sender.Send(ctx, a.Message); err != nil {
			log.Printf("alert dispatch error: %v", err)
			if p.errlog != nil {
				_ = p.errlog.LogError(ctx, "alert.dispatch", err.Error())
			}
			// Fingerprint stays unrecorded so the condition can resend on a
			// later detection pass.
			continue
		}

		if p.ledger != nil {
			if err := p.ledger.MarkAlertSent(ctx, string(a.Category), a.Fingerprint, a.Metal); err != nil {
				log.Printf("ledger mark error: %v", err)
			}
		}
		p.countSend()

		_ = p.sleep(ctx, dispatchPacing)
	}
}

// enrich appends generated analysis when quota allows. Failures leave the
// message untouched.
func (p *Pipeline) enrich(ctx context.Context, a *domain.Alert) {
	remaining := p.enricher.Remaining()
	if remaining <= 0 {
		log.Printf("No enrichment quota left for %s alert", a.Category)
		return
	}
	if a.Severity != domain.SeverityCritical && remaining < p.enrichReserve {
		return
	}

	analysis, err := p.enricher.Enrich(ctx, *a)
	if err != nil {
		log.Printf("enrichment error: %v", err)
		return
	}
	if analysis != "" {
		a.Message += "\n\n" + analysis
	}
}

// Silence discards all alerts until now plus the given duration.
func (p *Pipeline) Silence(ctx context.Context, d time.Duration) {
	until := p.now().Add(d)
	p.mu.Lock()
	p.settings.SilencedUntil = until
	p.mu.Unlock()
	p.persist(ctx, cfgKeySilencedUntil, until.UTC().Format(time.RFC3339))
}

// Unsilence clears any silence window and re-enables alerts.
func (p *Pipeline) Unsilence(ctx context.Context) {
	p.mu.Lock()
	p.settings.SilencedUntil = time.Time{}
	p.settings.Enabled = true
	p.mu.Unlock()
	p.persist(ctx, cfgKeySilencedUntil, "")
	p.persist(ctx, cfgKeyEnabled, "true")
}

// SetEnabled flips the global switch.
func (p *Pipeline) SetEnabled(ctx context.Context, enabled bool) {
	p.mu.Lock()
	p.settings.Enabled = enabled
	p.mu.Unlock()
	p.persist(ctx, cfgKeyEnabled, fmt.Sprintf("%t", enabled))
}

// SetFilter replaces the instrument allow-list; empty allows all.
func (p *Pipeline) SetFilter(ctx context.Context, metals []string) {
	upper := make([]string, 0, len(metals))
	for _, m := range metals {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			upper = append(upper, m)
		}
	}
	p.mu.Lock()
	p.settings.Filters = upper
	p.mu.Unlock()
	p.persist(ctx, cfgKeyFilters, strings.Join(upper, ","))
}

func (p *Pipeline) Settings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.settings
	s.Filters = append([]string(nil), p.settings.Filters...)
	return s
}

// QueueLen reports pending alerts, for the status surface.
func (p *Pipeline) QueueLen() int { return p.queueLen() }

// SentThisHour reports dispatches in the current rolling hour.
func (p *Pipeline) SentThisHour() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentThisHour
}

func (p *Pipeline) persist(ctx context.Context, key, value string) {
	if p.cfgStore == nil {
		return
	}
	if err := p.cfgStore.SetConfig(ctx, key, value); err != nil {
		log.Printf("config persist error for %s: %v", key, err)
	}
}

func (p *Pipeline) filtered(metal string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.settings.Filters) == 0 {
		return false
	}
	metal = strings.ToUpper(metal)
	for _, f := range p.settings.Filters {
		if f == metal {
			return false
		}
	}
	return true
}

func (p *Pipeline) silenced() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.settings.Enabled {
		return true
	}
	return !p.settings.SilencedUntil.IsZero() && p.now().Before(p.settings.SilencedUntil)
}

func (p *Pipeline) sortQueue() {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Stable insertion-order within equal priority.
	q := p.queue
	for i := 1; i < len(q); i++ {
		for j := i; j > 0 && q[j].Priority > q[j-1].Priority; j-- {
			q[j], q[j-1] = q[j-1], q[j]
		}
	}
}

func (p *Pipeline) pop() (domain.Alert, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) == 0 {
		return domain.Alert{}, false
	}
	a := p.queue[0]
	p.queue = p.queue[1:]
	return a, true
}

func (p *Pipeline) queueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) allowSend() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.hourStart) >= time.Hour {
		p.sentThisHour = 0
		p.hourStart = now
	}
	return p.sentThisHour < p.maxPerHour
}

func (p *Pipeline) countSend() {
	p.mu.Lock()
	p.sentThisHour++
	p.mu.Unlock()
}

func splitFilters(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

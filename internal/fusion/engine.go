// Package fusion reconciles observations from every registered source into
// one authoritative price per metal and maintains the rolling price history
// the level engine reads.
package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"metal-sentinel/internal/config"
	"metal-sentinel/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

const fusedPriceCacheTTL = 90 * time.Second

// Source is the monitored adapter surface the engine drives. Implemented by
// source.Monitored.
type Source interface {
	Name() string
	Reliability() int
	Supports(metal string) bool
	FetchWithRetry(ctx context.Context, metal string) (domain.PriceObservation, error)
}

type PriceStore interface {
	AddPrice(ctx context.Context, metal string, price, volume float64) error
}

type ErrorLogger interface {
	LogError(ctx context.Context, component, message string) error
}

type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type Config struct {
	Retention               time.Duration
	FetchTimeout            time.Duration
	SuspiciousChangePercent float64
	SanityBands             map[domain.MetalClass]config.PriceBand
	Tiers                   []domain.AlertTier
}

// CycleResult summarizes one fusion cycle. Errors are accumulated, never
// fatal; a cycle with every source down simply fuses nothing.
type CycleResult struct {
	Fused      map[string]domain.FusedPrice
	Suspicious []string
	Errors     []string
}

// TierBreach is one instrument crossing one alert tier's threshold.
type TierBreach struct {
	Metal         string
	Severity      domain.Severity
	Timeframe     int
	ChangePercent float64
	ChangeValue   float64
	Price         float64
}

// Engine holds the per-metal fused state and history. A single poll loop
// drives Collect; callers must not run overlapping cycles.
type Engine struct {
	tracer  trace.Tracer
	sources []Source
	store   PriceStore
	errlog  ErrorLogger
	redis   RedisClient
	cfg     Config

	mu      sync.RWMutex
	last    map[string]domain.FusedPrice
	prev    map[string]float64
	history map[string][]domain.PricePoint

	now func() time.Time
}

func NewEngine(
	tracer trace.Tracer,
	sources []Source,
	store PriceStore,
	errlog ErrorLogger,
	redisClient RedisClient,
	cfg Config,
) *Engine {
	if cfg.Retention <= 0 {
		cfg.Retention = 48 * time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	return &Engine{
		tracer:  tracer,
		sources: sources,
		store:   store,
		errlog:  errlog,
		redis:   redisClient,
		cfg:     cfg,
		last:    make(map[string]domain.FusedPrice),
		prev:    make(map[string]float64),
		history: make(map[string][]domain.PricePoint),
		now:     time.Now,
	}
}

// Collect runs one full fusion cycle: fetch every source concurrently,
// validate, pick a winner per metal, update history and the durable store.
func (e *Engine) Collect(ctx context.Context) CycleResult {
	ctx, span := e.tracer.Start(ctx, "fusion.collect")
	defer span.End()

	observations, errs := e.fetchAll(ctx)

	result := CycleResult{
		Fused:  make(map[string]domain.FusedPrice),
		Errors: errs,
	}

	for _, metal := range domain.SupportedMetals {
		obs := observations[metal]
		winner, rejected := e.selectWinner(metal, obs)
		for _, msg := range rejected {
			result.Errors = append(result.Errors, msg)
			if e.errlog != nil {
				_ = e.errlog.LogError(ctx, "fusion", msg)
			}
		}
		if winner == nil {
			continue
		}

		fused := e.fuse(metal, *winner)
		if e.cfg.SuspiciousChangePercent > 0 &&
			math.Abs(fused.ChangePercent) > e.cfg.SuspiciousChangePercent {
			log.Printf("Warning: suspicious %s move %.2f%% from %s",
				metal, fused.ChangePercent, winner.Source)
			result.Suspicious = append(result.Suspicious, metal)
		}
		result.Fused[metal] = fused

		if e.store != nil {
			if err := e.store.AddPrice(ctx, metal, fused.Price, fused.Volume); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("store %s: %v", metal, err))
			}
		}
		if e.redis != nil {
			e.cacheFused(ctx, fused)
		}
	}

	return result
}

// fetchAll runs every source in parallel, each timeboxed, and groups the
// observations per metal. One hung source cannot stall the cycle.
func (e *Engine) fetchAll(ctx context.Context) (map[string][]domain.PriceObservation, []string) {
	type fetchResult struct {
		obs  []domain.PriceObservation
		errs []string
	}

	results := make(chan fetchResult, len(e.sources))
	var wg sync.WaitGroup

	for _, src := range e.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()

			var r fetchResult
			for _, metal := range domain.SupportedMetals {
				if !src.Supports(metal) {
					continue
				}
				fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
				obs, err := src.FetchWithRetry(fetchCtx, metal)
				cancel()
				if err != nil {
					r.errs = append(r.errs, fmt.Sprintf("%s/%s: %v", src.Name(), metal, err))
					continue
				}
				if obs.Valid() {
					r.obs = append(r.obs, obs)
				}
			}
			results <- r
		}(src)
	}

	wg.Wait()
	close(results)

	grouped := make(map[string][]domain.PriceObservation)
	var errs []string
	for r := range results {
		for _, o := range r.obs {
			grouped[o.Metal] = append(grouped[o.Metal], o)
		}
		errs = append(errs, r.errs...)
	}
	return grouped, errs
}

// selectWinner drops out-of-band observations, then picks the highest
// reliability, breaking ties by latest timestamp.
func (e *Engine) selectWinner(metal string, obs []domain.PriceObservation) (*domain.PriceObservation, []string) {
	var rejected []string
	band, hasBand := e.sanityBand(metal)

	var surviving []domain.PriceObservation
	for _, o := range obs {
		if hasBand && (o.Price < band.Min || o.Price > band.Max) {
			rejected = append(rejected, fmt.Sprintf(
				"%s from %s rejected: price %.4f outside [%.2f, %.2f]",
				metal, o.Source, o.Price, band.Min, band.Max))
			continue
		}
		surviving = append(surviving, o)
	}
	if len(surviving) == 0 {
		return nil, rejected
	}

	sort.SliceStable(surviving, func(i, j int) bool {
		if surviving[i].Reliability != surviving[j].Reliability {
			return surviving[i].Reliability > surviving[j].Reliability
		}
		return surviving[i].Timestamp.After(surviving[j].Timestamp)
	})
	return &surviving[0], rejected
}

func (e *Engine) sanityBand(metal string) (config.PriceBand, bool) {
	m, ok := domain.Metals[metal]
	if !ok {
		return config.PriceBand{}, false
	}
	band, ok := e.cfg.SanityBands[m.Class]
	return band, ok
}

// fuse installs the winner as the new fused price, computes change against
// the prior fused price and appends to the pruned rolling history.
func (e *Engine) fuse(metal string, winner domain.PriceObservation) domain.FusedPrice {
	e.mu.Lock()
	defer e.mu.Unlock()

	fused := domain.FusedPrice{PriceObservation: winner}
	if old, ok := e.last[metal]; ok && old.Price > 0 {
		fused.ChangeValue = winner.Price - old.Price
		fused.ChangePercent = fused.ChangeValue / old.Price * 100
		e.prev[metal] = old.Price
	}
	e.last[metal] = fused

	cutoff := e.now().Add(-e.cfg.Retention)
	hist := append(e.history[metal], domain.PricePoint{
		Timestamp: winner.Timestamp,
		Price:     winner.Price,
		Volume:    winner.Volume,
	})
	for len(hist) > 0 && hist[0].Timestamp.Before(cutoff) {
		hist = hist[1:]
	}
	e.history[metal] = hist

	return fused
}

// CalculateChange compares the latest price against the newest history point
// at or before now minus the window. ok is false when the window predates
// the retained history.
func (e *Engine) CalculateChange(metal string, window time.Duration) (percent, value float64, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	hist := e.history[metal]
	if len(hist) < 2 {
		return 0, 0, false
	}
	boundary := e.now().Add(-window)

	var old *domain.PricePoint
	for i := range hist {
		if hist[i].Timestamp.After(boundary) {
			break
		}
		old = &hist[i]
	}
	if old == nil || old.Price <= 0 {
		return 0, 0, false
	}

	latest := hist[len(hist)-1]
	value = latest.Price - old.Price
	percent = value / old.Price * 100
	return percent, value, true
}

// CheckPriceAlerts evaluates every tier per metal, tightest timeframe first;
// the first tier met fixes the breach severity.
func (e *Engine) CheckPriceAlerts(ctx context.Context) []TierBreach {
	_, span := e.tracer.Start(ctx, "fusion.check-price-alerts")
	defer span.End()

	var breaches []TierBreach
	for _, metal := range domain.SupportedMetals {
		price, ok := e.LastPrice(metal)
		if !ok {
			continue
		}
		for _, tier := range e.cfg.Tiers {
			pct, val, ok := e.CalculateChange(metal, time.Duration(tier.TimeframeMinutes)*time.Minute)
			if !ok {
				continue
			}
			if math.Abs(pct) >= tier.PercentChange {
				breaches = append(breaches, TierBreach{
					Metal:         metal,
					Severity:      tier.Severity,
					Timeframe:     tier.TimeframeMinutes,
					ChangePercent: pct,
					ChangeValue:   val,
					Price:         price,
				})
				break
			}
		}
	}
	return breaches
}

// LastPrice returns the current fused price, or ok=false if the metal has
// never fused.
func (e *Engine) LastPrice(metal string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.last[metal]
	if !ok {
		return 0, false
	}
	return f.Price, true
}

// PreviousPrice returns the fused price from the cycle before the current
// one, used for break detection.
func (e *Engine) PreviousPrice(metal string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.prev[metal]
	return p, ok
}

// LastFused returns the full fused record for a metal.
func (e *Engine) LastFused(metal string) (domain.FusedPrice, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.last[metal]
	return f, ok
}

// AllFused returns the current fused price per metal in catalog order.
func (e *Engine) AllFused() []domain.FusedPrice {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.FusedPrice, 0, len(e.last))
	for _, metal := range domain.SupportedMetals {
		if f, ok := e.last[metal]; ok {
			out = append(out, f)
		}
	}
	return out
}

// Summary groups the current fused prices by instrument class, catalog
// order within each group.
func (e *Engine) Summary() map[domain.MetalClass][]domain.FusedPrice {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[domain.MetalClass][]domain.FusedPrice)
	for _, metal := range domain.SupportedMetals {
		f, ok := e.last[metal]
		if !ok {
			continue
		}
		class := domain.Metals[metal].Class
		out[class] = append(out[class], f)
	}
	return out
}

// History returns a copy of the retained points for a metal.
func (e *Engine) History(metal string) []domain.PricePoint {
	e.mu.RLock()
	defer e.mu.RUnlock()

	hist := e.history[metal]
	out := make([]domain.PricePoint, len(hist))
	copy(out, hist)
	return out
}

func (e *Engine) cacheFused(ctx context.Context, fused domain.FusedPrice) {
	data, err := json.Marshal(fused)
	if err != nil {
		return
	}
	if err := e.redis.Set(ctx, "fused:"+fused.Metal, data, fusedPriceCacheTTL).Err(); err != nil {
		log.Printf("redis cache write error: %v", err)
	}
}

// CachedFused reads the fused snapshot for a metal from redis, for handlers
// that want a price without touching engine state.
func (e *Engine) CachedFused(ctx context.Context, metal string) (*domain.FusedPrice, error) {
	if e.redis == nil {
		return nil, fmt.Errorf("redis not configured")
	}
	data, err := e.redis.Get(ctx, "fused:"+metal).Bytes()
	if err != nil {
		return nil, err
	}
	var f domain.FusedPrice
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

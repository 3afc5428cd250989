// Package technical derives support/resistance levels from stored price
// history and detects proximity and breakout conditions against them.
package technical

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"metal-sentinel/internal/domain"
	"metal-sentinel/internal/ta"

	"go.opentelemetry.io/otel/trace"
)

// HistoryStore supplies the persisted price history levels are derived from.
type HistoryStore interface {
	GetPriceHistory(ctx context.Context, metal string, hours int) ([]domain.PricePoint, error)
}

// LevelStore persists the derived level set. Optional.
type LevelStore interface {
	ReplaceLevels(ctx context.Context, metal string, levels []domain.TechnicalLevel) error
}

type Config struct {
	HistoryHours     int     // lookback for long-term levels, default 52 weeks
	SessionHours     int     // session window for pivots/VWAP/volume zones
	ProximityPercent float64
	TouchTolerance   float64
	VolumeBins       int
	VolumeTopZones   int
	MaxTouchStrength int
}

// ProximityHit is a level the current price sits within the proximity band
// of. Approaching is true when price is on the side the level defends:
// above a support or below a resistance.
type ProximityHit struct {
	Level           domain.TechnicalLevel
	DistancePercent float64
	Approaching     bool
}

// Break is a level crossed between two consecutive fused prices.
type Break struct {
	Level     domain.TechnicalLevel
	Direction string // "up" or "down"
}

// Engine recomputes each metal's level set wholesale and swaps it in
// atomically; readers see the old set or the new one, never a mix.
type Engine struct {
	tracer  trace.Tracer
	history HistoryStore
	store   LevelStore
	cfg     Config

	mu     sync.RWMutex
	levels map[string][]domain.TechnicalLevel

	now func() time.Time
}

func NewEngine(tracer trace.Tracer, history HistoryStore, store LevelStore, cfg Config) *Engine {
	if cfg.HistoryHours <= 0 {
		cfg.HistoryHours = 24 * 7 * 52
	}
	if cfg.SessionHours <= 0 {
		cfg.SessionHours = 24
	}
	if cfg.ProximityPercent <= 0 {
		cfg.ProximityPercent = 0.3
	}
	if cfg.TouchTolerance <= 0 {
		cfg.TouchTolerance = 0.5
	}
	if cfg.VolumeBins <= 0 {
		cfg.VolumeBins = 20
	}
	if cfg.VolumeTopZones <= 0 {
		cfg.VolumeTopZones = 3
	}
	if cfg.MaxTouchStrength <= 0 {
		cfg.MaxTouchStrength = 5
	}
	return &Engine{
		tracer:  tracer,
		history: history,
		store:   store,
		cfg:     cfg,
		levels:  make(map[string][]domain.TechnicalLevel),
		now:     time.Now,
	}
}

// UpdateLevels recomputes the whole level set for one metal from history and
// the current price. Indicators without enough data are omitted, never
// zero-valued.
func (e *Engine) UpdateLevels(ctx context.Context, metal string, currentPrice float64) error {
	ctx, span := e.tracer.Start(ctx, "technical.update-levels")
	defer span.End()

	hist, err := e.history.GetPriceHistory(ctx, metal, e.cfg.HistoryHours)
	if err != nil {
		return fmt.Errorf("load history for %s: %w", metal, err)
	}
	if len(hist) == 0 {
		return nil
	}

	prices := make([]float64, len(hist))
	volumes := make([]float64, len(hist))
	for i, p := range hist {
		prices[i] = p.Price
		volumes[i] = p.Volume
	}

	var set []domain.TechnicalLevel
	add := func(name string, value float64, strength, touches int) {
		if value <= 0 {
			return
		}
		set = append(set, domain.TechnicalLevel{
			Metal:    metal,
			Kind:     classify(value, currentPrice),
			Name:     name,
			Value:    value,
			Strength: strength,
			Touches:  touches,
		})
	}

	// Whole-window extremes.
	lo, hi := prices[0], prices[0]
	for _, p := range prices[1:] {
		lo = math.Min(lo, p)
		hi = math.Max(hi, p)
	}
	add(domain.LevelMax52, hi, 5, 0)
	add(domain.LevelMin52, lo, 5, 0)

	if sma, ok := ta.SMA(prices, 50); ok {
		add(domain.LevelSMA50, sma, 3, 0)
	}
	if sma, ok := ta.SMA(prices, 200); ok {
		add(domain.LevelSMA200, sma, 4, 0)
	}

	sessPrices, sessVolumes := sessionSlice(hist, e.now().Add(-time.Duration(e.cfg.SessionHours)*time.Hour))
	if len(sessPrices) >= 2 {
		sh, sl := sessPrices[0], sessPrices[0]
		for _, p := range sessPrices[1:] {
			sh = math.Max(sh, p)
			sl = math.Min(sl, p)
		}
		pivots := ta.PivotPoints(sh, sl, sessPrices[len(sessPrices)-1])
		add(domain.LevelPivotPP, pivots.PP, 3, 0)
		add(domain.LevelPivotR1, pivots.R1, 2, 0)
		add(domain.LevelPivotS1, pivots.S1, 2, 0)
		add(domain.LevelPivotR2, pivots.R2, 3, 0)
		add(domain.LevelPivotS2, pivots.S2, 3, 0)
		add(domain.LevelPivotR3, pivots.R3, 4, 0)
		add(domain.LevelPivotS3, pivots.S3, 4, 0)

		if vwap, ok := ta.VWAP(sessPrices, sessVolumes); ok {
			add(domain.LevelVWAP, vwap, 2, 0)
		}
		for i, z := range ta.VolumeZones(sessPrices, sessVolumes, e.cfg.VolumeBins, e.cfg.VolumeTopZones) {
			add(domain.VolumeZoneLevelName(i+1), z.Price, 3, 0)
		}
	}

	for i, tl := range ta.MultiTouchLevels(prices, e.cfg.TouchTolerance) {
		strength := tl.Touches
		if strength > e.cfg.MaxTouchStrength {
			strength = e.cfg.MaxTouchStrength
		}
		add(domain.MultiTouchLevelName(i+1), tl.Price, strength, tl.Touches)
	}

	e.mu.Lock()
	e.levels[metal] = set
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.ReplaceLevels(ctx, metal, set); err != nil {
			return fmt.Errorf("persist levels for %s: %w", metal, err)
		}
	}
	return nil
}

// Levels returns a copy of the current level set for a metal.
func (e *Engine) Levels(metal string) []domain.TechnicalLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()

	set := e.levels[metal]
	out := make([]domain.TechnicalLevel, len(set))
	copy(out, set)
	return out
}

// CheckProximity returns every level within the proximity band of price.
func (e *Engine) CheckProximity(metal string, price float64) []ProximityHit {
	if price <= 0 {
		return nil
	}

	var hits []ProximityHit
	for _, lvl := range e.Levels(metal) {
		dist := math.Abs(lvl.Value-price) / price * 100
		if dist > e.cfg.ProximityPercent {
			continue
		}
		approaching := (lvl.Kind == domain.LevelSupport && price >= lvl.Value) ||
			(lvl.Kind == domain.LevelResistance && price <= lvl.Value)
		hits = append(hits, ProximityHit{
			Level:           lvl,
			DistancePercent: dist,
			Approaching:     approaching,
		})
	}
	return hits
}

// CheckBreaks returns levels whose value lies strictly between the previous
// and current fused prices.
func (e *Engine) CheckBreaks(metal string, previousPrice, currentPrice float64) []Break {
	if previousPrice <= 0 || currentPrice <= 0 || previousPrice == currentPrice {
		return nil
	}

	lo, hi := previousPrice, currentPrice
	direction := "up"
	if currentPrice < previousPrice {
		lo, hi = currentPrice, previousPrice
		direction = "down"
	}

	var breaks []Break
	for _, lvl := range e.Levels(metal) {
		if lvl.Value > lo && lvl.Value < hi {
			breaks = append(breaks, Break{Level: lvl, Direction: direction})
		}
	}
	return breaks
}

// NearestLevels returns the closest support below price and the closest
// resistance above it; either may be absent.
func (e *Engine) NearestLevels(metal string, price float64) (support, resistance *domain.TechnicalLevel) {
	levels := e.Levels(metal)
	sort.Slice(levels, func(i, j int) bool { return levels[i].Value < levels[j].Value })

	for i := range levels {
		lvl := levels[i]
		switch {
		case lvl.Value < price:
			s := lvl
			support = &s
		case lvl.Value > price && resistance == nil:
			r := lvl
			resistance = &r
		}
	}
	return support, resistance
}

// classify tags a level relative to the current price; the same stored value
// can flip between support and resistance across cycles.
func classify(value, currentPrice float64) domain.LevelKind {
	if value > currentPrice {
		return domain.LevelResistance
	}
	return domain.LevelSupport
}

func sessionSlice(hist []domain.PricePoint, cutoff time.Time) (prices, volumes []float64) {
	for _, p := range hist {
		if p.Timestamp.Before(cutoff) {
			continue
		}
		prices = append(prices, p.Price)
		volumes = append(volumes, p.Volume)
	}
	return prices, volumes
}

package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const kitcoBaseURL = "https://www.kitco.com"

var kitcoSymbols = map[string]string{
	"XAUUSD": "XAU",
	"XAGUSD": "XAG",
	"XPTUSD": "XPT",
	"XPDUSD": "XPD",
}

// Primary strategy: markup elements carrying a data-symbol attribute.
// Fallback: a symbol followed within a short span by a dollar amount.
var (
	kitcoSymbolRe   = regexp.MustCompile(`data-symbol="(X[A-Z]{2}USD)"[^>]*>([^<]+)<`)
	kitcoFallbackRe = regexp.MustCompile(`(XAU|XAG|XPT|XPD)USD[\s\S]{0,120}?\$?([\d,]+\.\d+)`)
	nonNumericRe    = regexp.MustCompile(`[^\d.]`)
)

// Kitco scrapes the market board page. The page layout shifts, so parsing
// tries the structured markup first and falls back to a looser pattern with
// a lower reliability score.
type Kitco struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
	limiter *RateLimiter

	mu        sync.Mutex
	snapshot  map[string]domain.PriceObservation
	fetchedAt time.Time
	snapTTL   time.Duration
}

func NewKitco(tracer trace.Tracer) *Kitco {
	return &Kitco{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: kitcoBaseURL,
		tracer:  tracer,
		limiter: NewRateLimiter(4, 15*time.Second),
		snapTTL: 30 * time.Second,
	}
}

func (s *Kitco) Name() string     { return "kitco" }
func (s *Kitco) Priority() int    { return 2 }
func (s *Kitco) Reliability() int { return 80 }

func (s *Kitco) Supports(metal string) bool {
	for _, code := range kitcoSymbols {
		if code == metal {
			return true
		}
	}
	return false
}

func (s *Kitco) Fetch(ctx context.Context, metal string) (domain.PriceObservation, error) {
	_, span := s.tracer.Start(ctx, "kitco.fetch")
	defer span.End()

	snap, err := s.board(ctx)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	obs, ok := snap[metal]
	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("kitco: no quote for %s", metal)
	}
	return obs, nil
}

func (s *Kitco) board(ctx context.Context) (map[string]domain.PriceObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot != nil && time.Since(s.fetchedAt) < s.snapTTL {
		return s.snapshot, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/market/", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; metal-sentinel/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kitco returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	snap := parseKitco(string(body), s.Name(), s.Reliability())
	if len(snap) == 0 {
		return nil, fmt.Errorf("kitco: no prices parsed from market page")
	}

	s.snapshot = snap
	s.fetchedAt = time.Now()
	return snap, nil
}

func parseKitco(html, sourceName string, reliability int) map[string]domain.PriceObservation {
	now := time.Now().UTC()
	snap := make(map[string]domain.PriceObservation)

	for _, m := range kitcoSymbolRe.FindAllStringSubmatch(html, -1) {
		code, ok := kitcoSymbols[m[1]]
		if !ok {
			continue
		}
		price, err := parsePriceText(m[2])
		if err != nil {
			continue
		}
		snap[code] = domain.PriceObservation{
			Metal:       code,
			Price:       price,
			Currency:    "USD",
			Unit:        "oz",
			Source:      sourceName,
			Reliability: reliability,
			Timestamp:   now,
		}
	}
	if len(snap) > 0 {
		return snap
	}

	// Looser extraction earns a lower score since it can latch onto an
	// adjacent figure.
	for _, m := range kitcoFallbackRe.FindAllStringSubmatch(html, -1) {
		code := m[1]
		if _, seen := snap[code]; seen {
			continue
		}
		price, err := parsePriceText(m[2])
		if err != nil {
			continue
		}
		snap[code] = domain.PriceObservation{
			Metal:       code,
			Price:       price,
			Currency:    "USD",
			Unit:        "oz",
			Source:      sourceName,
			Reliability: 60,
			Timestamp:   now,
		}
	}
	return snap
}

func parsePriceText(text string) (float64, error) {
	cleaned := nonNumericRe.ReplaceAllString(strings.TrimSpace(text), "")
	if cleaned == "" {
		return 0, fmt.Errorf("no digits in %q", text)
	}
	return strconv.ParseFloat(cleaned, 64)
}

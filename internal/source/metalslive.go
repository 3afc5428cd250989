package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const metalsLiveBaseURL = "https://api.metals.live"

var metalsLiveNames = map[string]string{
	"gold":      "XAU",
	"silver":    "XAG",
	"platinum":  "XPT",
	"palladium": "XPD",
	"copper":    "XCU",
	"aluminum":  "XAL",
	"nickel":    "XNI",
	"lead":      "XPB",
	"zinc":      "XZN",
	"tin":       "XSN",
}

// MetalsLive is the primary spot source. One API call returns the whole
// board, so the response is cached briefly and per-metal fetches read from
// the snapshot.
type MetalsLive struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
	limiter *RateLimiter

	mu        sync.Mutex
	snapshot  map[string]domain.PriceObservation
	fetchedAt time.Time
	snapTTL   time.Duration
}

func NewMetalsLive(tracer trace.Tracer) *MetalsLive {
	return &MetalsLive{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: metalsLiveBaseURL,
		tracer:  tracer,
		limiter: NewRateLimiter(10, 6*time.Second),
		snapTTL: 15 * time.Second,
	}
}

func (s *MetalsLive) Name() string     { return "metals.live" }
func (s *MetalsLive) Priority() int    { return 1 }
func (s *MetalsLive) Reliability() int { return 90 }

func (s *MetalsLive) Supports(metal string) bool {
	for _, code := range metalsLiveNames {
		if code == metal {
			return true
		}
	}
	return false
}

func (s *MetalsLive) Fetch(ctx context.Context, metal string) (domain.PriceObservation, error) {
	_, span := s.tracer.Start(ctx, "metalslive.fetch")
	defer span.End()

	snap, err := s.board(ctx)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	obs, ok := snap[metal]
	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("metals.live: no quote for %s", metal)
	}
	return obs, nil
}

func (s *MetalsLive) board(ctx context.Context) (map[string]domain.PriceObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snapshot != nil && time.Since(s.fetchedAt) < s.snapTTL {
		return s.snapshot, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/spot", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("metals.live API error %d: %s", resp.StatusCode, string(body))
	}

	// Response shape: [{"metal": "gold", "price": 2034.5, "change": 12.3}, ...]
	var raw []struct {
		Metal  string  `json:"metal"`
		Price  float64 `json:"price"`
		Change float64 `json:"change"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse spot board: %w", err)
	}

	now := time.Now().UTC()
	snap := make(map[string]domain.PriceObservation, len(raw))
	for _, item := range raw {
		code, ok := metalsLiveNames[strings.ToLower(item.Metal)]
		if !ok || item.Price <= 0 {
			continue
		}
		snap[code] = domain.PriceObservation{
			Metal:       code,
			Price:       item.Price,
			Currency:    "USD",
			Unit:        "oz",
			Source:      s.Name(),
			Reliability: s.Reliability(),
			Timestamp:   now,
		}
	}

	s.snapshot = snap
	s.fetchedAt = now
	return snap, nil
}

package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const yahooBaseURL = "https://query1.finance.yahoo.com"

// Futures symbols per metal. Yahoo quotes COMEX/NYMEX front-month contracts.
var yahooSymbols = map[string]string{
	"XAU": "GC=F",
	"XAG": "SI=F",
	"XPT": "PL=F",
	"XPD": "PA=F",
	"XCU": "HG=F",
}

// Yahoo fetches the chart endpoint's meta block for one symbol per call.
// It is the only source that carries intraday high/low and volume, which
// the level engine needs for pivots and VWAP.
type Yahoo struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
	limiter *RateLimiter
}

func NewYahoo(tracer trace.Tracer) *Yahoo {
	return &Yahoo{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: yahooBaseURL,
		tracer:  tracer,
		limiter: NewRateLimiter(10, 6*time.Second),
	}
}

func (s *Yahoo) Name() string     { return "yahoo" }
func (s *Yahoo) Priority() int    { return 3 }
func (s *Yahoo) Reliability() int { return 85 }

func (s *Yahoo) Supports(metal string) bool {
	_, ok := yahooSymbols[metal]
	return ok
}

func (s *Yahoo) Fetch(ctx context.Context, metal string) (domain.PriceObservation, error) {
	_, span := s.tracer.Start(ctx, "yahoo.fetch")
	defer span.End()

	symbol, ok := yahooSymbols[metal]
	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("yahoo: unsupported metal %s", metal)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return domain.PriceObservation{}, fmt.Errorf("rate limit wait: %w", err)
	}

	url := fmt.Sprintf("%s/v8/finance/chart/%s", s.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; metal-sentinel/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return domain.PriceObservation{}, fmt.Errorf("yahoo API error %d: %s", resp.StatusCode, string(body))
	}

	var raw struct {
		Chart struct {
			Result []struct {
				Meta struct {
					RegularMarketPrice   float64 `json:"regularMarketPrice"`
					PreviousClose        float64 `json:"previousClose"`
					RegularMarketDayHigh float64 `json:"regularMarketDayHigh"`
					RegularMarketDayLow  float64 `json:"regularMarketDayLow"`
					RegularMarketVolume  float64 `json:"regularMarketVolume"`
				} `json:"meta"`
			} `json:"result"`
		} `json:"chart"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return domain.PriceObservation{}, fmt.Errorf("parse chart for %s: %w", symbol, err)
	}
	if len(raw.Chart.Result) == 0 {
		return domain.PriceObservation{}, fmt.Errorf("yahoo: empty chart result for %s", symbol)
	}

	meta := raw.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return domain.PriceObservation{}, fmt.Errorf("yahoo: no market price for %s", symbol)
	}

	return domain.PriceObservation{
		Metal:       metal,
		Price:       meta.RegularMarketPrice,
		Currency:    "USD",
		Unit:        "oz",
		Open:        meta.PreviousClose,
		High24h:     meta.RegularMarketDayHigh,
		Low24h:      meta.RegularMarketDayLow,
		Volume:      meta.RegularMarketVolume,
		Source:      s.Name(),
		Reliability: s.Reliability(),
		Timestamp:   time.Now().UTC(),
	}, nil
}

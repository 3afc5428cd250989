package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const tradingEconomicsBaseURL = "https://tradingeconomics.com"

var ironOreRe = regexp.MustCompile(`id="[^"]*iron[^"]*"[^>]*>\s*([\d,.]+)`)

// TradingEconomics scrapes the iron-ore commodity page. It is the only
// source covering FE and carries the lowest reliability score on the board.
type TradingEconomics struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
	limiter *RateLimiter
}

func NewTradingEconomics(tracer trace.Tracer) *TradingEconomics {
	return &TradingEconomics{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: tradingEconomicsBaseURL,
		tracer:  tracer,
		limiter: NewRateLimiter(2, 30*time.Second),
	}
}

func (s *TradingEconomics) Name() string               { return "tradingeconomics" }
func (s *TradingEconomics) Priority() int              { return 5 }
func (s *TradingEconomics) Reliability() int           { return 65 }
func (s *TradingEconomics) Supports(metal string) bool { return metal == "FE" }

func (s *TradingEconomics) Fetch(ctx context.Context, metal string) (domain.PriceObservation, error) {
	_, span := s.tracer.Start(ctx, "tradingeconomics.fetch")
	defer span.End()

	if metal != "FE" {
		return domain.PriceObservation{}, fmt.Errorf("tradingeconomics: unsupported metal %s", metal)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return domain.PriceObservation{}, fmt.Errorf("rate limit wait: %w", err)
	}

	url := s.baseURL + "/commodity/iron-ore"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; metal-sentinel/1.0)")

	resp, err := s.client.Do(req)
	if err != nil {
		return domain.PriceObservation{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.PriceObservation{}, fmt.Errorf("tradingeconomics returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PriceObservation{}, err
	}

	m := ironOreRe.FindStringSubmatch(string(body))
	if m == nil {
		return domain.PriceObservation{}, fmt.Errorf("tradingeconomics: iron ore price not found")
	}
	price, err := parsePriceText(m[1])
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("tradingeconomics: parse price %q: %w", m[1], err)
	}

	return domain.PriceObservation{
		Metal:       "FE",
		Price:       price,
		Currency:    "USD",
		Unit:        "t",
		Source:      s.Name(),
		Reliability: s.Reliability(),
		Timestamp:   time.Now().UTC(),
	}, nil
}

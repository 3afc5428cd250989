package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"metal-sentinel/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const camecoBaseURL = "https://www.cameco.com"

var uraniumPriceRe = regexp.MustCompile(`\$([\d,.]+)/lb`)

// Cameco scrapes the published UxC spot indicator for uranium. The page
// updates roughly weekly, so a stale-looking price is normal.
type Cameco struct {
	client  *http.Client
	baseURL string
	tracer  trace.Tracer
	limiter *RateLimiter
}

func NewCameco(tracer trace.Tracer) *Cameco {
	return &Cameco{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: camecoBaseURL,
		tracer:  tracer,
		limiter: NewRateLimiter(2, 30*time.Second),
	}
}

func (s *Cameco) Name() string               { return "cameco" }
func (s *Cameco) Priority() int              { return 4 }
func (s *Cameco) Reliability() int           { return 70 }
func (s *Cameco) Supports(metal string) bool { return metal == "UX" }

func (s *Cameco) Fetch(ctx context.Context, metal string) (domain.PriceObservation, error) {
	_, span := s.tracer.Start(ctx, "cameco.fetch")
	defer span.End()

	if metal != "UX" {
		return domain.PriceObservation{}, fmt.Errorf("cameco: unsupported metal %s", metal)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return domain.PriceObservation{}, fmt.Errorf("rate limit wait: %w", err)
	}

	url := s.baseURL + "/invest/markets/uranium-price"
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
		return domain.PriceObservation{}, fmt.Errorf("cameco returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.PriceObservation{}, err
	}

	m := uraniumPriceRe.FindStringSubmatch(string(body))
	if m == nil {
		return domain.PriceObservation{}, fmt.Errorf("cameco: uranium price not found in page")
	}
	price, err := parsePriceText(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("cameco: parse price %q: %w", m[1], err)
	}

	return domain.PriceObservation{
		Metal:       "UX",
		Price:       price,
		Currency:    "USD",
		Unit:        "lb",
		Source:      s.Name(),
		Reliability: s.Reliability(),
		Timestamp:   time.Now().UTC(),
	}, nil
}

package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"metal-sentinel/internal/domain"
	"metal-sentinel/internal/repository"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

type fakePrices struct {
	fused   map[string]domain.FusedPrice
	history map[string][]domain.PricePoint
}

func (f *fakePrices) LastFused(metal string) (domain.FusedPrice, bool) {
	p, ok := f.fused[metal]
	return p, ok
}

func (f *fakePrices) AllFused() []domain.FusedPrice {
	var out []domain.FusedPrice
	for _, p := range f.fused {
		out = append(out, p)
	}
	return out
}

func (f *fakePrices) History(metal string) []domain.PricePoint { return f.history[metal] }

type fakeLevels struct {
	levels map[string][]domain.TechnicalLevel
}

func (f *fakeLevels) Levels(metal string) []domain.TechnicalLevel { return f.levels[metal] }

type fakeHistoryStore struct {
	points []domain.PricePoint
	hours  int
}

func (f *fakeHistoryStore) GetPriceHistory(ctx context.Context, metal string, hours int) ([]domain.PricePoint, error) {
	f.hours = hours
	return f.points, nil
}

func fusedGold(price float64) domain.FusedPrice {
	var f domain.FusedPrice
	f.Metal = "XAU"
	f.Price = price
	f.Currency = "USD"
	f.Unit = "oz"
	f.Source = "yahoo"
	f.Reliability = 85
	f.Timestamp = time.Now()
	f.ChangePercent = 1.2
	return f
}

type fakeLevelStore struct {
	levels []domain.TechnicalLevel
}

func (f *fakeLevelStore) GetLevels(ctx context.Context, metal string) ([]domain.TechnicalLevel, error) {
	return f.levels, nil
}

type fakeErrorReader struct {
	entries []repository.ErrorEntry
	limit   int
}

func (f *fakeErrorReader) RecentErrors(ctx context.Context, limit int) ([]repository.ErrorEntry, error) {
	f.limit = limit
	return f.entries, nil
}

func newTestRouter(prices PriceReader, levels LevelReader, history HistoryStore) *gin.Engine {
	return newTestRouterFull(prices, levels, history, nil, nil)
}

func newTestRouterFull(prices PriceReader, levels LevelReader, history HistoryStore, store LevelStore, errors ErrorReader) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	tracer := trace.NewNoopTracerProvider().Tracer("test")
	New(tracer, prices, levels, history, store, errors).RegisterRoutes(r)
	return r
}

func TestHealth(t *testing.T) {
	r := newTestRouter(&fakePrices{}, &fakeLevels{}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/health", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	body := w.Body.String()
	if body != "{\"status\":\"healthy\"}\n" && body != "{\"status\":\"healthy\"}" {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestGetPrice(t *testing.T) {
	prices := &fakePrices{fused: map[string]domain.FusedPrice{"XAU": fusedGold(2050)}}
	r := newTestRouter(prices, &fakeLevels{}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/prices/xau", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var got domain.FusedPrice
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Metal != "XAU" || got.Price != 2050 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestGetPriceUnsupportedMetal(t *testing.T) {
	r := newTestRouter(&fakePrices{}, &fakeLevels{}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/prices/DOGE", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestGetPriceNotCollectedYet(t *testing.T) {
	r := newTestRouter(&fakePrices{}, &fakeLevels{}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/prices/XAU", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestGetLevels(t *testing.T) {
	levels := &fakeLevels{levels: map[string][]domain.TechnicalLevel{
		"XAU": {
			{Metal: "XAU", Kind: domain.LevelSupport, Name: domain.LevelSMA50, Value: 2010, Strength: 3},
		},
	}}
	r := newTestRouter(&fakePrices{}, levels, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/levels/XAU", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var got struct {
		Metal  string                  `json:"metal"`
		Levels []domain.TechnicalLevel `json:"levels"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Metal != "XAU" || len(got.Levels) != 1 || got.Levels[0].Name != "sma_50" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestGetHistoryPrefersDurableStore(t *testing.T) {
	store := &fakeHistoryStore{points: []domain.PricePoint{
		{Timestamp: time.Now().Add(-time.Hour), Price: 2040},
		{Timestamp: time.Now(), Price: 2050},
	}}
	r := newTestRouter(&fakePrices{}, &fakeLevels{}, store)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/history/XAU?hours=72", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if store.hours != 72 {
		t.Fatalf("expected 72h lookback, got %d", store.hours)
	}
	var got struct {
		Points []domain.PricePoint `json:"points"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(got.Points))
	}
}

func TestGetLevelsFallsBackToStoredSet(t *testing.T) {
	store := &fakeLevelStore{levels: []domain.TechnicalLevel{
		{Metal: "XAU", Kind: domain.LevelResistance, Name: domain.LevelMax52, Value: 2150, Strength: 5},
	}}
	r := newTestRouterFull(&fakePrices{}, &fakeLevels{}, nil, store, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/levels/XAU", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var got struct {
		Levels []domain.TechnicalLevel `json:"levels"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Levels) != 1 || got.Levels[0].Name != "max_52w" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestGetErrors(t *testing.T) {
	reader := &fakeErrorReader{entries: []repository.ErrorEntry{
		{Component: "fusion", Message: "kitco: parse failed", CreatedAt: time.Now()},
	}}
	r := newTestRouterFull(&fakePrices{}, &fakeLevels{}, nil, nil, reader)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/errors?limit=5", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if reader.limit != 5 {
		t.Fatalf("expected limit 5, got %d", reader.limit)
	}
	var got struct {
		Errors []repository.ErrorEntry `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(got.Errors) != 1 || got.Errors[0].Component != "fusion" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestGetHistoryFallsBackToMemory(t *testing.T) {
	prices := &fakePrices{history: map[string][]domain.PricePoint{
		"XAG": {{Timestamp: time.Now(), Price: 23.4}},
	}}
	r := newTestRouter(prices, &fakeLevels{}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/history/XAG", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var got struct {
		Hours  int                 `json:"hours"`
		Points []domain.PricePoint `json:"points"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Hours != 24 || len(got.Points) != 1 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

package enrich

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"metal-sentinel/internal/domain"

	"github.com/openai/openai-go"
	"go.opentelemetry.io/otel/trace"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.reply}},
		},
	}, nil
}

type fakeCounters struct {
	counts map[string]int
}

func (f *fakeCounters) GetCounter(_ context.Context, name string) (int, error) {
	return f.counts[name], nil
}

func (f *fakeCounters) IncrementCounter(_ context.Context, name string) error {
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
	f.counts[name]++
	return nil
}

func priceAlert() domain.Alert {
	return domain.Alert{
		Severity: domain.SeverityCritical,
		Category: domain.CategoryPrice,
		Metal:    "XAU",
		Context: map[string]any{
			"current_price":  2000.0,
			"change_percent": 2.56,
			"timeframe_min":  15,
		},
	}
}

func newTestEnricher(llm LLMClient, counters CounterStore, maxPerDay int) *Enricher {
	return NewEnricher(
		trace.NewNoopTracerProvider().Tracer("test"),
		llm, counters, nil, "gpt-4o-mini", maxPerDay, time.Second,
	)
}

func TestEnrichReturnsAnalysisAndCounts(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{reply: "analysis"}
	counters := &fakeCounters{}
	e := newTestEnricher(llm, counters, 1000)

	got, err := e.Enrich(context.Background(), priceAlert())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "analysis" {
		t.Errorf("analysis = %q", got)
	}

	stats := e.GetStats(context.Background())
	if stats.CallsToday != 1 || stats.Remaining != 999 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestEnrichQuotaExhausted(t *testing.T) {
	t.Parallel()

	llm := &fakeLLM{reply: "analysis"}
	counters := &fakeCounters{counts: map[string]int{}}
	e := newTestEnricher(llm, counters, 2)
	e.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	counters.counts[e.counterName()] = 2

	if _, err := e.Enrich(context.Background(), priceAlert()); err == nil {
		t.Error("expected quota error")
	}
	if llm.calls != 0 {
		t.Errorf("llm called %d times with no quota", llm.calls)
	}
	if got := e.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestEnrichQuotaResetsByDate(t *testing.T) {
	t.Parallel()

	counters := &fakeCounters{counts: map[string]int{}}
	e := newTestEnricher(&fakeLLM{reply: "x"}, counters, 10)

	e.now = func() time.Time { return time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC) }
	counters.counts[e.counterName()] = 10
	if got := e.Remaining(); got != 0 {
		t.Fatalf("Remaining = %d, want 0 before midnight", got)
	}

	e.now = func() time.Time { return time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC) }
	if got := e.Remaining(); got != 10 {
		t.Errorf("Remaining = %d, want full quota after midnight", got)
	}
}

func TestEnrichLLMErrorPropagates(t *testing.T) {
	t.Parallel()

	e := newTestEnricher(&fakeLLM{err: errors.New("timeout")}, &fakeCounters{}, 1000)
	if _, err := e.Enrich(context.Background(), priceAlert()); err == nil {
		t.Error("expected llm error to propagate")
	}
	if stats := e.GetStats(context.Background()); stats.CallsToday != 0 {
		t.Errorf("failed call must not consume quota, stats = %+v", stats)
	}
}

func TestBuildPromptPerCategory(t *testing.T) {
	t.Parallel()

	if p := buildPrompt(priceAlert()); !strings.Contains(p, "XAU Gold") || !strings.Contains(p, "2.56") {
		t.Errorf("price prompt = %q", p)
	}

	brk := domain.Alert{
		Category: domain.CategoryTechnicalBreak,
		Metal:    "XAG",
		Context: map[string]any{
			"direction":     "up",
			"level_name":    domain.LevelPivotR1,
			"level_value":   25.4,
			"current_price": 25.6,
		},
	}
	if p := buildPrompt(brk); !strings.Contains(p, "broke up") {
		t.Errorf("break prompt = %q", p)
	}

	whale := domain.Alert{Category: domain.CategoryWhale}
	if p := buildPrompt(whale); p != "" {
		t.Errorf("whale alerts have no prompt, got %q", p)
	}
}

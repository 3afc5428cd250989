// Package enrich generates short market analysis for alerts through an LLM,
// under a daily call quota and a prompt-level cache.
package enrich

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"metal-sentinel/internal/domain"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	promptCacheTTL  = time.Hour
	defaultCallWait = 60 * time.Second
)

// LLMClient abstracts the OpenAI chat completions API for testability.
type LLMClient interface {
	CreateChatCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// CounterStore is the durable daily call counter. Counter names embed the
// UTC date so quotas reset naturally at midnight.
type CounterStore interface {
	GetCounter(ctx context.Context, name string) (int, error)
	IncrementCounter(ctx context.Context, name string) error
}

type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Stats reports quota usage for the status surface.
type Stats struct {
	CallsToday int
	Remaining  int
}

type Enricher struct {
	tracer   trace.Tracer
	llm      LLMClient
	counters CounterStore
	redis    RedisClient

	model       string
	maxPerDay   int
	callTimeout time.Duration

	now func() time.Time
}

func NewEnricher(
	tracer trace.Tracer,
	llm LLMClient,
	counters CounterStore,
	redisClient RedisClient,
	model string,
	maxPerDay int,
	callTimeout time.Duration,
) *Enricher {
	if maxPerDay <= 0 {
		maxPerDay = 1000
	}
	if callTimeout <= 0 {
		callTimeout = defaultCallWait
	}
	return &Enricher{
		tracer:      tracer,
		llm:         llm,
		counters:    counters,
		redis:       redisClient,
		model:       model,
		maxPerDay:   maxPerDay,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

// Enrich produces a short analysis for the alert. Quota exhaustion and call
// failures return an error; callers dispatch the alert unenriched.
func (e *Enricher) Enrich(ctx context.Context, a domain.Alert) (string, error) {
	ctx, span := e.tracer.Start(ctx, "enrich.generate")
	defer span.End()
	span.SetAttributes(attribute.String("alert.category", string(a.Category)))

	prompt := buildPrompt(a)
	if prompt == "" {
		return "", nil
	}

	if e.redis != nil {
		if cached, err := e.redis.Get(ctx, cacheKey(prompt)).Result(); err == nil && cached != "" {
			return cached, nil
		}
	}

	if e.Remaining() <= 0 {
		return "", fmt.Errorf("daily enrichment quota exhausted")
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()

	completion, err := e.llm.CreateChatCompletion(callCtx, openai.ChatCompletionNewParams{
		Model: e.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("llm call: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("no choices in llm response")
	}

	if e.counters != nil {
		if err := e.counters.IncrementCounter(ctx, e.counterName()); err != nil {
			log.Printf("counter increment error: %v", err)
		}
	}

	analysis := completion.Choices[0].Message.Content
	if e.redis != nil && analysis != "" {
		if err := e.redis.Set(ctx, cacheKey(prompt), analysis, promptCacheTTL).Err(); err != nil {
			log.Printf("enrichment cache write error: %v", err)
		}
	}
	return analysis, nil
}

// Remaining returns the calls left in today's quota.
func (e *Enricher) Remaining() int {
	stats := e.GetStats(context.Background())
	return stats.Remaining
}

func (e *Enricher) GetStats(ctx context.Context) Stats {
	calls := 0
	if e.counters != nil {
		var err error
		calls, err = e.counters.GetCounter(ctx, e.counterName())
		if err != nil {
			log.Printf("counter read error: %v", err)
		}
	}
	remaining := e.maxPerDay - calls
	if remaining < 0 {
		remaining = 0
	}
	return Stats{CallsToday: calls, Remaining: remaining}
}

func (e *Enricher) counterName() string {
	return "llm_calls:" + e.now().UTC().Format("20060102")
}

func cacheKey(prompt string) string {
	sum := md5.Sum([]byte(prompt))
	return "enrich:" + hex.EncodeToString(sum[:])
}

const systemPrompt = "You are a commodities market analyst. " +
	"Reply in at most three sentences, plain text, no preamble. " +
	"Focus on what the move means for positioning, not on restating the numbers."

func buildPrompt(a domain.Alert) string {
	switch a.Category {
	case domain.CategoryPrice:
		return fmt.Sprintf(
			"%s moved %.2f%% in %v minutes to %.2f. What correlated markets or flows could explain this move?",
			domain.FormatMetal(a.Metal),
			ctxFloat(a.Context, "change_percent"),
			a.Context["timeframe_min"],
			ctxFloat(a.Context, "current_price"))
	case domain.CategoryTechnical:
		return fmt.Sprintf(
			"%s trades at %.2f, within %.2f%% of the %s level %s at %.2f. How significant is this level?",
			domain.FormatMetal(a.Metal),
			ctxFloat(a.Context, "current_price"),
			ctxFloat(a.Context, "distance_percent"),
			a.Context["level_kind"],
			a.Context["level_name"],
			ctxFloat(a.Context, "level_value"))
	case domain.CategoryTechnicalBreak:
		return fmt.Sprintf(
			"%s broke %s through the %s level at %.2f and now trades at %.2f. What follow-through is typical?",
			domain.FormatMetal(a.Metal),
			a.Context["direction"],
			a.Context["level_name"],
			ctxFloat(a.Context, "level_value"),
			ctxFloat(a.Context, "current_price"))
	case domain.CategoryCalendar:
		return fmt.Sprintf(
			"The event %q (%s impact) is coming up. How does this type of event usually affect metal prices?",
			a.Context["title"], a.Context["impact"])
	default:
		return ""
	}
}

func ctxFloat(ctx map[string]any, key string) float64 {
	if v, ok := ctx[key].(float64); ok {
		return v
	}
	return 0
}

// openaiClient wraps the official SDK's chat completions service.
type openaiClient struct {
	client openai.Client
}

func NewOpenAIClient(apiKey string) LLMClient {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &openaiClient{client: client}
}

func (c *openaiClient) CreateChatCompletion(
	ctx context.Context,
	params openai.ChatCompletionNewParams,
) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

package handler

import (
	"context"

	"metal-sentinel/internal/domain"
	"metal-sentinel/internal/repository"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// PriceReader is the fused price surface exposed over HTTP.
type PriceReader interface {
	LastFused(metal string) (domain.FusedPrice, bool)
	AllFused() []domain.FusedPrice
	History(metal string) []domain.PricePoint
}

// LevelReader exposes computed support/resistance sets.
type LevelReader interface {
	Levels(metal string) []domain.TechnicalLevel
}

// HistoryStore serves durable history beyond the in-memory window. Optional;
// the in-memory window answers when nil.
type HistoryStore interface {
	GetPriceHistory(ctx context.Context, metal string, hours int) ([]domain.PricePoint, error)
}

// LevelStore serves persisted levels when the engine has not recomputed yet
// after a restart. Optional.
type LevelStore interface {
	GetLevels(ctx context.Context, metal string) ([]domain.TechnicalLevel, error)
}

// ErrorReader serves the operational error log. Optional.
type ErrorReader interface {
	RecentErrors(ctx context.Context, limit int) ([]repository.ErrorEntry, error)
}

type Handler struct {
	tracer     trace.Tracer
	prices     PriceReader
	levels     LevelReader
	history    HistoryStore
	levelStore LevelStore
	errors     ErrorReader
}

func New(tracer trace.Tracer, prices PriceReader, levels LevelReader, history HistoryStore, levelStore LevelStore, errors ErrorReader) *Handler {
	return &Handler{
		tracer:     tracer,
		prices:     prices,
		levels:     levels,
		history:    history,
		levelStore: levelStore,
		errors:     errors,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/api/prices", h.GetAllPrices)
	r.GET("/api/prices/:metal", h.GetPrice)
	r.GET("/api/levels/:metal", h.GetLevels)
	r.GET("/api/history/:metal", h.GetHistory)
	r.GET("/api/errors", h.GetErrors)
}

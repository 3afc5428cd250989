package handler

import (
	"net/http"
	"strconv"
	"strings"

	"metal-sentinel/internal/domain"
	"metal-sentinel/internal/repository"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetLevels godoc
// @Summary      Get computed support/resistance levels for a metal
// @Tags         levels
// @Produce      json
// @Param        metal  path  string  true  "Metal ticker"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/levels/{metal} [get]
func (h *Handler) GetLevels(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-levels")
	defer span.End()

	metal := strings.ToUpper(c.Param("metal"))
	span.SetAttributes(attribute.String("metal", metal))

	if !domain.IsSupportedMetal(metal) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":            "unsupported metal: " + metal,
			"supported_metals": domain.SupportedMetals,
		})
		return
	}

	levels := h.levels.Levels(metal)
	// Persisted set bridges the gap between a restart and the first
	// recompute cycle.
	if len(levels) == 0 && h.levelStore != nil {
		stored, err := h.levelStore.GetLevels(ctx, metal)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		levels = stored
	}

	c.JSON(http.StatusOK, gin.H{
		"metal":  metal,
		"levels": levels,
	})
}

// GetErrors godoc
// @Summary      Get recent operational errors
// @Tags         health
// @Produce      json
// @Param        limit  query  int  false  "Max entries (default 20, max 200)"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/errors [get]
func (h *Handler) GetErrors(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-errors")
	defer span.End()

	if h.errors == nil {
		c.JSON(http.StatusOK, gin.H{"errors": []repository.ErrorEntry{}})
		return
	}

	limit := 20
	if q := c.Query("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	entries, err := h.errors.RecentErrors(ctx, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"errors": entries})
}

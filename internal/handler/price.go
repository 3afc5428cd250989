package handler

import (
	"net/http"
	"strconv"
	"strings"

	"metal-sentinel/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetPrice godoc
// @Summary      Get the current fused price for a metal
// @Description  Returns the latest winning observation with change figures
// @Tags         prices
// @Produce      json
// @Param        metal  path  string  true  "Metal ticker (e.g., XAU, XAG)"
// @Success      200  {object}  domain.FusedPrice
// @Failure      400  {object}  map[string]string
// @Router       /api/prices/{metal} [get]
func (h *Handler) GetPrice(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.get-price")
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

	fused, ok := h.prices.LastFused(metal)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no price collected yet for " + metal})
		return
	}

	c.JSON(http.StatusOK, fused)
}

// GetAllPrices godoc
// @Summary      Get current fused prices for all tracked metals
// @Tags         prices
// @Produce      json
// @Success      200  {object}  map[string]interface{}
// @Router       /api/prices [get]
func (h *Handler) GetAllPrices(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.get-all-prices")
	defer span.End()

	c.JSON(http.StatusOK, gin.H{"prices": h.prices.AllFused()})
}

// GetHistory godoc
// @Summary      Get price history for a metal
// @Description  Durable history when storage is configured, otherwise the in-memory window
// @Tags         prices
// @Produce      json
// @Param        metal  path   string  true   "Metal ticker"
// @Param        hours  query  int     false  "Lookback window in hours (default 24, max 8760)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Router       /api/history/{metal} [get]
func (h *Handler) GetHistory(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-history")
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

	hours := 24
	if q := c.Query("hours"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 8760 {
			hours = n
		}
	}

	var points []domain.PricePoint
	if h.history != nil {
		var err error
		points, err = h.history.GetPriceHistory(ctx, metal, hours)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	} else {
		points = h.prices.History(metal)
	}

	c.JSON(http.StatusOK, gin.H{
		"metal":  metal,
		"hours":  hours,
		"points": points,
	})
}

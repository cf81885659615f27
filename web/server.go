// Package web exposes the analysis engines as a JSON API.
package web

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kabili207/meshmon-go/core/analysis"
)

// Default thresholds for the longest-links endpoint.
const (
	defaultMinDistanceKm = 1.0
	defaultMinSNR        = -30.0
)

// NewRouter builds the API router over an Analyzer.
func NewRouter(a *analysis.Analyzer, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		api.GET("/longest-links", longestLinks(a, logger))
		api.GET("/network-graph", networkGraph(a, logger))
	}
	return r
}

func longestLinks(a *analysis.Analyzer, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := analysis.LinkOptions{
			MinDistanceKm: queryFloat(c, "min_distance", defaultMinDistanceKm),
			MinSNR:        queryFloat(c, "min_snr", defaultMinSNR),
			MaxResults:    queryInt(c, "max_results", analysis.DefaultMaxResults),
		}
		result, err := a.LongestLinks(c.Request.Context(), opts)
		if err != nil {
			logger.Error("longest links analysis failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func networkGraph(a *analysis.Analyzer, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		opts := analysis.GraphOptions{
			IncludeIndirect: c.Query("include_indirect") == "true",
		}
		result, err := a.NetworkGraph(c.Request.Context(), opts)
		if err != nil {
			logger.Error("network graph build failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func queryFloat(c *gin.Context, name string, fallback float64) float64 {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

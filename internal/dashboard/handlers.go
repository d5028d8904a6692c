package dashboard

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tradeforce/internal/stream"
	"tradeforce/internal/venue"
)

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type subscribeRequest struct {
	Symbols []string `json:"symbols" binding:"required,min=1"`
}

func (s *Server) handleVenues(c *gin.Context) {
	stats := s.core.ConnectionStats()
	c.JSON(http.StatusOK, gin.H{
		"venues":      s.core.Venues(),
		"stats":       stats,
		"successRate": stats.SuccessRate(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       s.core.Status(),
		"autoFailover": s.core.AutoFailover(),
		"healthCheck":  s.core.HealthCheckEnabled(),
		"stream":       s.core.StreamStats(),
	})
}

func (s *Server) handleReconnect(c *gin.Context) {
	id := c.Param("id")
	ok, err := s.core.Reconnect(c.Request.Context(), id)
	switch {
	case errors.Is(err, venue.ErrUnknownVenue):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"venue": id, "connected": ok})
}

// handleStreamReconnect is the manual way out of the failed stream state.
func (s *Server) handleStreamReconnect(c *gin.Context) {
	err := s.core.ReconnectStream(c.Request.Context())
	state := s.core.StreamStats().State
	switch {
	case errors.Is(err, stream.ErrDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "state": state})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connected": true, "state": state})
}

func (s *Server) handleToggle(apply func(bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req toggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		apply(*req.Enabled)
		c.JSON(http.StatusOK, gin.H{"enabled": *req.Enabled})
	}
}

func (s *Server) handleToken(c *gin.Context) {
	data := s.core.GetTokenData(c.Param("symbol"))
	if data == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no data for symbol"})
		return
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) handleSubscribe(c *gin.Context) {
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": s.core.AddTokenSubscription(req.Symbols)})
}

func (s *Server) handleMetrics(c *gin.Context) {
	snapshot := s.metricStore.snapshot()
	payload := make([]gin.H, 0, len(snapshot))
	for _, m := range snapshot {
		payload = append(payload, gin.H{
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
			"component": m.Component,
			"name":      m.Name,
			"value":     m.Value,
			"type":      m.Type,
			"fields":    m.Fields,
		})
	}
	c.JSON(http.StatusOK, gin.H{"metrics": payload})
}

func (s *Server) handleLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"equity-trading-engine/internal/backtest"
)

func (s *Server) handleStatus(c *gin.Context) {
	loops := make(map[string]interface{}, len(s.d.Loops))
	for name, loop := range s.d.Loops {
		loops[name] = loop.Status()
	}
	gateways := make(map[string]interface{}, len(s.d.Gateways))
	for name, gw := range s.d.Gateways {
		gateways[name] = gw.Status()
	}

	payload := gin.H{
		"loops":    loops,
		"gateways": gateways,
	}
	if s.d.Heartbeat != nil {
		payload["heartbeat"] = s.d.Heartbeat.Status()
	}
	if s.d.Emergency != nil {
		payload["emergency"] = s.d.Emergency.Status()
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if s.d.Heartbeat == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "heartbeat monitor not running"})
		return
	}
	c.JSON(http.StatusOK, s.d.Heartbeat.Status())
}

// handlePanic fires the emergency protocol. Repeated calls return the same
// memoized result.
func (s *Server) handlePanic(c *gin.Context) {
	if s.d.Emergency == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "emergency protocol not wired"})
		return
	}
	reason := c.DefaultQuery("reason", "operator panic")
	s.logger.Warn().Str("reason", reason).Msg("panic endpoint invoked")
	result := s.d.Emergency.Trigger(c.Request.Context(), reason)
	c.JSON(http.StatusOK, result)
}

// handleReset re-arms the emergency protocol and the heartbeat monitor.
func (s *Server) handleReset(c *gin.Context) {
	if s.d.Emergency != nil {
		s.d.Emergency.Reset()
	}
	if s.d.Heartbeat != nil {
		s.d.Heartbeat.Rearm()
	}
	c.JSON(http.StatusOK, gin.H{"status": "rearmed"})
}

func (s *Server) loopsFor(c *gin.Context) map[string]LoopControl {
	venue := c.Query("venue")
	if venue == "" {
		return s.d.Loops
	}
	if loop, ok := s.d.Loops[venue]; ok {
		return map[string]LoopControl{venue: loop}
	}
	return nil
}

func (s *Server) handlePause(c *gin.Context) {
	loops := s.loopsFor(c)
	if len(loops) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown venue"})
		return
	}
	for _, loop := range loops {
		loop.Pause()
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleResume(c *gin.Context) {
	loops := s.loopsFor(c)
	if len(loops) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown venue"})
		return
	}
	for _, loop := range loops {
		loop.Resume()
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) handleBacktest(c *gin.Context) {
	if s.d.Backtests == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "backtests not available"})
		return
	}
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.d.Backtests.Run(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

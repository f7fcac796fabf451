// Package api is the control surface: REST endpoints for status and operator
// actions, a websocket stream of engine events, and the prometheus scrape
// endpoint. It controls the engine through narrow interfaces and never
// touches the venue directly.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"equity-trading-engine/config"
	"equity-trading-engine/internal/backtest"
	"equity-trading-engine/internal/emergency"
	"equity-trading-engine/internal/events"
	"equity-trading-engine/internal/heartbeat"
	"equity-trading-engine/internal/metrics"
)

// LoopControl is what the surface needs from a venue loop.
type LoopControl interface {
	Pause()
	Resume()
	Paused() bool
	Status() map[string]interface{}
}

// StatusReporter exposes gateway health for the status payload.
type StatusReporter interface {
	Status() map[string]interface{}
}

// Deps wires the server to the engine internals it reports on.
type Deps struct {
	Bus       *events.Bus
	Metrics   *metrics.Metrics
	Heartbeat *heartbeat.Monitor
	Emergency *emergency.Protocol
	Backtests *backtest.Runner
	Loops     map[string]LoopControl
	Gateways  map[string]StatusReporter
}

// Server is the HTTP control surface.
type Server struct {
	cfg    config.ServerConfig
	d      Deps
	logger zerolog.Logger

	router *gin.Engine
	http   *http.Server
}

// NewServer builds the router and all routes.
func NewServer(cfg config.ServerConfig, d Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		d:      d,
		logger: logger.With().Str("component", "api").Logger(),
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/heartbeat", s.handleHeartbeat)
		apiGroup.POST("/panic", s.handlePanic)
		apiGroup.POST("/reset", s.handleReset)
		apiGroup.POST("/pause", s.handlePause)
		apiGroup.POST("/resume", s.handleResume)
		apiGroup.POST("/backtest", s.handleBacktest)
	}
	router.GET("/ws", s.handleWebSocket)
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	s.router = router
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until the context ends, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("control surface listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Package server wires the gin.Engine: health endpoint, the request
// pipeline catch-all route, access logging/recovery middleware, and
// graceful shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/logging"
	"github.com/nullpath-labs/anthropic-oauth-gateway/internal/pipeline"
)

// drainTimeout is the spec-level graceful shutdown deadline.
const drainTimeout = 5 * time.Second

// Server owns the HTTP listener and the pipeline it proxies requests
// through.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	pipeline   *pipeline.Pipeline
	startedAt  time.Time
}

// New builds a Server listening on addr that forwards every request except
// GET /health to p.
func New(addr string, p *pipeline.Pipeline) *Server {
	engine := gin.New()
	engine.Use(logging.GinLogrusRecovery(), logging.GinLogrusLogger())

	s := &Server{
		engine:    engine,
		pipeline:  p,
		startedAt: time.Now(),
	}

	engine.GET("/health", s.handleHealth)
	engine.NoRoute(func(c *gin.Context) {
		p.ServeHTTP(c.Writer, c.Request)
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: engine,
	}
	return s
}

type poolHealthView struct {
	AccountsTotal       int              `json:"accounts_total"`
	AccountsAvailable   int              `json:"accounts_available"`
	AccountsCoolingDown int              `json:"accounts_cooling_down"`
	AccountsDisabled    int              `json:"accounts_disabled"`
	Accounts            []map[string]any `json:"accounts"`
}

func (s *Server) handleHealth(c *gin.Context) {
	h := s.pipeline.Provider.Health()

	status := "healthy"
	var poolView *poolHealthView

	if h.Pool != nil {
		poolView = &poolHealthView{
			AccountsTotal:       h.Pool.Total,
			AccountsAvailable:   h.Pool.Available,
			AccountsCoolingDown: h.Pool.CoolingDown,
			AccountsDisabled:    h.Pool.Disabled,
		}
		for _, a := range h.Pool.Accounts {
			entry := map[string]any{"id": a.ID, "status": a.Status}
			if a.CooldownRemainingSec != nil {
				entry["cooldown_remaining_secs"] = *a.CooldownRemainingSec
			}
			poolView.Accounts = append(poolView.Accounts, entry)
		}

		switch {
		case h.Pool.Available == h.Pool.Total && h.Pool.Total > 0:
			status = "healthy"
		case h.Pool.Available > 0:
			status = "degraded"
		default:
			status = "unhealthy"
		}
	}

	body := gin.H{
		"status":          status,
		"mode":            h.Mode,
		"uptime_seconds":  int64(time.Since(s.startedAt) / time.Second),
		"requests_served": s.pipeline.Counters.RequestsTotal.Load(),
		"errors_total":    s.pipeline.Counters.ErrorsTotal.Load(),
	}
	if poolView != nil {
		body["pool"] = poolView
	}
	c.JSON(http.StatusOK, body)
}

// Run starts the listener and blocks until ctx is cancelled, then drains
// in-flight requests with a bounded deadline before returning.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warnf("graceful shutdown deadline exceeded with %d request(s) still in flight, forcing close", s.pipeline.Counters.InFlight.Load())
		return s.httpServer.Close()
	}
	return nil
}

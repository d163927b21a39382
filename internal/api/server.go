// Package api exposes the claim service over JSON/HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/steveyegge/claims/internal/balancer"
	"github.com/steveyegge/claims/internal/claims"
	"go.uber.org/zap"
)

// Request headers understood by every command endpoint
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderActor          = "X-Claims-Actor"
)

// Server represents the API server
type Server struct {
	echo *echo.Echo
	svc  *claims.Service
	bal  *balancer.Balancer
	log  *zap.Logger
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithBalancer enables /sweep and /loads
func WithBalancer(b *balancer.Balancer) Option {
	return func(s *Server) { s.bal = b }
}

// NewServer creates a new API server
func NewServer(svc *claims.Service, opts ...Option) *Server {
	s := &Server{
		echo: echo.New(),
		svc:  svc,
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("api")

	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError

	// Middleware
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil && v.Status >= http.StatusInternalServerError {
				s.log.Error("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))

	s.setupRoutes()
	return s
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
	})

	// Commands
	s.echo.POST("/claims", s.createClaim)
	s.echo.DELETE("/claims/:id", s.deleteClaim)
	s.echo.POST("/claims/:id/release", s.releaseClaim)
	s.echo.POST("/claims/:id/complete", s.completeClaim)
	s.echo.POST("/claims/:id/pause", s.pauseClaim)
	s.echo.POST("/claims/:id/resume", s.resumeClaim)
	s.echo.POST("/claims/:id/block", s.blockClaim)
	s.echo.POST("/claims/:id/unblock", s.unblockClaim)
	s.echo.POST("/claims/:id/review", s.requestReview)
	s.echo.POST("/claims/:id/progress", s.updateProgress)
	s.echo.POST("/claims/:id/handoff", s.requestHandoff)
	s.echo.POST("/claims/:id/handoff/accept", s.acceptHandoff)
	s.echo.POST("/claims/:id/handoff/reject", s.rejectHandoff)
	s.echo.POST("/claims/:id/stealable", s.markStealable)
	s.echo.POST("/claims/:id/steal", s.stealClaim)
	s.echo.POST("/claims/:id/contest", s.contestClaim)
	s.echo.POST("/claims/:id/contest/resolve", s.resolveContest)

	// Queries
	s.echo.GET("/claims", s.queryClaims)
	s.echo.GET("/claims/:id", s.getClaim)
	s.echo.GET("/claims/:id/events", s.claimEvents)
	s.echo.GET("/claims/:id/verify", s.verifyClaim)
	s.echo.GET("/issues/:issue/claim", s.issueClaim)
	s.echo.GET("/claimants/:id/claims", s.claimantClaims)
	s.echo.GET("/stealable", s.stealableClaims)
	s.echo.GET("/contested", s.contestedClaims)
	s.echo.GET("/stale", s.staleClaims)
	s.echo.GET("/handoffs", s.pendingHandoffs)
	s.echo.GET("/stats", s.statistics)
	s.echo.GET("/events", s.queryEvents)

	// Balancer
	s.echo.POST("/sweep", s.sweep)
	s.echo.GET("/loads", s.loads)
}

// ServeHTTP lets the server be mounted or driven by httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown failed: %w", err)
	}
	return <-errCh
}

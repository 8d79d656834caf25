package admin

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

// HealthServer is the thin echo-based liveness/readiness surface spec.md §6
// calls for, grounded directly on the teacher's NewAPIServer: logger
// middleware, recover, JSON error handler, nothing else.
type HealthServer struct {
	echo *echo.Echo
	log  *zap.Logger

	gameListening  atomic.Bool
	adminListening atomic.Bool
}

// NewHealthServer builds a HealthServer with /healthz and /readyz
// registered. log may be nil, in which case nothing is logged.
func NewHealthServer(log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("admin http", zap.String("method", v.Method), zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		log.Warn("admin http error", zap.Error(err))
		_ = c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	s := &HealthServer{echo: e, log: log}
	e.GET("/healthz", s.handleHealthz)
	e.GET("/readyz", s.handleReadyz)
	return s
}

// MarkGameListening records that the UDP game-traffic socket is bound.
func (s *HealthServer) MarkGameListening() { s.gameListening.Store(true) }

// MarkAdminListening records that this HTTP server itself has started
// accepting connections.
func (s *HealthServer) MarkAdminListening() { s.adminListening.Store(true) }

func (s *HealthServer) handleHealthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// handleReadyz reports ready only once both the game and admin ports are
// listening, per spec.md §6's readiness rule.
func (s *HealthServer) handleReadyz(c echo.Context) error {
	if s.gameListening.Load() && s.adminListening.Load() {
		return c.String(http.StatusOK, "ready")
	}
	return c.String(http.StatusServiceUnavailable, "not ready")
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *HealthServer) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.MarkAdminListening()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutCtx)
}

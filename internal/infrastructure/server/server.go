package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/Nils-TUD/NRE-sub002/internal/api/http"
	"github.com/Nils-TUD/NRE-sub002/internal/api/middleware"
	"github.com/Nils-TUD/NRE-sub002/internal/boot"
	"github.com/Nils-TUD/NRE-sub002/internal/dataspace"
	"github.com/Nils-TUD/NRE-sub002/internal/infrastructure/monitoring"
	"github.com/Nils-TUD/NRE-sub002/internal/logging"
	"github.com/Nils-TUD/NRE-sub002/internal/service"
)

// Server is the debug HTTP surface of a runtime
type Server struct {
	router *gin.Engine
	http   *http.Server
	logger *logging.Logger
}

// NewServer creates a debug server for rt. ds and reg may be nil.
func NewServer(rt *boot.Runtime, ds *dataspace.Manager, reg *service.Registry, logger *logging.Logger) *Server {
	cfg := rt.Config
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	log := logger.Named("debug")
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log))
	router.Use(monitoring.Middleware(rt.Metrics))
	router.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Debug.RequestsPerSecond,
		Burst:             cfg.Debug.Burst,
		IdleTimeout:       5 * time.Minute,
	}))

	handlers := apihttp.NewHandlers(rt, ds, reg, logger)
	router.GET("/health", handlers.Health)
	router.GET("/kernel", handlers.Kernel)
	router.GET("/caps", handlers.Caps)
	router.GET("/rcu", handlers.RCU)
	router.GET("/dataspaces", handlers.Dataspaces)
	router.GET("/services", handlers.Services)
	router.GET("/names/:name", handlers.Name)
	router.GET("/metrics/json", handlers.MetricsJSON)
	router.PUT("/log/level", handlers.SetLogLevel)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{})))

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              cfg.Debug.Addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting debug server", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down debug server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

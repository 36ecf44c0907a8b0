// Package server exposes the polisvault engines over a REST API.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/solvena/polisvault/internal/compliance"
	"github.com/solvena/polisvault/internal/config"
	"github.com/solvena/polisvault/internal/valuation"
	"github.com/solvena/polisvault/internal/vault"
	"github.com/solvena/polisvault/internal/waterfall"
	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/metrics"
)

// Server hosts the polisvault REST API.
type Server struct {
	logger     *zap.Logger
	cfg        config.ServerConfig
	valuations *valuation.Ledger
	consensus  *valuation.Engine
	vault      *vault.Service
	waterfall  *waterfall.Service
	compliance compliance.Service
	httpSrv    *http.Server
}

// NewServer wires the engines into a router.
func NewServer(
	logger *zap.Logger,
	cfg config.ServerConfig,
	vl *valuation.Ledger,
	ce *valuation.Engine,
	vs *vault.Service,
	ws *waterfall.Service,
	comp compliance.Service,
) *Server {
	s := &Server{
		logger:     logger,
		cfg:        cfg,
		valuations: vl,
		consensus:  ce,
		vault:      vs,
		waterfall:  ws,
		compliance: comp,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	corsCfg := cors.Config{
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(cfg.AllowedOrigins) == 0 {
		// cors.New rejects a config with every origin switch off
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.AllowedOrigins
	}
	router.Use(cors.New(corsCfg))

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/v1")
	if cfg.JWTSecret != "" {
		api.Use(AuthRequired(cfg.JWTSecret))
	}
	s.registerRoutes(api)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpSrv.Addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var e *errors.Error
	if !errors.As(err, &e) {
		c.JSON(http.StatusInternalServerError, gin.H{"kind": errors.KindInternal, "message": err.Error()})
		return
	}
	status := http.StatusInternalServerError
	switch e.Kind {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindPolicy:
		status = http.StatusUnprocessableEntity
	case errors.KindConflict:
		status = http.StatusConflict
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindConsistency:
		// surfaced to operators, not retried by clients
		status = http.StatusInternalServerError
	}
	c.JSON(status, e)
}

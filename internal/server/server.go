package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/luthien-dev/luthien/internal/authcache"
	"github.com/luthien-dev/luthien/internal/config"
	"github.com/luthien-dev/luthien/internal/obs"
	"github.com/luthien-dev/luthien/internal/pipeline"
	"github.com/luthien-dev/luthien/internal/policy"
	"github.com/luthien-dev/luthien/internal/wire"
)

// Server is the gateway HTTP surface: the two client-facing completion
// endpoints, liveness, and the authenticated admin group.
type Server struct {
	cfg      *config.Config
	driver   *pipeline.Driver
	registry *policy.Registry
	cache    *authcache.Cache
	emitter  *obs.Emitter

	engine     *gin.Engine
	httpServer *http.Server
	startedAt  time.Time

	version string
}

// Option is a functional server option.
type Option func(*Server)

// WithVersion stamps the build version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// NewServer wires the HTTP surface over an already-constructed pipeline.
func NewServer(cfg *config.Config, driver *pipeline.Driver, registry *policy.Registry, cache *authcache.Cache, emitter *obs.Emitter, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		driver:   driver,
		registry: registry,
		cache:    cache,
		emitter:  emitter,
		version:  "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	s.engine.POST("/v1/chat/completions", s.clientAuth(wire.FormatOpenAI), func(c *gin.Context) {
		s.driver.Handle(c, wire.FormatOpenAI)
	})
	s.engine.POST("/v1/messages", s.clientAuth(wire.FormatAnthropic), func(c *gin.Context) {
		s.driver.Handle(c, wire.FormatAnthropic)
	})

	admin := s.engine.Group("/admin", s.adminAuth())
	{
		admin.POST("/policy/set", s.handlePolicySet)
		admin.GET("/auth/config", s.handleAuthConfigGet)
		admin.PATCH("/auth/config", s.handleAuthConfigPatch)
		admin.GET("/credentials/cached", s.handleCredentialsList)
		admin.DELETE("/credentials/cached", s.handleCredentialsInvalidateAll)
		admin.DELETE("/credentials/cached/:hash", s.handleCredentialsInvalidateOne)
	}
}

// Engine exposes the router for httptest.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("luthien listening on %s", s.cfg.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logrus.Info("luthien stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	descriptor := s.registry.Snapshot()
	uptime := time.Duration(0)
	if !s.startedAt.IsZero() {
		uptime = time.Since(s.startedAt)
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(uptime.Seconds()),
		"policy":         descriptor.Name,
	})
}

// Package server is the tweak hub: it holds the remote channel to every
// agent, pushes operator tweaks and ingests the audit logs agents report.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/tweakagent/internal/config"
	"github.com/breeze-rmm/tweakagent/internal/devicereg"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/ratelimit"
	"github.com/breeze-rmm/tweakagent/internal/store"
)

var log = logging.L("server")

const shutdownGrace = 10 * time.Second

// Deps lets callers and tests supply the hub's collaborators. Nil fields
// are built from the config.
type Deps struct {
	Store    store.AuditStore
	Limiter  ratelimit.Limiter
	Registry *devicereg.Registry
	Tracker  *CorrelationTracker
	Now      func() time.Time
}

type Server struct {
	cfg *config.ServerConfig
	r   *gin.Engine

	store    store.AuditStore
	registry *devicereg.Registry
	tracker  *CorrelationTracker
	hub      *hub
	upgrader websocket.Upgrader
	now      func() time.Time

	tokens          map[string]struct{}
	operatorTokens  map[string]struct{}
	rateLimiter     ratelimit.Limiter
	rateLimitLimit  int
	rateLimitWindow time.Duration
}

func New(cfg *config.ServerConfig, deps Deps) (*Server, error) {
	if cfg == nil {
		cfg = config.DefaultServer()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		r:        r,
		store:    deps.Store,
		registry: deps.Registry,
		tracker:  deps.Tracker,
		now:      deps.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// agents are not browsers; the machine token gates the upgrade
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.store == nil {
		st, err := store.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.store = st
	}
	if s.registry == nil {
		s.registry = devicereg.New(
			devicereg.WithStaleAfter(time.Duration(cfg.StaleAfterSeconds)*time.Second),
			devicereg.WithClock(s.now),
		)
	}
	if s.tracker == nil {
		s.tracker = NewCorrelationTracker(s.now)
	}
	s.hub = newHub(s.registry, s.tracker)

	s.tokens = tokenSet(cfg.MachineTokens)
	s.operatorTokens = tokenSet(cfg.OperatorTokens)
	if len(s.operatorTokens) == 0 {
		log.Warn("no operator tokens configured; operator API is closed")
	}
	if err := s.initRateLimit(deps.Limiter); err != nil {
		return nil, err
	}
	s.routes()
	return s, nil
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if tok = strings.TrimSpace(tok); tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}

func (s *Server) initRateLimit(override ratelimit.Limiter) error {
	s.rateLimitLimit = s.cfg.RateLimitRequests
	s.rateLimitWindow = time.Duration(s.cfg.RateLimitWindowSeconds) * time.Second
	if s.rateLimitWindow <= 0 {
		s.rateLimitWindow = time.Minute
	}
	if override != nil {
		s.rateLimiter = override
		return nil
	}
	if s.rateLimitLimit <= 0 {
		return nil
	}
	limiter, err := ratelimit.New(s.cfg.RedisAddr, s.cfg.RedisPassword, s.cfg.RedisDB)
	if err != nil {
		log.Warn("redis rate limiter unavailable, falling back to memory", logging.KeyError, err)
		limiter = ratelimit.NewMemory(ratelimit.MemoryConfig{Now: s.now})
	}
	s.rateLimiter = limiter
	return nil
}

func (s *Server) routes() {
	s.r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"mode":    s.store.Mode(),
			"devices": s.registry.Len(),
		})
	})

	s.r.GET(channelPath, s.handleChannel)

	api := s.r.Group("/api", s.requireOperator)
	{
		api.GET("/devices", s.handleListDevices)
		api.POST("/devices/:deviceId/tweaks", s.handleIssueTweak)
		api.GET("/devices/:deviceId/audit", s.handleDeviceAudit)
		api.GET("/correlations/:id", s.handleCorrelation)
	}
	for _, path := range auditPaths {
		s.r.POST(path, s.handleAuditLog)
	}

	s.r.NoRoute(s.handleNoRoute)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.r }

// Registry returns the device registry the hub maintains.
func (s *Server) Registry() *devicereg.Registry { return s.registry }

// Run serves until ctx ends, sweeping stale devices in the background.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.sweepLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Info("hub listening", "addr", s.cfg.ListenAddr, "storeMode", s.store.Mode())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	case <-ctx.Done():
	}

	log.Info("hub shutting down")
	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return s.store.Close()
}

func (s *Server) sweepLoop(ctx context.Context) {
	staleAfter := time.Duration(s.cfg.StaleAfterSeconds) * time.Second
	s.registry.Run(ctx, time.Duration(s.cfg.SweepIntervalSeconds)*time.Second, func(removed []string) {
		s.hub.dropDevices(removed)
		if n := s.tracker.Prune(s.now().Add(-correlationRetention(staleAfter))); n > 0 {
			log.Debug("pruned correlations", "count", n)
		}
	})
}

// correlationRetention keeps resolved and abandoned correlations queryable
// well past the device staleness window.
func correlationRetention(staleAfter time.Duration) time.Duration {
	if r := 30 * staleAfter; r > time.Hour {
		return r
	}
	return time.Hour
}

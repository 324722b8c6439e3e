// Package admin serves the HTTP side of eslctl: health, readiness,
// prometheus metrics, stats snapshots and the websocket relay.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shimaore/esl/internal/auth"
	"github.com/shimaore/esl/internal/observability"
)

const Version = "0.1.0"

var ErrAddrRequired = errors.New("admin: listen address required")

type Config struct {
	Enabled        bool
	Addr           string
	ID             string
	CorsOrigins    []string
	TrustedProxies []string
	// Token, when set, is required by /stats and /ws.
	Token string
}

func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Addr:           "127.0.0.1:8090",
		ID:             "eslctl",
		CorsOrigins:    []string{"http://localhost:3000"},
		TrustedProxies: []string{"127.0.0.1", "::1"},
	}
}

// StatsFunc returns a JSON-encodable snapshot.
type StatsFunc func() any

type Server struct {
	cfg     Config
	logger  zerolog.Logger
	router  *gin.Engine
	started time.Time
	ready   atomic.Bool

	mu    sync.RWMutex
	stats map[string]StatsFunc
}

// New builds the router. relay, when non-nil, is mounted on /ws.
func New(cfg Config, relay http.Handler, logger zerolog.Logger) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = "eslctl"
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	proxies := cfg.TrustedProxies
	if len(proxies) == 0 {
		proxies = []string{"127.0.0.1", "::1"}
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn().Err(err).Msg("admin: invalid trusted proxies")
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger.With().Str("component", "admin").Logger(),
		router:  r,
		started: time.Now(),
		stats:   make(map[string]StatsFunc),
	}
	s.registerRoutes(relay)
	return s
}

func (s *Server) registerRoutes(relay http.Handler) {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.ID,
			"version": Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.ready.Load() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   s.ready.Load(),
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.ID,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := s.router.Group("/", auth.Require(s.validator()))

	guarded.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Snapshot())
	})

	guarded.GET("/stats/:name", func(c *gin.Context) {
		s.mu.RLock()
		fn, ok := s.stats[c.Param("name")]
		s.mu.RUnlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown stats provider"})
			return
		}
		c.JSON(http.StatusOK, fn())
	})

	if relay != nil {
		guarded.GET("/ws", gin.WrapH(relay))
	}
}

func (s *Server) validator() auth.Validator {
	if s.cfg.Token == "" {
		return nil
	}
	return auth.StaticToken{Token: s.cfg.Token}
}

// RegisterStats exposes fn under /stats and /stats/<name>.
func (s *Server) RegisterStats(name string, fn StatsFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[name] = fn
}

// Snapshot collects every registered provider.
func (s *Server) Snapshot() map[string]any {
	s.mu.RLock()
	names := make([]string, 0, len(s.stats))
	for name := range s.stats {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]any, len(names))
	for _, name := range names {
		s.mu.RLock()
		fn := s.stats[name]
		s.mu.RUnlock()
		if fn != nil {
			out[name] = fn()
		}
	}
	return out
}

// SetReady flips the /ready answer.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return ErrAddrRequired
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("admin: listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info().Msg("admin: stopped")
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		out = append(out, strings.TrimRight(origin, "/"))
	}
	if len(out) == 0 {
		return []string{"http://localhost:3000"}
	}
	return out
}

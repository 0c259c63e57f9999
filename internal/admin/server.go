// Package admin serves the agent's operator HTTP surface: liveness,
// readiness, Prometheus metrics and token-guarded introspection of
// subscriptions, pending deliveries and peer sessions.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/uspagent/internal/auth"
	"github.com/danmuck/uspagent/internal/delivery"
	"github.com/danmuck/uspagent/internal/notify"
	"github.com/danmuck/uspagent/internal/observability"
	"github.com/danmuck/uspagent/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const Version = "0.1.0"

// Agent is the read side of a running agent.
type Agent interface {
	EndpointID() string
	Ready() bool
	Bindings() []string
	Peers() []string
	Subscriptions() []notify.Subscription
	Pending() []delivery.Pending
	Sessions() []session.Info
	ClosePeer(peer string)
}

type Config struct {
	Addr        string   `toml:"addr"`
	Token       string   `toml:"token"`
	CorsOrigins []string `toml:"cors_origins"`
}

type Server struct {
	cfg       Config
	agent     Agent
	validator auth.Validator
	router    *gin.Engine
	started   time.Time
}

// New builds the router. A nil validator guards the introspection routes
// with cfg.Token.
func New(cfg Config, a Agent, v auth.Validator) *Server {
	if v == nil {
		v = auth.StaticToken{Token: cfg.Token}
	}
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", auth.HeaderToken},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, agent: a, validator: v, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.started).String(),
			"endpoint": s.agent.EndpointID(),
			"version":  Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.agent.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    s.agent.Ready(),
			"endpoint": s.agent.EndpointID(),
			"bindings": s.agent.Bindings(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	guarded := s.router.Group("/", s.requireToken)
	guarded.GET("/subscriptions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subscriptions": subscriptionViews(s.agent.Subscriptions())})
	})
	guarded.GET("/pending", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"pending": pendingViews(s.agent.Pending())})
	})
	guarded.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": sessionViews(s.agent.Sessions())})
	})
	guarded.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": s.agent.Peers()})
	})
	guarded.POST("/peers/:peer/close", func(c *gin.Context) {
		peer := c.Param("peer")
		s.agent.ClosePeer(peer)
		log.Info().Str("peer", peer).Msg("admin closed peer")
		c.JSON(http.StatusOK, gin.H{"status": "ok", "peer": peer})
	})
}

func (s *Server) requireToken(c *gin.Context) {
	token, ok := auth.TokenFromRequest(c.Request)
	if !ok || s.validator.Validate(token) != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.ErrUnauthorized.Error()})
		return
	}
	c.Next()
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("admin server listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

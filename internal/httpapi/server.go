package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/doojoo9999/liargame/internal/config"
	"github.com/doojoo9999/liargame/internal/realtime/identity"
	"github.com/doojoo9999/liargame/internal/realtime/ratelimit"
)

const shutdownTimeout = 10 * time.Second

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	Handlers *Handlers
	Resolver *identity.Resolver
	Limiter  *ratelimit.Limiter
	// UpgradeHandler serves the WebSocket endpoint.
	UpgradeHandler gin.HandlerFunc
	JWTSecret      string
	Logger         *zap.Logger
}

// NewRouter assembles the gin router. The WebSocket endpoint shares auth
// and identity middleware with the REST surface but skips the API rate
// limit; handshakes have their own budget inside the gateway.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(deps.Logger))
	router.Use(Auth(deps.JWTSecret, deps.Logger))
	router.Use(Identify(deps.Resolver))

	router.GET("/ws", deps.UpgradeHandler)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(RateLimit(deps.Limiter))
	{
		api.POST("/session", deps.Handlers.CreateSession)
		api.GET("/session", deps.Handlers.GetSession)
		api.DELETE("/session", deps.Handlers.DeleteSession)

		api.GET("/ratelimit", deps.Handlers.RateLimitStatus)

		stats := api.Group("/stats")
		stats.Use(RequireAuth())
		{
			stats.GET("/connections", deps.Handlers.ConnectionStats)
			stats.GET("/sessions", deps.Handlers.SessionStats)
			stats.GET("/stability/:user_id", deps.Handlers.UserStability)
		}
	}

	return router
}

// Server runs the HTTP listener as a lifecycle-managed service.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer wraps the router in an HTTP server bound to the configured
// address.
func NewServer(cfg config.HTTPConfig, router *gin.Engine, logger *zap.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr(),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown", zap.Error(err))
	}
}

// Package main provides the game server binary: the realtime connection
// control plane with its WebSocket transport and HTTP session surface.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/doojoo9999/liargame/internal/config"
	"github.com/doojoo9999/liargame/internal/httpapi"
	"github.com/doojoo9999/liargame/internal/observability"
	"github.com/doojoo9999/liargame/internal/realtime/connection"
	"github.com/doojoo9999/liargame/internal/realtime/gateway"
	"github.com/doojoo9999/liargame/internal/realtime/identity"
	"github.com/doojoo9999/liargame/internal/realtime/ratelimit"
	"github.com/doojoo9999/liargame/internal/realtime/session"
	"github.com/doojoo9999/liargame/internal/server"
	"github.com/doojoo9999/liargame/internal/storage/postgres"
	"github.com/doojoo9999/liargame/internal/transport/ws"
)

// rateLimitSweepInterval is how often idle rate-limit windows are discarded.
const rateLimitSweepInterval = 5 * time.Minute

// gameNotifier receives connection lifecycle transitions. The game layer
// hangs game-state reactions (pausing rounds, reassigning turns) off these;
// for now they are logged.
type gameNotifier struct {
	logger *zap.Logger
}

func (n *gameNotifier) OnDisconnect(userID int64) {
	n.logger.Info("user left", zap.Int64("user_id", userID))
}

func (n *gameNotifier) OnReconnect(userID int64) {
	n.logger.Info("user back", zap.Int64("user_id", userID))
}

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting game server",
		zap.String("http_addr", cfg.HTTP.Addr()),
	)

	limiter := ratelimit.NewLimiter(map[ratelimit.Channel]ratelimit.ChannelLimit{
		ratelimit.ChannelAPI:       {RequestsPerMinute: cfg.RateLimit.API.RequestsPerMinute, BurstCapacity: cfg.RateLimit.API.BurstCapacity},
		ratelimit.ChannelMessage:   {RequestsPerMinute: cfg.RateLimit.Message.RequestsPerMinute, BurstCapacity: cfg.RateLimit.Message.BurstCapacity},
		ratelimit.ChannelHandshake: {RequestsPerMinute: cfg.RateLimit.Handshake.RequestsPerMinute, BurstCapacity: cfg.RateLimit.Handshake.BurstCapacity},
	}, cfg.RateLimit.Enabled, logger)

	sessions := session.NewRegistry(cfg.Session.InactivityTimeout, logger)
	manager := connection.NewManager(cfg.Realtime, logger)
	manager.SetNotifier(&gameNotifier{logger: logger})

	// Connection log persistence is optional; the control plane runs
	// without it.
	var (
		pool      *postgres.Pool
		stability httpapi.StabilityReader
	)
	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err = postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		logRepo := postgres.NewConnectionLogRepository(pool.DB())
		manager.SetRecorder(postgres.NewRecorder(logRepo, logger))
		stability = logRepo
	}

	gw := gateway.New(limiter, sessions, manager, logger)
	resolver := identity.NewResolver(cfg.Auth.CookieName, cfg.Auth.CookieSecure)

	hub := ws.NewHub(gw, resolver, cfg.Realtime, logger)
	manager.SetMessenger(hub)
	manager.SetCloser(hub)

	handlers := httpapi.NewHandlers(gw, sessions, stability, logger)
	router := httpapi.NewRouter(httpapi.RouterDeps{
		Handlers:       handlers,
		Resolver:       resolver,
		Limiter:        limiter,
		UpgradeHandler: hub.HandleUpgrade,
		JWTSecret:      cfg.Auth.JWTSecret,
		Logger:         logger,
	})

	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("http", httpapi.NewServer(cfg.HTTP, router, logger))

	lifecycle.Add("session-sweep", &server.TickerService{
		Interval: cfg.Session.SweepInterval,
		Tick: func() {
			if expired := sessions.Sweep(); expired > 0 {
				logger.Info("session sweep", zap.Int("expired", expired))
			}
		},
	})

	lifecycle.Add("ratelimit-sweep", &server.TickerService{
		Interval: rateLimitSweepInterval,
		Tick:     limiter.Sweep,
	})

	connDone := make(chan struct{})
	lifecycle.Add("connections", &server.FuncService{
		StartFn: func() error {
			<-connDone
			return nil
		},
		StopFn: func() {
			manager.Shutdown()
			close(connDone)
		},
	})

	if pool != nil {
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func() error {
				for {
					time.Sleep(30 * time.Second)
					if err := pool.Health(ctx, 5*time.Second); err != nil {
						logger.Warn("database health check failed", zap.Error(err))
					}
				}
			},
			StopFn: func() {
				pool.Close()
			},
		})
	}

	logger.Info("game server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("http_addr", cfg.HTTP.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

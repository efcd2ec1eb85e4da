package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bloodbank-api/internal/cache"
	"bloodbank-api/internal/config"
	"bloodbank-api/internal/handler"
	"bloodbank-api/internal/logger"
	"bloodbank-api/internal/metrics"
	"bloodbank-api/internal/middleware"
	"bloodbank-api/internal/realtime"
	"bloodbank-api/internal/repository"
	"bloodbank-api/internal/router"
	"bloodbank-api/internal/service"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.MustLoad()

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()
	restoreLogs := logger.Install(zl)
	defer restoreLogs()

	zl.Info("starting",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment))

	// Initialize the store based on config
	store, err := openStore(cfg.Store)
	if err != nil {
		zl.Fatal("failed to initialize store", zap.String("type", cfg.Store.Type), zap.Error(err))
	}
	defer store.Close()
	zl.Info("store initialized", zap.String("type", cfg.Store.Type))

	m := metrics.New()
	hub := realtime.NewHub(zl, m)

	// Cache, and the Redis client shared with the change feed
	var statsCache cache.Cache
	var redisClient *redis.Client
	if cfg.Cache.Type == "redis" {
		rc, err := cache.NewRedisCache(cache.RedisConfig{
			Addr:     cfg.Cache.RedisAddress(),
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
		if err != nil {
			zl.Warn("redis unavailable, falling back to memory cache", zap.Error(err))
		} else {
			statsCache = rc
			redisClient = rc.Client()
			zl.Info("redis cache initialized", zap.String("addr", cfg.Cache.RedisAddress()))
		}
	}
	if statsCache == nil {
		statsCache = cache.NewMemoryCache()
	}
	defer statsCache.Close()

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	var publisher realtime.Publisher = hub
	if redisClient != nil {
		bridge := realtime.NewRedisBridge(redisClient, cfg.Realtime.RedisChannel, hub, zl)
		publisher = bridge
		go runBridge(bridgeCtx, bridge, zl)
	}

	// Initialize services
	deps := service.Deps{
		Store:     store,
		Publisher: publisher,
		Cache:     statsCache,
		Metrics:   m,
		Logger:    zl,
	}
	inventoryService := service.NewInventoryService(deps)
	requestService := service.NewRequestService(deps)
	fulfillmentService := service.NewFulfillmentService(deps)
	dashboardService := service.NewDashboardService(deps, inventoryService, cfg.Cache.TTL)
	tokenService := service.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, service.TokenTTL)

	scheduler := service.NewExpiryScheduler(inventoryService, service.SweepConfig{Interval: cfg.Sweep.Interval}, zl)
	if cfg.Sweep.Enabled {
		scheduler.Start()
	}

	if cfg.IsAuthOpen() {
		zl.Warn("no JWT_SECRET or ADMIN_API_KEYS configured, admin routes are open")
	}
	authMiddleware := middleware.NewAuthMiddleware(middleware.AuthConfig{
		Tokens:  tokenService,
		APIKeys: cfg.Auth.APIKeys,
		Open:    cfg.IsAuthOpen(),
		Logger:  zl,
	})

	// Create router
	r := router.New(router.Config{
		Handler:          handler.New(cfg.App.Name, cfg.App.Version, cfg.Store.Type, store, hub.Count),
		InventoryHandler: handler.NewInventoryHandler(inventoryService, zl),
		RequestHandler:   handler.NewRequestHandler(requestService, fulfillmentService, zl),
		AdminHandler:     handler.NewAdminHandler(dashboardService, inventoryService, scheduler, cfg.Store.Type, cfg.Cache.Type, zl),
		AuthHandler:      handler.NewAuthHandler(tokenService, zl),
		EventsHandler:    handler.NewEventsHandler(hub, cfg.Realtime.Heartbeat, originPatterns(cfg.Server.CORSOrigins), zl),
		AuthMiddleware:   authMiddleware,
		Metrics:          m,
		Logger:           zl,
		CORSOrigins:      cfg.Server.CORSOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	srv.RegisterOnShutdown(hub.Close)

	go func() {
		zl.Info("server listening", zap.String("addr", cfg.Server.Address()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zl.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	scheduler.Stop()
	stopBridge()

	if err := srv.Shutdown(ctx); err != nil {
		zl.Error("server shutdown error", zap.Error(err))
	}

	zl.Info("server stopped")
}

// openStore connects the configured backend.
func openStore(cfg config.StoreConfig) (repository.Store, error) {
	switch cfg.Type {
	case "mongodb", "mongo":
		return repository.NewMongoDBStore(cfg.MongoURI, cfg.MongoDatabase)
	case "postgres", "postgresql":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return repository.NewPostgresStore(ctx, cfg.PostgresDSN(), cfg.MaxConns)
	case "mysql":
		return repository.NewMySQLStore(cfg.MySQLDSN())
	case "sqlite", "":
		return repository.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// runBridge keeps the Redis subscription alive until ctx is cancelled.
func runBridge(ctx context.Context, bridge *realtime.RedisBridge, log *zap.Logger) {
	backoff := time.Second
	for {
		err := bridge.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Warn("realtime bridge stopped, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// originPatterns turns CORS origins into WebSocket host patterns.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		patterns = append(patterns, o)
	}
	return patterns
}

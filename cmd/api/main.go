package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/config"
	"github.com/wholelotofnature/loyalty-engine/internal/handler"
	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
	"github.com/wholelotofnature/loyalty-engine/internal/repository"
	"github.com/wholelotofnature/loyalty-engine/internal/reward"
	"github.com/wholelotofnature/loyalty-engine/internal/service"
	"github.com/wholelotofnature/loyalty-engine/internal/validator"
	"github.com/wholelotofnature/loyalty-engine/pkg/database"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.InitLogger(cfg.Log)

	ctx := context.Background()

	rules, err := loyalty.LoadRules(cfg.Loyalty.RulesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load loyalty rules")
	}

	// Initialize database pool with retry
	pool, err := database.NewPool(ctx, cfg.DB.DSN(), cfg.DB.MaxRetries)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if cfg.DB.Migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	// Redis backs rate limiting and event publishing; both degrade gracefully without it
	var (
		rdb         *redis.Client
		rateStore   handler.RateStore
		redisPinger handler.Pinger
		notifier    notify.Notifier = notify.Nop{}
	)
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable at startup, continuing")
		}
		cancel()
		rateStore = rdb
		notifier = notify.NewRedisNotifier(rdb)
		redisPinger = handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}

	var issuer reward.Issuer = reward.NewLocalIssuer()
	if cfg.WooCommerce.BaseURL != "" {
		issuer = reward.NewWooCommerceIssuer(cfg.WooCommerce.BaseURL, cfg.WooCommerce.ConsumerKey, cfg.WooCommerce.ConsumerSecret)
		log.Info().Str("store", cfg.WooCommerce.BaseURL).Msg("issuing rewards as WooCommerce coupons")
	}

	// Layered wiring: repositories -> service -> handlers
	repos := service.Repositories{
		Accounts:    repository.NewAccountRepository(pool),
		Ledger:      repository.NewTransactionRepository(pool),
		Redemptions: repository.NewRedemptionRepository(pool),
	}
	loyaltyService := service.NewLoyaltyService(pool, repos, rules, issuer, notifier, service.Options{
		ExpiryDays:         cfg.Loyalty.PointsExpiryDays,
		DowngradeDays:      cfg.Loyalty.TierDowngradeDays,
		RewardTimeout:      cfg.Loyalty.RewardTimeout,
		RecentTransactions: cfg.Loyalty.RecentTransactions,
		MaxAttempts:        cfg.Loyalty.MaxAttempts,
		SettleAfter:        cfg.Loyalty.SettleAfter,
	})

	validate := validator.New()
	loyaltyHandler := handler.NewLoyaltyHandler(loyaltyService, validate, rules.Redemption.MinPointsToRedeem)
	adminHandler := handler.NewAdminHandler(loyaltyService, validate)
	healthHandler := handler.NewHealthHandler(pool, redisPinger)

	app := fiber.New(fiber.Config{
		AppName:      "Whole Lot of Nature Loyalty Engine",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New())
	app.Use(handler.Metrics())

	app.Get("/health", healthHandler.Check)
	app.Get("/metrics", handler.MetricsEndpoint())

	api := app.Group("/api/loyalty")
	api.Get("/tiers", loyaltyHandler.GetTiers)
	api.Get("/rewards", loyaltyHandler.GetRewards)
	api.Get("/leaderboard", loyaltyHandler.GetLeaderboard)
	api.Get("/users/:userId", loyaltyHandler.GetStatus)
	api.Get("/users/:userId/transactions", loyaltyHandler.GetTransactions)
	api.Get("/users/:userId/redemptions", loyaltyHandler.GetRedemptions)
	api.Post("/purchases", loyaltyHandler.RecordPurchase)
	api.Post("/activities", loyaltyHandler.AwardActivity)
	api.Post("/redeem",
		handler.RateLimit(rateStore, "redeem", cfg.Loyalty.RedeemRateLimit, cfg.Loyalty.RedeemRateWindow),
		loyaltyHandler.Redeem)

	admin := app.Group("/api/admin/loyalty", handler.AdminAuth(cfg.Auth.JWTSecret))
	admin.Post("/adjustments", adminHandler.AdjustPoints)
	admin.Get("/users/:userId/reconcile", adminHandler.Reconcile)
	admin.Post("/users/:userId/repair", adminHandler.Repair)
	admin.Post("/sweeps/expiry", adminHandler.SweepExpiry)
	admin.Post("/sweeps/downgrade", adminHandler.SweepDowngrade)
	admin.Post("/sweeps/redemptions", adminHandler.SettleRedemptions)
	admin.Get("/stats", adminHandler.GetStats)

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET is empty, admin routes will reject every request")
	}

	// Start server with graceful shutdown
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("starting server")
		if err := app.Listen(":" + cfg.Server.Port); err != nil {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	log.Info().Int("timeout_seconds", cfg.Server.ShutdownTimeout).Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second,
	)
	defer shutdownCancel()

	// in-flight redemptions finish their confirm or release before the pool closes
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	if rdb != nil {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis client")
		}
	}
	log.Info().Msg("closing database connections...")
	pool.Close()
	log.Info().Msg("server stopped")
}

// Command sweeper runs one loyalty maintenance job and exits. It is meant to be
// scheduled by cron or a Kubernetes CronJob.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/wholelotofnature/loyalty-engine/internal/config"
	"github.com/wholelotofnature/loyalty-engine/internal/joblock"
	"github.com/wholelotofnature/loyalty-engine/internal/loyalty"
	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/notify"
	"github.com/wholelotofnature/loyalty-engine/internal/repository"
	"github.com/wholelotofnature/loyalty-engine/internal/service"
	"github.com/wholelotofnature/loyalty-engine/pkg/database"
)

const lockTTL = 30 * time.Minute

func main() {
	job := flag.String("job", "expiry", "job to run: expiry, downgrade, repair or settle")
	userID := flag.String("user", "", "limit the job to a single user")
	flag.Parse()

	os.Exit(sweep(*job, *userID))
}

func sweep(job, userID string) int {
	if !knownJob(job) {
		log.Error().Str("job", job).Msg("unknown job, want expiry, downgrade, repair or settle")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	config.InitLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules, err := loyalty.LoadRules(cfg.Loyalty.RulesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load loyalty rules")
	}

	pool, err := database.NewPool(ctx, cfg.DB.DSN(), cfg.DB.MaxRetries)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			_ = rdb.Close()
		}()
		notifier = notify.NewRedisNotifier(rdb)

		lock, err := joblock.Acquire(ctx, rdb, job, lockTTL)
		if errors.Is(err, joblock.ErrHeld) {
			log.Info().Str("job", job).Msg("job already running elsewhere, skipping")
			return 0
		}
		if err != nil {
			log.Fatal().Err(err).Str("job", job).Msg("failed to acquire job lock")
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				log.Warn().Err(err).Str("job", job).Msg("failed to release job lock")
			}
		}()
	}

	svc := service.NewLoyaltyService(pool, service.Repositories{
		Accounts:    repository.NewAccountRepository(pool),
		Ledger:      repository.NewTransactionRepository(pool),
		Redemptions: repository.NewRedemptionRepository(pool),
	}, rules, nil, notifier, service.Options{
		ExpiryDays:    cfg.Loyalty.PointsExpiryDays,
		DowngradeDays: cfg.Loyalty.TierDowngradeDays,
		MaxAttempts:   cfg.Loyalty.MaxAttempts,
		SettleAfter:   cfg.Loyalty.SettleAfter,
	})

	start := time.Now()
	result, err := run(ctx, svc, job, userID, start.UTC())
	if err != nil {
		log.Error().Err(err).Str("job", job).Str("user_id", userID).Msg("job failed")
		return 1
	}

	log.Info().
		Str("job", job).
		Int("accounts", result.Accounts).
		Int("entries", result.Entries).
		Int64("points", result.Points).
		Dur("elapsed", time.Since(start)).
		Msg("job finished")
	return 0
}

func knownJob(job string) bool {
	switch job {
	case "expiry", "downgrade", "repair", "settle":
		return true
	}
	return false
}

func run(ctx context.Context, svc *service.LoyaltyService, job, userID string, now time.Time) (*model.SweepResult, error) {
	switch job {
	case "expiry":
		if userID != "" {
			return svc.ExpireUser(ctx, userID, now)
		}
		return svc.ExpireDue(ctx, now)
	case "downgrade":
		if userID == "" {
			return svc.DowngradeInactive(ctx, now)
		}
		marker, err := svc.DowngradeUser(ctx, userID, now)
		if err != nil || marker == nil {
			return &model.SweepResult{}, err
		}
		return &model.SweepResult{Accounts: 1, Entries: 1}, nil
	case "repair":
		if userID == "" {
			return svc.RepairAll(ctx)
		}
		rec, err := svc.Repair(ctx, userID)
		if err != nil {
			return nil, err
		}
		res := &model.SweepResult{}
		if rec.Cached.Balance != rec.Calculated.Balance || rec.Cached.Tier != rec.Calculated.Tier {
			res.Accounts = 1
		}
		return res, nil
	case "settle":
		return svc.SettlePending(ctx, now)
	default:
		return nil, errors.New("unknown job " + job + ", want expiry, downgrade, repair or settle")
	}
}

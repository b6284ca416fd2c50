package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
	"github.com/wholelotofnature/loyalty-engine/internal/service"
	"github.com/wholelotofnature/loyalty-engine/pkg/database"
)

const (
	redemptionColumns = `id, user_id, option_id, points_cost, idempotency_key, status, reward_kind,
	reward_code, transaction_id, failure_reason, created_at, updated_at`

	keyConstraint = "uq_loyalty_redemptions_key"
)

// RedemptionRepository provides data access for redemption records using pgx.
type RedemptionRepository struct {
	pool PoolInterface
}

// NewRedemptionRepository creates a new RedemptionRepository with the given pool.
func NewRedemptionRepository(pool *pgxpool.Pool) *RedemptionRepository {
	return &RedemptionRepository{pool: pool}
}

// NewRedemptionRepositoryWithPool creates a new RedemptionRepository with a custom pool interface.
// This is primarily used for testing.
func NewRedemptionRepositoryWithPool(pool PoolInterface) *RedemptionRepository {
	return &RedemptionRepository{pool: pool}
}

func scanRedemption(row pgx.Row) (*model.Redemption, error) {
	var red model.Redemption
	var status string
	err := row.Scan(
		&red.ID,
		&red.UserID,
		&red.OptionID,
		&red.PointsCost,
		&red.IdempotencyKey,
		&status,
		&red.RewardKind,
		&red.RewardCode,
		&red.TransactionID,
		&red.FailureReason,
		&red.CreatedAt,
		&red.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	red.Status = model.RedemptionStatus(status)
	return &red, nil
}

// GetByKey locks and returns the redemption userID made with key.
// Returns nil, nil if the key was never used.
func (r *RedemptionRepository) GetByKey(ctx context.Context, tx database.TxQuerier, userID, key string) (*model.Redemption, error) {
	red, err := scanRedemption(tx.QueryRow(ctx,
		`SELECT `+redemptionColumns+` FROM loyalty_redemptions
		 WHERE user_id = $1 AND idempotency_key = $2 FOR UPDATE`,
		userID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("get redemption by key", err)
	}
	return red, nil
}

// Insert records a new redemption.
// A concurrent insert of the same key surfaces as service.ErrConcurrencyConflict so the
// caller retries and observes the winner.
func (r *RedemptionRepository) Insert(ctx context.Context, tx database.TxQuerier, red *model.Redemption) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO loyalty_redemptions (id, user_id, option_id, points_cost, idempotency_key, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		red.ID, red.UserID, red.OptionID, red.PointsCost, red.IdempotencyKey, string(red.Status),
		red.CreatedAt, red.UpdatedAt)
	if err != nil {
		if database.PgCode(err) == database.CodeUniqueViolation && database.ConstraintName(err) == keyConstraint {
			return fmt.Errorf("%w: idempotency key %q taken", service.ErrConcurrencyConflict, red.IdempotencyKey)
		}
		return wrap("insert redemption", err)
	}
	return nil
}

// Reopen puts a released redemption back to pending for another attempt with the same key.
func (r *RedemptionRepository) Reopen(ctx context.Context, tx database.TxQuerier, red *model.Redemption) error {
	tag, err := tx.Exec(ctx,
		`UPDATE loyalty_redemptions
		 SET option_id = $2, points_cost = $3, status = $4, reward_kind = '', reward_code = '',
		     transaction_id = NULL, failure_reason = '', updated_at = $5
		 WHERE id = $1 AND status = $6`,
		red.ID, red.OptionID, red.PointsCost, string(model.RedemptionPending), red.UpdatedAt,
		string(model.RedemptionReleased))
	if err != nil {
		return wrap("reopen redemption", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("reopen redemption %s: not released", red.ID)
	}
	return nil
}

func (r *RedemptionRepository) settle(ctx context.Context, tx database.TxQuerier, op, sql string, args ...any) error {
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%s %v: not pending", op, args[0])
	}
	return nil
}

// Confirm marks a pending redemption as confirmed by the ledger entry transactionID.
func (r *RedemptionRepository) Confirm(ctx context.Context, tx database.TxQuerier, id, transactionID, rewardKind, rewardCode string, at time.Time) error {
	return r.settle(ctx, tx, "confirm redemption",
		`UPDATE loyalty_redemptions
		 SET status = $2, transaction_id = $3, reward_kind = $4, reward_code = $5, updated_at = $6
		 WHERE id = $1 AND status = $7`,
		id, string(model.RedemptionConfirmed), transactionID, rewardKind, rewardCode, at,
		string(model.RedemptionPending))
}

// Release marks a pending redemption as released with the failure reason.
func (r *RedemptionRepository) Release(ctx context.Context, tx database.TxQuerier, id, reason string, at time.Time) error {
	return r.settle(ctx, tx, "release redemption",
		`UPDATE loyalty_redemptions
		 SET status = $2, failure_reason = $3, updated_at = $4
		 WHERE id = $1 AND status = $5`,
		id, string(model.RedemptionReleased), reason, at, string(model.RedemptionPending))
}

// RecordReward stores the reward issued for a pending redemption.
func (r *RedemptionRepository) RecordReward(ctx context.Context, tx database.TxQuerier, id, rewardKind, rewardCode string, at time.Time) error {
	return r.settle(ctx, tx, "record reward",
		`UPDATE loyalty_redemptions
		 SET reward_kind = $2, reward_code = $3, updated_at = $4
		 WHERE id = $1 AND status = $5`,
		id, rewardKind, rewardCode, at, string(model.RedemptionPending))
}

// ListStalePending returns up to limit pending redemptions last touched before the cutoff,
// ordered by id and starting after afterID.
func (r *RedemptionRepository) ListStalePending(ctx context.Context, before time.Time, afterID string, limit int) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+redemptionColumns+` FROM loyalty_redemptions
		 WHERE status = $1 AND updated_at < $2 AND id > $3
		 ORDER BY id LIMIT $4`,
		string(model.RedemptionPending), before, afterID, limit)
	if err != nil {
		return nil, wrap("list stale redemptions", err)
	}
	defer rows.Close()

	list := []model.Redemption{}
	for rows.Next() {
		red, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		list = append(list, *red)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list stale redemptions", err)
	}
	return list, nil
}

// PendingTotal sums the points held by pending redemptions of userID.
func (r *RedemptionRepository) PendingTotal(ctx context.Context, tx database.TxQuerier, userID string) (int64, error) {
	var total int64
	err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(points_cost), 0)::bigint FROM loyalty_redemptions WHERE user_id = $1 AND status = $2`,
		userID, string(model.RedemptionPending)).Scan(&total)
	if err != nil {
		return 0, wrap("pending redemptions", err)
	}
	return total, nil
}

// ListByUser returns the most recent redemptions of userID.
func (r *RedemptionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+redemptionColumns+` FROM loyalty_redemptions
		 WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, wrap("list redemptions", err)
	}
	defer rows.Close()

	list := []model.Redemption{}
	for rows.Next() {
		red, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		list = append(list, *red)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list redemptions", err)
	}
	return list, nil
}

// CountConfirmed counts confirmed redemptions across the program.
func (r *RedemptionRepository) CountConfirmed(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM loyalty_redemptions WHERE status = $1`,
		string(model.RedemptionConfirmed)).Scan(&n)
	if err != nil {
		return 0, wrap("count redemptions", err)
	}
	return n, nil
}

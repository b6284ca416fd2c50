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

const accountColumns = `user_id, points_balance, points_lifetime, points_reserved, current_tier,
	tier_start_date, last_activity_at, created_at, updated_at`

// AccountRepository provides data access for loyalty accounts using pgx.
type AccountRepository struct {
	pool PoolInterface
}

// NewAccountRepository creates a new AccountRepository with the given pool.
func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

// NewAccountRepositoryWithPool creates a new AccountRepository with a custom pool interface.
// This is primarily used for testing.
func NewAccountRepositoryWithPool(pool PoolInterface) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var acct model.Account
	var tier string
	err := row.Scan(
		&acct.UserID,
		&acct.PointsBalance,
		&acct.PointsLifetime,
		&acct.PointsReserved,
		&tier,
		&acct.TierStartDate,
		&acct.LastActivityAt,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acct.CurrentTier = model.Tier(tier)
	return &acct, nil
}

// Get retrieves an account by user id.
// Returns nil, nil if the account is not found (service layer handles this).
func (r *AccountRepository) Get(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts WHERE user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrap("get account "+userID, err)
	}
	return acct, nil
}

// GetForUpdate retrieves an account with a row lock (SELECT FOR UPDATE).
// Returns service.ErrAccountNotFound if the account doesn't exist.
func (r *AccountRepository) GetForUpdate(ctx context.Context, tx database.TxQuerier, userID string) (*model.Account, error) {
	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrAccountNotFound
		}
		return nil, wrap("get account for update "+userID, err)
	}
	return acct, nil
}

// Create inserts a bronze account for userID unless one exists, then locks and returns it.
func (r *AccountRepository) Create(ctx context.Context, tx database.TxQuerier, userID string, now time.Time) (*model.Account, error) {
	_, err := tx.Exec(ctx,
		`INSERT INTO loyalty_accounts (user_id, current_tier, tier_start_date, last_activity_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $3, $3, $3)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, string(model.TierBronze), now)
	if err != nil {
		return nil, wrap("create account "+userID, err)
	}
	return r.GetForUpdate(ctx, tx, userID)
}

// ApplyDelta adds points to the balance (and positive points to lifetime) unless the result
// would cut into reserved points. Returns false when the guard rejected the update.
func (r *AccountRepository) ApplyDelta(ctx context.Context, tx database.TxQuerier, userID string, points int64, activity bool, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE loyalty_accounts
		 SET points_balance = points_balance + $2::bigint,
		     points_lifetime = points_lifetime + GREATEST($2::bigint, 0),
		     last_activity_at = CASE WHEN $3::boolean THEN $4::timestamptz ELSE last_activity_at END,
		     updated_at = $4::timestamptz
		 WHERE user_id = $1 AND points_balance - points_reserved + $2::bigint >= 0`,
		userID, points, activity, at)
	if err != nil {
		return false, wrap("apply points to "+userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reserve holds points for a pending redemption when enough are spendable.
// Returns false when the balance minus existing reservations is below points.
func (r *AccountRepository) Reserve(ctx context.Context, tx database.TxQuerier, userID string, points int64, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx,
		`UPDATE loyalty_accounts
		 SET points_reserved = points_reserved + $2::bigint, updated_at = $3
		 WHERE user_id = $1 AND points_balance - points_reserved >= $2::bigint`,
		userID, points, at)
	if err != nil {
		return false, wrap("reserve points for "+userID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseReservation returns previously reserved points to the spendable balance.
func (r *AccountRepository) ReleaseReservation(ctx context.Context, tx database.TxQuerier, userID string, points int64, at time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE loyalty_accounts
		 SET points_reserved = points_reserved - $2::bigint, updated_at = $3
		 WHERE user_id = $1 AND points_reserved >= $2::bigint`,
		userID, points, at)
	if err != nil {
		return wrap("release reservation for "+userID, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("release reservation for %s: no reservation of %d points", userID, points)
	}
	return nil
}

// SetTier records a tier change.
func (r *AccountRepository) SetTier(ctx context.Context, tx database.TxQuerier, userID string, tier model.Tier, since time.Time) error {
	_, err := tx.Exec(ctx,
		`UPDATE loyalty_accounts SET current_tier = $2, tier_start_date = $3, updated_at = $3 WHERE user_id = $1`,
		userID, string(tier), since)
	if err != nil {
		return wrap("set tier for "+userID, err)
	}
	return nil
}

// Overwrite replaces every cached field of the account. Used by ledger repair.
func (r *AccountRepository) Overwrite(ctx context.Context, tx database.TxQuerier, acct *model.Account) error {
	_, err := tx.Exec(ctx,
		`UPDATE loyalty_accounts
		 SET points_balance = $2, points_lifetime = $3, points_reserved = $4, current_tier = $5,
		     tier_start_date = $6, last_activity_at = $7, updated_at = $8
		 WHERE user_id = $1`,
		acct.UserID, acct.PointsBalance, acct.PointsLifetime, acct.PointsReserved, string(acct.CurrentTier),
		acct.TierStartDate, acct.LastActivityAt, acct.UpdatedAt)
	if err != nil {
		return wrap("overwrite account "+acct.UserID, err)
	}
	return nil
}

func (r *AccountRepository) queryIDs(ctx context.Context, op, sql string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user_id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return ids, nil
}

// ListUserIDs pages through all accounts in user id order.
func (r *AccountRepository) ListUserIDs(ctx context.Context, afterUserID string, limit int) ([]string, error) {
	return r.queryIDs(ctx, "list accounts",
		`SELECT user_id FROM loyalty_accounts WHERE user_id > $1 ORDER BY user_id LIMIT $2`,
		afterUserID, limit)
}

// ListInactive pages through accounts above the lowest tier with no activity and no tier
// change since cutoff.
func (r *AccountRepository) ListInactive(ctx context.Context, cutoff time.Time, afterUserID string, limit int) ([]string, error) {
	return r.queryIDs(ctx, "list inactive accounts",
		`SELECT user_id FROM loyalty_accounts
		 WHERE current_tier <> $1 AND last_activity_at < $2 AND tier_start_date < $2 AND user_id > $3
		 ORDER BY user_id LIMIT $4`,
		string(model.TierBronze), cutoff, afterUserID, limit)
}

// Leaderboard returns the accounts with the most lifetime points.
func (r *AccountRepository) Leaderboard(ctx context.Context, limit int) ([]model.Account, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM loyalty_accounts ORDER BY points_lifetime DESC, user_id LIMIT $1`, limit)
	if err != nil {
		return nil, wrap("leaderboard", err)
	}
	defer rows.Close()

	accounts := []model.Account{}
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *acct)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("leaderboard", err)
	}
	return accounts, nil
}

// CountByTier counts accounts per tier.
func (r *AccountRepository) CountByTier(ctx context.Context) (map[model.Tier]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT current_tier, COUNT(*) FROM loyalty_accounts GROUP BY current_tier`)
	if err != nil {
		return nil, wrap("count accounts by tier", err)
	}
	defer rows.Close()

	counts := make(map[model.Tier]int64)
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("scan tier count: %w", err)
		}
		counts[model.Tier(tier)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("count accounts by tier", err)
	}
	return counts, nil
}

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
	transactionColumns = `id, seq, user_id, type, points, reason, order_id, tier, source_id, expires_at, created_at`

	// orderConstraint guards against awarding the same order twice.
	orderConstraint = "uq_loyalty_transactions_order"
)

// TransactionRepository provides access to the append-only points ledger.
// Entries are never updated or deleted.
type TransactionRepository struct {
	pool PoolInterface
}

// NewTransactionRepository creates a new TransactionRepository with the given pool.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// NewTransactionRepositoryWithPool creates a new TransactionRepository with a custom pool interface.
// This is primarily used for testing.
func NewTransactionRepositoryWithPool(pool PoolInterface) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var t model.Transaction
	var typ string
	var tier *string
	err := row.Scan(
		&t.ID,
		&t.Seq,
		&t.UserID,
		&typ,
		&t.Points,
		&t.Reason,
		&t.OrderID,
		&tier,
		&t.SourceID,
		&t.ExpiresAt,
		&t.CreatedAt,
	)
	if err != nil {
		return t, err
	}
	t.Type = model.TransactionType(typ)
	if tier != nil {
		tt := model.Tier(*tier)
		t.Tier = &tt
	}
	return t, nil
}

func collectTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	defer rows.Close()

	entries := []model.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		entries = append(entries, t)
	}
	return entries, rows.Err()
}

// Insert appends entry to the ledger and sets its sequence number.
// Returns service.ErrDuplicateOrder if the order was already awarded.
func (r *TransactionRepository) Insert(ctx context.Context, tx database.TxQuerier, entry *model.Transaction) error {
	var tier *string
	if entry.Tier != nil {
		s := string(*entry.Tier)
		tier = &s
	}

	err := tx.QueryRow(ctx,
		`INSERT INTO loyalty_transactions (id, user_id, type, points, reason, order_id, tier, source_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING seq`,
		entry.ID, entry.UserID, string(entry.Type), entry.Points, entry.Reason,
		entry.OrderID, tier, entry.SourceID, entry.ExpiresAt, entry.CreatedAt,
	).Scan(&entry.Seq)
	if err != nil {
		if database.PgCode(err) == database.CodeUniqueViolation && database.ConstraintName(err) == orderConstraint {
			return service.ErrDuplicateOrder
		}
		return wrap("insert transaction", err)
	}
	return nil
}

// ListByUser returns every entry of userID in ledger order. Runs inside tx so the caller
// sees a view consistent with its account lock.
func (r *TransactionRepository) ListByUser(ctx context.Context, tx database.TxQuerier, userID string) ([]model.Transaction, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+transactionColumns+` FROM loyalty_transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, wrap("list transactions", err)
	}
	entries, err := collectTransactions(rows)
	if err != nil {
		return nil, wrap("list transactions", err)
	}
	return entries, nil
}

// Recent pages through the entries of userID, newest first.
func (r *TransactionRepository) Recent(ctx context.Context, userID string, limit, offset int) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM loyalty_transactions
		 WHERE user_id = $1 ORDER BY seq DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, wrap("recent transactions", err)
	}
	entries, err := collectTransactions(rows)
	if err != nil {
		return nil, wrap("recent transactions", err)
	}
	return entries, nil
}

func (r *TransactionRepository) exists(ctx context.Context, tx database.TxQuerier, op, sql string, args ...any) (bool, error) {
	var found bool
	if err := tx.QueryRow(ctx, sql, args...).Scan(&found); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, wrap(op, err)
	}
	return found, nil
}

// HasOrder reports whether points with reason were already earned for orderID.
func (r *TransactionRepository) HasOrder(ctx context.Context, tx database.TxQuerier, userID, orderID, reason string) (bool, error) {
	return r.exists(ctx, tx, "check order",
		`SELECT EXISTS (
		     SELECT 1 FROM loyalty_transactions
		     WHERE user_id = $1 AND order_id = $2 AND reason = $3 AND type = $4
		 )`,
		userID, orderID, reason, string(model.TxEarn))
}

// HasReason reports whether userID has any entry with the given reason.
func (r *TransactionRepository) HasReason(ctx context.Context, tx database.TxQuerier, userID, reason string) (bool, error) {
	return r.exists(ctx, tx, "check reason",
		`SELECT EXISTS (SELECT 1 FROM loyalty_transactions WHERE user_id = $1 AND reason = $2)`,
		userID, reason)
}

// UsersWithDueLots pages through users holding an earned lot that expired by now, has not
// been fully expired yet, and spendable points to take it from. Debits without a source
// consume lots oldest first, so a lot is only a candidate while the lots up to and
// including it outweigh every such debit of the user.
func (r *TransactionRepository) UsersWithDueLots(ctx context.Context, now time.Time, afterUserID string, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT t.user_id
		 FROM loyalty_transactions t
		 JOIN loyalty_accounts a ON a.user_id = t.user_id
		 WHERE t.points > 0
		   AND t.expires_at IS NOT NULL
		   AND t.expires_at <= $1
		   AND a.points_balance > a.points_reserved
		   AND t.user_id > $2
		   AND t.points > COALESCE((SELECT -SUM(x.points) FROM loyalty_transactions x WHERE x.source_id = t.id), 0)
		   AND (SELECT SUM(p.points) FROM loyalty_transactions p
		        WHERE p.user_id = t.user_id AND p.points > 0 AND p.seq <= t.seq)
		     > COALESCE((SELECT -SUM(d.points) FROM loyalty_transactions d
		        WHERE d.user_id = t.user_id AND d.points < 0 AND d.source_id IS NULL), 0)
		 ORDER BY t.user_id
		 LIMIT $3`,
		now, afterUserID, limit)
	if err != nil {
		return nil, wrap("users with due lots", err)
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
		return nil, wrap("users with due lots", err)
	}
	return ids, nil
}

// Totals returns the points issued, redeemed and expired across the program.
func (r *TransactionRepository) Totals(ctx context.Context) (issued, redeemed, expired int64, err error) {
	err = r.pool.QueryRow(ctx,
		`SELECT
		     COALESCE(SUM(points) FILTER (WHERE points > 0), 0)::bigint,
		     COALESCE(-SUM(points) FILTER (WHERE type = 'redeem'), 0)::bigint,
		     COALESCE(-SUM(points) FILTER (WHERE type = 'expiry'), 0)::bigint
		 FROM loyalty_transactions`,
	).Scan(&issued, &redeemed, &expired)
	if err != nil {
		return 0, 0, 0, wrap("ledger totals", err)
	}
	return issued, redeemed, expired, nil
}

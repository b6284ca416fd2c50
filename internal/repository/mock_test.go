package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wholelotofnature/loyalty-engine/internal/model"
)

// mockRow implements pgx.Row for testing single-row reads.
type mockRow struct {
	scanFn func(dest ...any) error
}

func (m *mockRow) Scan(dest ...any) error {
	if m.scanFn != nil {
		return m.scanFn(dest...)
	}
	return nil
}

// mockRows implements pgx.Rows; each element of scans fills one row.
type mockRows struct {
	scans     []func(dest ...any) error
	index     int
	errOnRows error
	closed    bool
}

func (m *mockRows) Close() { m.closed = true }

func (m *mockRows) Err() error {
	return m.errOnRows
}

func (m *mockRows) Next() bool {
	if m.index < len(m.scans) {
		m.index++
		return true
	}
	return false
}

func (m *mockRows) Scan(dest ...any) error {
	if m.index > 0 && m.index <= len(m.scans) {
		return m.scans[m.index-1](dest...)
	}
	return nil
}

func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

// mockPool implements PoolInterface and database.TxQuerier for testing.
type mockPool struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (m *mockPool) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if m.execFn != nil {
		return m.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (m *mockPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFn != nil {
		return m.queryRowFn(ctx, sql, args...)
	}
	return &mockRow{}
}

func (m *mockPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFn != nil {
		return m.queryFn(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func fillAccount(acct model.Account) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = acct.UserID
		*(dest[1].(*int64)) = acct.PointsBalance
		*(dest[2].(*int64)) = acct.PointsLifetime
		*(dest[3].(*int64)) = acct.PointsReserved
		*(dest[4].(*string)) = string(acct.CurrentTier)
		*(dest[5].(*time.Time)) = acct.TierStartDate
		*(dest[6].(*time.Time)) = acct.LastActivityAt
		*(dest[7].(*time.Time)) = acct.CreatedAt
		*(dest[8].(*time.Time)) = acct.UpdatedAt
		return nil
	}
}

func fillTransaction(t model.Transaction) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = t.ID
		*(dest[1].(*int64)) = t.Seq
		*(dest[2].(*string)) = t.UserID
		*(dest[3].(*string)) = string(t.Type)
		*(dest[4].(*int64)) = t.Points
		*(dest[5].(*string)) = t.Reason
		*(dest[6].(**string)) = t.OrderID
		if t.Tier != nil {
			s := string(*t.Tier)
			*(dest[7].(**string)) = &s
		}
		*(dest[8].(**string)) = t.SourceID
		*(dest[9].(**time.Time)) = t.ExpiresAt
		*(dest[10].(*time.Time)) = t.CreatedAt
		return nil
	}
}

func fillRedemption(r model.Redemption) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = r.ID
		*(dest[1].(*string)) = r.UserID
		*(dest[2].(*string)) = r.OptionID
		*(dest[3].(*int64)) = r.PointsCost
		*(dest[4].(*string)) = r.IdempotencyKey
		*(dest[5].(*string)) = string(r.Status)
		*(dest[6].(*string)) = r.RewardKind
		*(dest[7].(*string)) = r.RewardCode
		*(dest[8].(**string)) = r.TransactionID
		*(dest[9].(*string)) = r.FailureReason
		*(dest[10].(*time.Time)) = r.CreatedAt
		*(dest[11].(*time.Time)) = r.UpdatedAt
		return nil
	}
}

func noRows(dest ...any) error { return pgx.ErrNoRows }

package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wholelotofnature/loyalty-engine/internal/service"
	"github.com/wholelotofnature/loyalty-engine/pkg/database"
)

// PoolInterface defines the database operations needed by repositories.
// This allows for easier testing with mocks.
type PoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// wrap adds op context to err and marks serialization failures and deadlocks as
// service.ErrConcurrencyConflict so the service retries them.
func wrap(op string, err error) error {
	if database.IsRetryable(err) {
		return fmt.Errorf("%s: %w: %w", op, service.ErrConcurrencyConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

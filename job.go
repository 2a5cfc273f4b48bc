package swirl

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// BackgroundJob is a single locked row from the background_jobs table, as
// handed to a handler. The caller never constructs one directly; it comes
// out of findNextUnlockedJob while a transaction holds its lock.
type BackgroundJob struct {
	ID        int64
	JobType   string
	Data      []byte
	Retries   int32
	LastRetry time.Time
}

// Queryable is the minimal surface the storage layer needs from a database
// handle. A *pgxpool.Conn, a pgx.Tx, and a *pgxpool.Pool all satisfy it,
// which is what lets storage operations run identically whether they're
// called against a bare connection or inside an open transaction.
type Queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

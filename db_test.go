package swirl

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// testMutex serializes the integration tests in this package. They deal
// with behavior across multiple concurrent connections against one real
// background_jobs table and so, like the original Rust runner's own test
// suite, cannot run in parallel with each other.
var testMutex sync.Mutex

// lockTestDB acquires the package-level test mutex and truncates the
// background_jobs table on unlock, the same role runner.rs's TestGuard
// plays for its Diesel-backed test suite.
func lockTestDB(t *testing.T, pool *pgxpool.Pool) func() {
	testMutex.Lock()
	return func() {
		_, err := pool.Exec(context.Background(), "TRUNCATE TABLE background_jobs RESTART IDENTITY")
		require.NoError(t, err)
		testMutex.Unlock()
	}
}

// testDSN returns the database URL named by SWIRL_TEST_DATABASE_URL, or
// skips the calling test when it's unset, so the unit-test-only parts of
// the suite still run in environments without a database.
func testDSN(t *testing.T) string {
	dsn := os.Getenv("SWIRL_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("SWIRL_TEST_DATABASE_URL not set; skipping integration test")
	}
	return dsn
}

// openTestPool connects to the database named by SWIRL_TEST_DATABASE_URL
// with a generous connection limit.
func openTestPool(t *testing.T) *pgxpool.Pool {
	return openPoolWithMaxConns(t, 10)
}

// openPoolWithMaxConns connects to the test database with a specific
// MaxConns, letting tests deliberately starve the pool (S6).
func openPoolWithMaxConns(t *testing.T, maxConns int32) *pgxpool.Pool {
	dsn := testDSN(t)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	poolConfig.MaxConns = maxConns
	poolConfig.AfterConnect = PrepareStatements

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	require.NoError(t, err)

	t.Cleanup(pool.Close)
	return pool
}

// barrier is a simple rendezvous point for N goroutines, used to line up
// concurrent workers at a specific point in their execution the way
// std::sync::Barrier does in the original runner.rs test suite.
type barrier struct {
	c     *sync.Cond
	mu    sync.Mutex
	n     int
	count int
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.c = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.count++
	if b.count >= b.n {
		b.c.Broadcast()
		return
	}
	for b.count < b.n {
		b.c.Wait()
	}
}

// createDummyJob inserts a "Foo" job with a null payload, matching the
// fixture every scenario in spec.md's §8 builds on.
func createDummyJob(t *testing.T, pool *pgxpool.Pool) int64 {
	var id int64
	err := pool.QueryRow(
		context.Background(),
		`INSERT INTO background_jobs (job_type, data) VALUES ('Foo', 'null') RETURNING id`,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

func newTestRunner(pool *pgxpool.Pool, workerCount int, register func(b *Builder[struct{}])) *Runner[struct{}] {
	b := NewBuilder(pool, struct{}{}).WorkerCount(workerCount)
	if register != nil {
		register(b)
	}
	return b.Build()
}

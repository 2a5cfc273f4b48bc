package swirl

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const defaultWorkerCount = 5

// defaultAcquireTimeout bounds how long a Runner waits for a pool
// connection before giving up on the attempt, the Go analogue of r2d2's
// connection_timeout in the original Rust runner's pool configuration.
const defaultAcquireTimeout = 500 * time.Millisecond

// Builder configures and constructs a Runner. Its zero-value-free
// constructor is NewBuilder; call Register for every job type you intend
// to enqueue, then Build.
type Builder[Env any] struct {
	pool           *pgxpool.Pool
	environment    Env
	registry       *Registry[Env]
	workerCount    int
	logger         *zap.SugaredLogger
	backoffFunc    BackoffFunc
	acquireTimeout time.Duration
}

// NewBuilder starts configuring a Runner. pool is the connection pool the
// runner will use both to count available jobs and to lock and retire
// them; environment is the value every handler receives a pointer to. If
// your environment itself wraps a connection pool, it should be the same
// pool given here.
func NewBuilder[Env any](pool *pgxpool.Pool, environment Env) *Builder[Env] {
	return &Builder[Env]{
		pool:        pool,
		environment: environment,
		registry:    newRegistry[Env](),
	}
}

// Register adds a handler for jobType. This must be called for every job
// type you intend to enqueue; a job whose type was never registered is
// dispatched as a handler error (see Registry.get), not skipped. A second
// call with the same jobType overrides the first registration.
func (b *Builder[Env]) Register(jobType string, h Handler[Env]) *Builder[Env] {
	b.registry.register(jobType, h)
	return b
}

// WorkerCount sets how many jobs may run concurrently. Defaults to 5.
func (b *Builder[Env]) WorkerCount(n int) *Builder[Env] {
	b.workerCount = n
	return b
}

// Logger overrides the *zap.SugaredLogger used for the runner's diagnostic
// output (failed-job warnings, dispatch-tick infrastructure errors). When
// unset, Build installs a production zap logger.
func (b *Builder[Env]) Logger(l *zap.SugaredLogger) *Builder[Env] {
	b.logger = l
	return b
}

// BackoffFunc overrides how long a failed job waits after last_retry
// before it becomes eligible for another attempt, as a function of its own
// retries count. When unset, Build installs defaultBackoffFunc
// (retries^4 + 3 seconds, matching que-go's defaultDelayFunction shape).
func (b *Builder[Env]) BackoffFunc(f BackoffFunc) *Builder[Env] {
	b.backoffFunc = f
	return b
}

// AcquireTimeout bounds how long the runner waits to check out a pool
// connection before treating the attempt as failed. When unset, Build
// installs defaultAcquireTimeout. A pool that stays exhausted for longer
// than this is reported the same way any other connection failure is:
// RunAllPendingJobs logs a warning and returns nil for the next tick to
// retry, rather than blocking the caller indefinitely.
func (b *Builder[Env]) AcquireTimeout(d time.Duration) *Builder[Env] {
	b.acquireTimeout = d
	return b
}

// Build materializes an immutable Runner from the builder's configuration.
func (b *Builder[Env]) Build() *Runner[Env] {
	workerCount := b.workerCount
	if workerCount <= 0 {
		workerCount = defaultWorkerCount
	}

	logger := b.logger
	if logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l.Sugar()
	}

	backoffFunc := b.backoffFunc
	if backoffFunc == nil {
		backoffFunc = defaultBackoffFunc
	}

	acquireTimeout := b.acquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = defaultAcquireTimeout
	}

	env := b.environment
	return &Runner[Env]{
		pool:           b.pool,
		workers:        newWorkerPool(workerCount),
		env:            &env,
		registry:       b.registry,
		logger:         logger,
		backoffFunc:    backoffFunc,
		acquireTimeout: acquireTimeout,
	}
}

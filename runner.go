package swirl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Runner is the immutable core that acquires connections, opens
// transactions, locks and dispatches jobs, and retires them. A Runner is
// shared across every worker goroutine; all of its interior state is
// either immutable after Build or protected by the database itself.
type Runner[Env any] struct {
	pool           *pgxpool.Pool
	workers        *workerPool
	env            *Env
	registry       *Registry[Env]
	logger         *zap.SugaredLogger
	backoffFunc    BackoffFunc
	acquireTimeout time.Duration
}

// acquireConn tries to check out a pool connection, bounded by
// r.acquireTimeout rather than waiting on ctx alone. pgxpool.Pool.Acquire
// blocks until a connection frees up or its context is canceled — it does
// not return an error just because the pool is momentarily exhausted the
// way r2d2's Pool::get (with its connection_timeout) does in the original
// Rust runner. Wrapping ctx in a short deadline here restores that
// try-acquire behavior: a pool with no free connection within
// acquireTimeout is reported exactly like any other acquire failure,
// instead of hanging the caller indefinitely.
func (r *Runner[Env]) acquireConn(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, r.acquireTimeout)
	defer cancel()
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no connection available within %s: %w", r.acquireTimeout, err)
		}
		return nil, err
	}
	return conn, nil
}

// RunAllPendingJobs queries how many jobs currently look eligible and
// submits that many dispatch tasks to the worker pool, then returns
// immediately without waiting for them to finish. The count is only a
// hint: races between the count and each task's own locking attempt are
// benign, since a task that finds nothing left to lock just commits an
// empty transaction and exits.
//
// If a connection cannot be acquired — including when the pool is
// exhausted and stays that way for acquireTimeout — RunAllPendingJobs
// returns nil rather than an error: this is treated as transient
// infrastructure trouble that the next tick will retry, matching the
// "returns success without dispatching" contract for an exhausted pool.
func (r *Runner[Env]) RunAllPendingJobs(ctx context.Context) error {
	conn, err := r.acquireConn(ctx)
	if err != nil {
		r.logger.Warnw("could not acquire connection for dispatch tick", "error", err)
		return nil
	}
	defer conn.Release()

	count, err := availableJobCount(ctx, conn)
	if err != nil {
		return fmt.Errorf("counting available jobs: %w", err)
	}

	for i := int64(0); i < count; i++ {
		r.runSingleJob(ctx)
	}
	return nil
}

// runSingleJob submits one dispatch task to the worker pool. The task
// acquires its own connection (a dispatcher connection is not transferable
// between goroutines the way a pgx connection is pinned), opens a
// transaction, locks whatever job is next in line, and runs it.
func (r *Runner[Env]) runSingleJob(ctx context.Context) {
	r.workers.execute(func() {
		r.processOneJob(ctx)
	})
}

// processOneJob is the heart of the design: it opens a transaction, locks
// one job row, runs its handler behind the panic firewall, and retires the
// job (delete on success, increment retries on failure) before committing.
// Steps 3 (run), 4 (retire), and the commit all happen inside the same
// transaction that acquired the row lock in step 1, so the row is never
// observable unlocked with stale retry data.
//
// A connection that can't be acquired, or a transaction that fails to
// commit, is treated as a fatal abort of the task (it panics, which the
// enclosing worker-pool firewall converts into a PanicCount increment)
// rather than a recoverable error, matching the "this propagates to
// panic_count" contract.
func (r *Runner[Env]) processOneJob(ctx context.Context) {
	conn, err := r.acquireConn(ctx)
	if err != nil {
		panic(fmt.Errorf("could not acquire connection: %w", err))
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		panic(fmt.Errorf("could not begin transaction: %w", err))
	}

	job, err := findNextUnlockedJob(ctx, tx, r.backoffFunc)
	if err != nil {
		_ = tx.Rollback(ctx)
		panic(fmt.Errorf("could not retrieve job: %w", err))
	}
	if job == nil {
		if err := tx.Commit(ctx); err != nil {
			panic(fmt.Errorf("could not commit empty transaction: %w", err))
		}
		return
	}

	jobID := job.ID
	runErr := runFirewalled(func() error {
		return r.dispatch(ctx, job)
	})

	if runErr == nil {
		if err := deleteSuccessfulJob(ctx, tx, jobID); err != nil {
			_ = tx.Rollback(ctx)
			panic(fmt.Errorf("could not delete successful job %d: %w", jobID, err))
		}
	} else {
		r.logger.Warnf("Job %d failed to run: %s", jobID, runErr)
		if err := updateFailedJob(ctx, tx, jobID); err != nil {
			_ = tx.Rollback(ctx)
			panic(fmt.Errorf("could not update failed job %d: %w", jobID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		panic(fmt.Errorf("could not commit job %d: %w", jobID, err))
	}
}

// dispatch looks up the handler registered for job's job_type and runs it.
// A job_type with no registered handler is reported as an ordinary handler
// error, not skipped, so it increments the retry counter and becomes
// visible through FailedJobCount instead of silently stalling.
func (r *Runner[Env]) dispatch(ctx context.Context, job *BackgroundJob) error {
	handler, ok := r.registry.get(job.JobType)
	if !ok {
		return unknownJobTypeError(job.JobType)
	}
	return handler(ctx, job.Data, r.env)
}

// WaitForJobs blocks until every outstanding worker-pool task has
// completed, then reports an error if any task propagated an abnormal
// termination past the firewall (which should never happen in correct
// operation — job handler panics are caught one layer in, inside the
// transaction, and never reach the pool). Intended for tests and for
// graceful shutdown.
func (r *Runner[Env]) WaitForJobs() error {
	r.workers.join()
	if n := r.workers.panicCountValue(); n != 0 {
		return fmt.Errorf("swirl: %d worker task(s) panicked", n)
	}
	return nil
}

// AssertNoFailedJobs waits for all outstanding jobs to finish and then
// fails if any job in the table has a non-zero retry count. It is meant
// for tests that want to assert a clean run.
func (r *Runner[Env]) AssertNoFailedJobs(ctx context.Context) error {
	if err := r.WaitForJobs(); err != nil {
		return err
	}
	conn, err := r.acquireConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	count, err := failedJobCount(ctx, conn)
	if err != nil {
		return err
	}
	if count != 0 {
		return fmt.Errorf("swirl: %d failed job(s) in background_jobs", count)
	}
	return nil
}

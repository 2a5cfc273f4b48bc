package swirl

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// BackoffFunc computes the minimum delay after last_retry before a job with
// the given retry count becomes eligible to run again. It must be
// non-decreasing in retries so a row's eligibility only ever moves further
// out, never back in, as it accumulates failures.
type BackoffFunc func(retries int32) time.Duration

// defaultBackoffFunc mirrors the shape of que-go's defaultDelayFunction
// (intPow(retries, 4) + 3): retries^4 + 3 seconds.
func defaultBackoffFunc(retries int32) time.Duration {
	return time.Duration(intPow(int64(retries), 4)+3) * time.Second
}

func intPow(base int64, exp int) int64 {
	result := int64(1)
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// hintBackoffExpr is the SQL-side approximation of defaultBackoffFunc used
// only by availableJobCount. availableJobCount is explicitly a hint
// ("need not be exact" — spec.md §4.1), so it is fine for this fixed
// expression to drift from a caller-supplied BackoffFunc: only
// findNextUnlockedJob's own in-transaction check (below) needs to agree
// exactly with the configured policy, since that is the one that actually
// gates locking.
const hintBackoffExpr = `(power(retries, 4) + 3) * interval '1 second'`

// maxFindJobAttempts bounds how many candidate rows findNextUnlockedJob
// will walk past before giving up and reporting no job available. This
// mirrors que-go's own maxLockJobAttempts loop in LockJob, which exists for
// the same reason: a concurrently running transaction can make a handful of
// candidates transiently unusable, and giving up after a bounded number of
// tries is preferable to looping forever.
const maxFindJobAttempts = 10

var (
	sqlAvailableJobCount = `
SELECT count(*) FROM background_jobs
WHERE retries = 0 OR now() > last_retry + ` + hintBackoffExpr

	// sqlNextCandidateJob returns the next unlocked row after id $1, in id
	// order, skipping rows locked by other transactions. It does not filter
	// on retries/last_retry itself: the caller's BackoffFunc decides
	// eligibility in Go, since an arbitrary Go closure can't be pushed into
	// this WHERE clause.
	sqlNextCandidateJob = `
SELECT id, job_type, data, retries, last_retry FROM background_jobs
WHERE id > $1
ORDER BY id ASC
FOR UPDATE SKIP LOCKED
LIMIT 1`

	sqlDeleteSuccessfulJob = `DELETE FROM background_jobs WHERE id = $1`

	sqlUpdateFailedJob = `
UPDATE background_jobs SET retries = retries + 1, last_retry = now() WHERE id = $1`

	sqlFailedJobCount = `SELECT count(*) FROM background_jobs WHERE retries > 0`
)

var preparedStatements = map[string]string{
	"swirl_available_job_count":   sqlAvailableJobCount,
	"swirl_next_candidate_job":    sqlNextCandidateJob,
	"swirl_delete_successful_job": sqlDeleteSuccessfulJob,
	"swirl_update_failed_job":     sqlUpdateFailedJob,
	"swirl_failed_job_count":      sqlFailedJobCount,
}

// PrepareStatements registers swirl's named queries on a freshly-opened
// connection. Wire it in as a pgxpool.Config.AfterConnect hook so every
// pooled connection gets the prepared statements once, up front, the same
// way que-go prepares its own named queries.
func PrepareStatements(ctx context.Context, conn *pgx.Conn) error {
	for name, sql := range preparedStatements {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return err
		}
	}
	return nil
}

// availableJobCount reports a hint of how many rows are currently eligible
// to run. It need not be exact: it is only used to decide how many worker
// tasks to submit on a given tick.
func availableJobCount(ctx context.Context, q Queryable) (int64, error) {
	var count int64
	err := q.QueryRow(ctx, "swirl_available_job_count").Scan(&count)
	return count, err
}

// findNextUnlockedJob selects and row-locks one eligible job, skipping rows
// already locked by other transactions rather than blocking on them, and
// skipping rows that are locally unlocked but still inside backoff's
// window. It returns (nil, nil) when no eligible row turns up within
// maxFindJobAttempts candidates — the same "give up gracefully" contract
// que-go's LockJob has when it exhausts maxLockJobAttempts.
func findNextUnlockedJob(ctx context.Context, q Queryable, backoff BackoffFunc) (*BackgroundJob, error) {
	if backoff == nil {
		backoff = defaultBackoffFunc
	}

	var lastID int64
	for attempt := 0; attempt < maxFindJobAttempts; attempt++ {
		var j BackgroundJob
		err := q.QueryRow(ctx, "swirl_next_candidate_job", lastID).Scan(
			&j.ID, &j.JobType, &j.Data, &j.Retries, &j.LastRetry,
		)
		if err != nil {
			if err == pgx.ErrNoRows {
				return nil, nil
			}
			return nil, err
		}

		if j.Retries == 0 || time.Now().After(j.LastRetry.Add(backoff(j.Retries))) {
			return &j, nil
		}
		lastID = j.ID
	}
	return nil, nil
}

// deleteSuccessfulJob removes a job row after its handler completed without
// error. It must be called within the same transaction that locked the row.
func deleteSuccessfulJob(ctx context.Context, q Queryable, id int64) error {
	_, err := q.Exec(ctx, "swirl_delete_successful_job", id)
	return err
}

// updateFailedJob increments retries and refreshes last_retry for a job
// whose handler returned an error or panicked. It must be called within the
// same transaction that locked the row, so the row is never observable
// unlocked with a stale retry count.
func updateFailedJob(ctx context.Context, q Queryable, id int64) error {
	_, err := q.Exec(ctx, "swirl_update_failed_job", id)
	return err
}

// failedJobCount reports the number of rows that have failed at least once.
// It exists for test and observability use only.
func failedJobCount(ctx context.Context, q Queryable) (int64, error) {
	var count int64
	err := q.QueryRow(ctx, "swirl_failed_job_count").Scan(&count)
	return count, err
}

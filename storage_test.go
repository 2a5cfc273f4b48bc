package swirl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAvailableJobCountCountsFreshRows(t *testing.T) {
	pool := openTestPool(t)
	unlock := lockTestDB(t, pool)
	defer unlock()

	createDummyJob(t, pool)
	createDummyJob(t, pool)

	count, err := availableJobCount(context.Background(), pool)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestAvailableJobCountExcludesRowsStillInBackoff(t *testing.T) {
	pool := openTestPool(t)
	unlock := lockTestDB(t, pool)
	defer unlock()

	id := createDummyJob(t, pool)
	_, err := pool.Exec(context.Background(),
		`UPDATE background_jobs SET retries = 1, last_retry = now() WHERE id = $1`, id)
	require.NoError(t, err)

	count, err := availableJobCount(context.Background(), pool)
	require.NoError(t, err)
	require.EqualValues(t, 0, count, "a job with retries=1 should still be inside its backoff window")
}

func TestAvailableJobCountIncludesRowsPastBackoff(t *testing.T) {
	pool := openTestPool(t)
	unlock := lockTestDB(t, pool)
	defer unlock()

	id := createDummyJob(t, pool)
	staleRetry := time.Now().Add(-time.Hour)
	_, err := pool.Exec(context.Background(),
		`UPDATE background_jobs SET retries = 1, last_retry = $1 WHERE id = $2`, staleRetry, id)
	require.NoError(t, err)

	count, err := availableJobCount(context.Background(), pool)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestFindNextUnlockedJobSkipsLockedRows(t *testing.T) {
	pool := openTestPool(t)
	unlock := lockTestDB(t, pool)
	defer unlock()

	firstID := createDummyJob(t, pool)
	secondID := createDummyJob(t, pool)

	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer conn.Release()

	tx, err := conn.Begin(context.Background())
	require.NoError(t, err)
	defer tx.Rollback(context.Background()) //nolint:errcheck

	first, err := findNextUnlockedJob(context.Background(), tx, nil)
	require.NoError(t, err)
	require.Equal(t, firstID, first.ID)

	// A second connection must skip the now-locked row and return the other
	// one instead of blocking.
	conn2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	defer conn2.Release()
	tx2, err := conn2.Begin(context.Background())
	require.NoError(t, err)
	defer tx2.Rollback(context.Background()) //nolint:errcheck

	second, err := findNextUnlockedJob(context.Background(), tx2, nil)
	require.NoError(t, err)
	require.Equal(t, secondID, second.ID)
}

func TestFindNextUnlockedJobReturnsNilWhenQueueIsEmpty(t *testing.T) {
	pool := openTestPool(t)
	unlock := lockTestDB(t, pool)
	defer unlock()

	job, err := findNextUnlockedJob(context.Background(), pool, nil)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestFailedJobCountOnlyCountsRowsWithRetries(t *testing.T) {
	pool := openTestPool(t)
	unlock := lockTestDB(t, pool)
	defer unlock()

	createDummyJob(t, pool)
	failedID := createDummyJob(t, pool)
	_, err := pool.Exec(context.Background(),
		`UPDATE background_jobs SET retries = 1 WHERE id = $1`, failedID)
	require.NoError(t, err)

	count, err := failedJobCount(context.Background(), pool)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestDeleteSuccessfulJobRemovesRow(t *testing.T) {
	pool := openTestPool(t)
	unlock := lockTestDB(t, pool)
	defer unlock()

	id := createDummyJob(t, pool)
	require.NoError(t, deleteSuccessfulJob(context.Background(), pool, id))

	count, err := tableCount(t, pool)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestUpdateFailedJobIncrementsRetriesAndRefreshesLastRetry(t *testing.T) {
	pool := openTestPool(t)
	unlock := lockTestDB(t, pool)
	defer unlock()

	id := createDummyJob(t, pool)
	require.NoError(t, updateFailedJob(context.Background(), pool, id))

	var retries int32
	var lastRetry time.Time
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT retries, last_retry FROM background_jobs WHERE id = $1`, id).Scan(&retries, &lastRetry))
	require.Equal(t, int32(1), retries)
	require.WithinDuration(t, time.Now(), lastRetry, 5*time.Second)
}

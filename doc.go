// Package swirl is a database-backed background job runner. It enqueues,
// locks, dispatches, and retires deferred units of work stored in a
// PostgreSQL table, using row-level locks held inside transactions to
// guarantee that at most one worker ever executes a given job at a time.
//
// Any *pgxpool.Pool passed to NewBuilder must have its AfterConnect hook
// set to PrepareStatements. Without it, every "swirl_*" query name swirl
// issues is an undefined prepared statement as far as Postgres is
// concerned, and calls fail at runtime instead of at pool construction.
package swirl

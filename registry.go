package swirl

import (
	"context"
	"fmt"
)

// Handler is a job's deserialize-and-run function. It receives the job's
// raw payload and a pointer to the shared environment the runner was built
// with. Handlers are expected to be re-entrant: the same handler may be
// invoked from any worker goroutine concurrently, and often is.
type Handler[Env any] func(ctx context.Context, data []byte, env *Env) error

// Registry maps a job_type tag to the handler that runs jobs of that type.
// It is populated during Builder configuration and never mutated after
// Build, so lookups at dispatch time need no locking.
type Registry[Env any] struct {
	handlers map[string]Handler[Env]
}

func newRegistry[Env any]() *Registry[Env] {
	return &Registry[Env]{handlers: make(map[string]Handler[Env])}
}

// register adds a handler for the given job_type tag. A second registration
// of the same tag overrides the first; swirl does not reject duplicates.
func (r *Registry[Env]) register(jobType string, h Handler[Env]) {
	r.handlers[jobType] = h
}

// get looks up the handler for a job_type tag. It returns ok=false when no
// handler was ever registered for that tag.
func (r *Registry[Env]) get(jobType string) (Handler[Env], bool) {
	h, ok := r.handlers[jobType]
	return h, ok
}

// unknownJobTypeError builds the handler error used when a job's job_type
// has no registered handler. The job is treated as failed, not skipped, so
// misconfigured deployments surface through the failed-job counter instead
// of silently stalling.
func unknownJobTypeError(jobType string) error {
	return fmt.Errorf("Unknown job type %s", jobType)
}

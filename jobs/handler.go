package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mosaicvideo/mosaic/errors"
)

// Handler is the unit of business logic a worker executes for one job type.
//
// Contract: Execute runs a single attempt. It decodes its own payload,
// validates required fields up front (returning Fatal for malformed payloads
// so the job is never retried), reports progress through the Store it was
// constructed with, and returns the result on success. Whether the whole job
// is retried after a failed attempt is the Store's decision; any bounded
// retry around individual network calls belongs inside the handler's single
// attempt.
//
// Handlers MUST honor ctx cancellation so a hung dependency cannot starve a
// worker loop past shutdown.
type Handler interface {
	// Type returns the job type this handler executes.
	Type() JobType

	// Execute runs one attempt and returns the job result on success.
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)
}

// HandlerFactory constructs a fresh handler per execution. Registration is
// a type→factory mapping populated at startup, so new job types plug in
// without modifying the pool.
type HandlerFactory func() Handler

// fatalError marks a failure that retrying cannot fix (malformed payload,
// unknown entity). The pool converts it to a terminal fail.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the worker pool fails the job without retry.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Fatalf creates a no-retry failure with a formatted message.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{err: errors.Newf(format, args...)}
}

// IsFatal reports whether err (or anything it wraps) was marked Fatal.
// Validation errors are fatal by definition: a request that can never
// succeed must not be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *fatalError
	if errors.As(err, &fe) {
		return true
	}
	return errors.IsValidationError(err)
}

// Registry maps job types to handler factories.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	mu        sync.RWMutex
	factories map[JobType]HandlerFactory
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[JobType]HandlerFactory),
	}
}

// Register adds a factory for a job type.
// Panics if the type is already registered - duplicate registration is a
// wiring bug, caught at startup.
func (r *Registry) Register(jobType JobType, factory HandlerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.factories[jobType] = factory
}

// Get returns the factory for a job type, or nil if none is registered.
func (r *Registry) Get(jobType JobType) HandlerFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.factories[jobType]
}

// Has checks if a factory is registered for a job type.
func (r *Registry) Has(jobType JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[jobType]
	return exists
}

// Types returns all registered job types.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

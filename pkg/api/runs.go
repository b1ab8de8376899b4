package api

import (
	"context"
	"sync"
)

// runRegistry tracks cancel functions for in-flight orchestrations.
// Graceful shutdown drains the HTTP server first; whatever is still
// running when the drain window closes gets cancelled through here so
// expert goroutines and tool subprocesses do not outlive the process.
type runRegistry struct {
	mu   sync.Mutex
	next uint64
	runs map[uint64]context.CancelFunc
}

func newRunRegistry() *runRegistry {
	return &runRegistry{runs: make(map[uint64]context.CancelFunc)}
}

// track registers a cancel function and returns a release function the
// handler defers. Keys are internal counters, never request IDs, because
// clients may reuse an X-Request-ID across concurrent calls.
func (r *runRegistry) track(cancel context.CancelFunc) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	r.runs[id] = cancel
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.runs, id)
		r.mu.Unlock()
	}
}

// cancelAll aborts every tracked run.
func (r *runRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.runs {
		cancel()
		delete(r.runs, id)
	}
}

// active reports the number of in-flight runs.
func (r *runRegistry) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

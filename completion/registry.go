// Package completion routes CQ completions to their posting callback:
// a CallbackRegistry maps wr_id to a pending callback, a Poller drains a
// verbs.CQ in a dedicated goroutine, and an Executor hands each completion
// to a fixed worker pool so a slow callback cannot stall the poller.
package completion

import (
	"sync"
	"sync/atomic"

	"github.com/gorcverbs/gorcverbs/rdmaerr"
	"github.com/gorcverbs/gorcverbs/verbs"
)

// Callback is invoked exactly once, with the WorkCompletion matching the
// wr_id it was registered under.
type Callback func(verbs.WorkCompletion)

// CallbackRegistry maps wr_id to the callback awaiting that completion.
// Ownership is strong: a registered callback is held until exactly one
// Take (or Abandon) removes it.
type CallbackRegistry struct {
	mu      sync.Mutex
	entries map[uint64]Callback
	nextID  atomic.Uint64
}

// NewCallbackRegistry returns an empty registry. wr_id allocation starts
// at 1, so 0 remains available as a sentinel "no callback" value.
func NewCallbackRegistry() *CallbackRegistry {
	return &CallbackRegistry{entries: make(map[uint64]Callback)}
}

// NextID allocates a fresh wr_id for a caller about to post a work
// request.
func (r *CallbackRegistry) NextID() uint64 {
	return r.nextID.Add(1)
}

// Register associates id with cb. id must not already be registered.
func (r *CallbackRegistry) Register(id uint64, cb Callback) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return rdmaerr.New("completion.CallbackRegistry.Register", rdmaerr.Precondition, "wr_id already registered")
	}
	r.entries[id] = cb
	return nil
}

// Take removes and returns the callback registered under id, if any.
func (r *CallbackRegistry) Take(id uint64) (Callback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return cb, ok
}

// Len reports the number of callbacks currently awaiting a completion.
func (r *CallbackRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Abandon removes id's callback without invoking it, for shutdown paths
// that need to drop outstanding registrations without pretending they
// completed.
func (r *CallbackRegistry) Abandon(id uint64) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

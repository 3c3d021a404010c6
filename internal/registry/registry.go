package registry

import (
	"log/slog"
	"sync"

	"github.com/foxseedlab/denwaban/internal/metrics"
)

// Handle is one live connection registered under a session id. Deliver pushes
// a raw protocol payload to the remote side.
type Handle interface {
	SessionID() string
	// SecondaryKey is an externally-visible lookup token (for example the
	// chat session token a technician presents when joining). May be empty.
	SecondaryKey() string
	Deliver(payload []byte) error
}

// Registry is a thread-safe directory of live connections. All mutation goes
// through a single mutex; critical sections are short so a coarse lock keeps
// the active-count invariant exact without contention problems.
type Registry struct {
	mu      sync.Mutex
	handles map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

func (r *Registry) Register(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.SessionID()] = h
}

// Unregister removes the handle and reports whether it was present, so a
// double-unregister is detectable by the caller.
func (r *Registry) Unregister(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[sessionID]
	delete(r.handles, sessionID)
	return ok
}

func (r *Registry) Get(sessionID string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[sessionID]
	return h, ok
}

// GetBySecondaryKey scans all live connections for a matching secondary key.
// This is O(n) over current connections; connection counts are small enough
// that a secondary index is not worth its bookkeeping yet. Add one if
// profiling ever shows this scan matters.
func (r *Registry) GetBySecondaryKey(key string) (Handle, bool) {
	if key == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.handles {
		if h.SecondaryKey() == key {
			return h, true
		}
	}
	return nil, false
}

// IsActive satisfies credential.ActiveSessionChecker.
func (r *Registry) IsActive(sessionID string) bool {
	_, ok := r.Get(sessionID)
	return ok
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Snapshot returns the current handles for iteration outside the lock.
func (r *Registry) Snapshot() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

// Broadcast delivers payload to every handle matching pred and returns the
// number of successful deliveries. A failing recipient never aborts delivery
// to the rest; failures are logged and skipped.
func (r *Registry) Broadcast(pred func(Handle) bool, payload []byte) int {
	delivered := 0
	for _, h := range r.Snapshot() {
		if pred != nil && !pred(h) {
			continue
		}
		if err := h.Deliver(payload); err != nil {
			metrics.BroadcastFailures.Inc()
			slog.Warn("broadcast delivery failed", "session_id", h.SessionID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

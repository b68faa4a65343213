package engine

import (
	"sync"

	"github.com/google/uuid"
)

// CancelToken is one live session's cancellation flag.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func newCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

func (t *CancelToken) cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether cancellation was requested.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed when cancellation is requested. Runners only use it to cut
// pauses short; the flag itself is checked at the top of each iteration.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// CancelRegistry maps task ids of sessions live in this process to their
// cancellation flags. It is the fast stop path; the task store stays the
// durable authority on status.
type CancelRegistry struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*CancelToken
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{tokens: make(map[uuid.UUID]*CancelToken)}
}

// Register adds a flag for taskID. It returns false if a session for the
// task is already registered.
func (r *CancelRegistry) Register(taskID uuid.UUID) (*CancelToken, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[taskID]; ok {
		return nil, false
	}
	tok := newCancelToken()
	r.tokens[taskID] = tok
	return tok, true
}

// RequestCancel sets the flag for taskID and reports whether a live session
// was found. false means the task is already terminal or not in this process.
func (r *CancelRegistry) RequestCancel(taskID uuid.UUID) bool {
	r.mu.Lock()
	tok, ok := r.tokens[taskID]
	r.mu.Unlock()
	if ok {
		tok.cancel()
	}
	return ok
}

// Release removes taskID if it is still registered with tok.
func (r *CancelRegistry) Release(taskID uuid.UUID, tok *CancelToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tokens[taskID] == tok {
		delete(r.tokens, taskID)
	}
}

// Len returns the number of live sessions.
func (r *CancelRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

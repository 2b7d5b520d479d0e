package scheduler

import (
	"context"
	"sync"

	"github.com/kotazzz/komuzik/internal/models"
)

// Handle is the caller's view of a submitted request. The result is
// available exactly once, after Done is closed.
type Handle struct {
	id   string
	done chan struct{}

	mu     sync.Mutex
	result *models.DownloadResult
}

func newHandle(id string) *Handle {
	return &Handle{
		id:   id,
		done: make(chan struct{}),
	}
}

// ID returns the request identifier.
func (h *Handle) ID() string {
	return h.id
}

// Done is closed when the request reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal result, or nil if the request is still
// in flight.
func (h *Handle) Result() *models.DownloadResult {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result
	default:
		return nil
	}
}

// Wait blocks until the request resolves or ctx expires.
func (h *Handle) Wait(ctx context.Context) (*models.DownloadResult, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve publishes the terminal result. Resolving twice is a
// programming error: a request must reach exactly one terminal state.
func (h *Handle) resolve(result *models.DownloadResult) {
	h.mu.Lock()
	if h.result != nil {
		h.mu.Unlock()
		panic("scheduler: request " + h.id + " resolved twice")
	}
	h.result = result
	h.mu.Unlock()
	close(h.done)
}

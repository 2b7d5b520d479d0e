// Package queue provides the bounded holding area for admitted download
// requests that are waiting for an execution slot.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/kotazzz/komuzik/internal/models"
)

// ErrCapacityExceeded is returned by Enqueue when the queue is full.
var ErrCapacityExceeded = errors.New("queue capacity exceeded")

// Entry wraps a request with its queue admission time.
type Entry struct {
	Request    *models.DownloadRequest
	EnqueuedAt time.Time
}

// RequestQueue is a bounded, two-tier FIFO queue. High priority entries
// drain before normal ones; within a tier order is strictly FIFO.
type RequestQueue struct {
	capacity int
	maxWait  time.Duration

	mu     sync.Mutex
	high   []*Entry
	normal []*Entry

	// notify is signaled on Enqueue so the dispatcher can wake up.
	notify chan struct{}
}

// New creates a queue with the given capacity and maximum wait.
func New(capacity int, maxWait time.Duration) *RequestQueue {
	return &RequestQueue{
		capacity: capacity,
		maxWait:  maxWait,
		notify:   make(chan struct{}, 1),
	}
}

// Notify returns a channel signaled whenever an entry is enqueued.
func (q *RequestQueue) Notify() <-chan struct{} {
	return q.notify
}

// Enqueue adds a request. It fails fast with ErrCapacityExceeded when
// the queue is full so backpressure reaches the caller immediately.
func (q *RequestQueue) Enqueue(req *models.DownloadRequest, now time.Time) error {
	q.mu.Lock()
	if len(q.high)+len(q.normal) >= q.capacity {
		q.mu.Unlock()
		return ErrCapacityExceeded
	}

	e := &Entry{Request: req, EnqueuedAt: now}
	if req.Priority >= models.PriorityHigh {
		q.high = append(q.high, e)
	} else {
		q.normal = append(q.normal, e)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// TakeFirst removes and returns the first entry, in priority then FIFO
// order, accepted by eligible. It returns false when no entry matches.
// Scanning past ineligible entries is what keeps one saturated user
// from blocking slots freed for everyone else.
func (q *RequestQueue) TakeFirst(eligible func(*Entry) bool) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tier := range []*[]*Entry{&q.high, &q.normal} {
		for i, e := range *tier {
			if eligible(e) {
				*tier = append((*tier)[:i], (*tier)[i+1:]...)
				return e, true
			}
		}
	}
	return nil, false
}

// EvictExpired removes and returns all entries that have waited longer
// than the configured maximum.
func (q *RequestQueue) EvictExpired(now time.Time) []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*Entry
	for _, tier := range []*[]*Entry{&q.high, &q.normal} {
		kept := (*tier)[:0]
		for _, e := range *tier {
			if now.Sub(e.EnqueuedAt) > q.maxWait {
				expired = append(expired, e)
			} else {
				kept = append(kept, e)
			}
		}
		*tier = kept
	}
	return expired
}

// Remove extracts the entry for the given request ID, if still queued.
func (q *RequestQueue) Remove(requestID string) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tier := range []*[]*Entry{&q.high, &q.normal} {
		for i, e := range *tier {
			if e.Request.ID == requestID {
				*tier = append((*tier)[:i], (*tier)[i+1:]...)
				return e, true
			}
		}
	}
	return nil, false
}

// Len returns the number of queued entries.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

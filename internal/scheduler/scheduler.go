package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kotazzz/komuzik/internal/backend"
	"github.com/kotazzz/komuzik/internal/limiter"
	"github.com/kotazzz/komuzik/internal/models"
	"github.com/kotazzz/komuzik/internal/queue"
)

// Recorder persists terminal results. Implemented by the store.
type Recorder interface {
	TrackUser(userID string) error
	RecordResult(rec *models.DownloadRecord) error
}

// Observer receives scheduling measurements. Implemented by metrics.
type Observer interface {
	ObserveResult(outcome string, d time.Duration)
	ObserveRetry()
	SetActive(n int)
	SetQueued(n int)
}

// ErrUnknownRequest is returned by Cancel for ids that are not in flight.
var ErrUnknownRequest = fmt.Errorf("unknown or already finished request")

// tracked is the scheduler-side state of a live request.
type tracked struct {
	req       *models.DownloadRequest
	handle    *Handle
	status    models.RequestStatus
	platform  string
	cancel    context.CancelFunc
	cancelled bool
}

// Scheduler owns the full request lifecycle: admission, queueing,
// dispatch, retries, and terminal result delivery.
type Scheduler struct {
	config   *Config
	registry *backend.Registry
	recorder Recorder
	observer Observer

	window *limiter.RateWindow
	gate   *limiter.Gate
	queue  *queue.RequestQueue

	mu       sync.Mutex
	requests map[string]*tracked

	// wake is signaled when a slot is released.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// clock is swapped out in tests.
	clock Clock
	// sweepInterval drives queue-wait eviction checks.
	sweepInterval time.Duration
}

// New creates a scheduler. recorder and observer may be nil.
func New(reg *backend.Registry, recorder Recorder, observer Observer, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		config:        cfg,
		registry:      reg,
		recorder:      recorder,
		observer:      observer,
		window:        limiter.NewRateWindow(cfg.RateWindow, cfg.RateMax, cfg.UnlimitedUsers),
		gate:          limiter.NewGate(cfg.GlobalMax, cfg.PerUserMax),
		queue:         queue.New(cfg.QueueCapacity, cfg.MaxQueueWait),
		requests:      make(map[string]*tracked),
		wake:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		clock:         realClock{},
		sweepInterval: time.Second,
	}
}

// Start begins the dispatcher loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.dispatchLoop()
	log.Println("Scheduler started")
}

// Stop drains the scheduler: executing requests are cancelled, queued
// requests resolve as cancelled, and all workers are awaited.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()

	// Anything still queued will never run.
	for {
		entry, ok := sch.queue.TakeFirst(func(*queue.Entry) bool { return true })
		if !ok {
			break
		}
		sch.finishByID(entry.Request.ID, &models.Failure{
			Code:    models.FailCancelled,
			Message: "scheduler stopped",
		}, nil)
	}
	log.Println("Scheduler stopped")
}

// Submit admits a request. It never fails across this boundary: every
// admission error resolves the returned handle with a typed failure.
func (sch *Scheduler) Submit(userID, sourceURL string, prefs models.OutputPreferences, prio models.Priority) *Handle {
	req := &models.DownloadRequest{
		ID:          uuid.New().String(),
		UserID:      userID,
		SourceURL:   sourceURL,
		Prefs:       prefs,
		Priority:    prio,
		SubmittedAt: sch.clock.Now(),
	}
	h := newHandle(req.ID)

	if sch.recorder != nil {
		if err := sch.recorder.TrackUser(userID); err != nil {
			log.Printf("Error tracking user %s: %v", userID, err)
		}
	}

	if sch.ctx.Err() != nil {
		sch.resolveUntracked(req, h, &models.Failure{Code: models.FailCancelled, Message: "scheduler stopped"})
		return h
	}

	// Admission: the rate check runs before any resource is consumed.
	if !sch.window.Allow(userID) {
		sch.resolveUntracked(req, h, &models.Failure{
			Code:    models.FailRateRejected,
			Message: fmt.Sprintf("more than %d requests in %s", sch.config.RateMax, sch.config.RateWindow),
		})
		return h
	}

	// Fast path: run immediately when a slot is free.
	if slot, ok := sch.gate.TryAcquire(userID); ok {
		t := &tracked{req: req, handle: h, status: models.StatusExecuting}
		sch.mu.Lock()
		sch.requests[req.ID] = t
		sch.mu.Unlock()

		sch.wg.Add(1)
		go sch.execute(t, slot)
		return h
	}

	t := &tracked{req: req, handle: h, status: models.StatusQueued}
	sch.mu.Lock()
	sch.requests[req.ID] = t
	sch.mu.Unlock()

	if err := sch.queue.Enqueue(req, sch.clock.Now()); err != nil {
		sch.finishByID(req.ID, &models.Failure{
			Code:    models.FailCapacityExceeded,
			Message: fmt.Sprintf("queue is full (%d waiting)", sch.config.QueueCapacity),
		}, nil)
		return h
	}
	sch.observeGauges()
	return h
}

// Cancel withdraws a request. Queued requests resolve immediately
// without consuming a slot; executing ones are interrupted and release
// their slot through the normal execution path.
func (sch *Scheduler) Cancel(requestID string) error {
	sch.mu.Lock()
	t, ok := sch.requests[requestID]
	if !ok {
		sch.mu.Unlock()
		return ErrUnknownRequest
	}

	if t.status == models.StatusQueued {
		if _, removed := sch.queue.Remove(requestID); removed {
			sch.mu.Unlock()
			sch.finishByID(requestID, &models.Failure{
				Code:    models.FailCancelled,
				Message: "cancelled while queued",
			}, nil)
			return nil
		}
		// The dispatcher won the race; fall through to executing handling.
	}

	t.cancelled = true
	if t.cancel != nil {
		t.cancel()
	}
	sch.mu.Unlock()
	return nil
}

// Lookup returns the live request and its status, if still in flight.
func (sch *Scheduler) Lookup(requestID string) (*models.DownloadRequest, models.RequestStatus, bool) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	t, ok := sch.requests[requestID]
	if !ok {
		return nil, "", false
	}
	return t.req, t.status, true
}

// RequestInfo is a snapshot of one live request.
type RequestInfo struct {
	ID          string               `json:"id"`
	UserID      string               `json:"user_id"`
	SourceURL   string               `json:"source_url"`
	Status      models.RequestStatus `json:"status"`
	SubmittedAt time.Time            `json:"submitted_at"`
}

// Active returns snapshots of all live requests, queued and executing.
func (sch *Scheduler) Active() []RequestInfo {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	infos := make([]RequestInfo, 0, len(sch.requests))
	for _, t := range sch.requests {
		infos = append(infos, RequestInfo{
			ID:          t.req.ID,
			UserID:      t.req.UserID,
			SourceURL:   t.req.SourceURL,
			Status:      t.status,
			SubmittedAt: t.req.SubmittedAt,
		})
	}
	return infos
}

// Stats is a point-in-time view of scheduler load.
type Stats struct {
	ActiveDownloads int `json:"active_downloads"`
	QueueDepth      int `json:"queue_depth"`
	GlobalMax       int `json:"global_max"`
	PerUserMax      int `json:"per_user_max"`
	QueueCapacity   int `json:"queue_capacity"`
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() Stats {
	return Stats{
		ActiveDownloads: sch.gate.Active(),
		QueueDepth:      sch.queue.Len(),
		GlobalMax:       sch.config.GlobalMax,
		PerUserMax:      sch.config.PerUserMax,
		QueueCapacity:   sch.config.QueueCapacity,
	}
}

// dispatchLoop moves queued requests into execution as slots free up and
// evicts entries that have waited too long.
func (sch *Scheduler) dispatchLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-sch.queue.Notify():
		case <-sch.wake:
		case <-ticker.C:
		}
		sch.sweepExpired()
		sch.drain()
	}
}

// sweepExpired evicts queue entries past the maximum wait.
func (sch *Scheduler) sweepExpired() {
	for _, entry := range sch.queue.EvictExpired(sch.clock.Now()) {
		sch.finishByID(entry.Request.ID, &models.Failure{
			Code:    models.FailQueueTimeout,
			Message: fmt.Sprintf("no slot within %s", sch.config.MaxQueueWait),
		}, nil)
	}
}

// drain starts every queued request whose user can acquire a slot, in
// global FIFO order among eligible entries. A saturated user's entries
// are skipped so slots freed for other users are never held hostage.
func (sch *Scheduler) drain() {
	for {
		var slot *limiter.Slot
		entry, ok := sch.queue.TakeFirst(func(e *queue.Entry) bool {
			s, acquired := sch.gate.TryAcquire(e.Request.UserID)
			if acquired {
				slot = s
			}
			return acquired
		})
		if !ok {
			sch.observeGauges()
			return
		}

		sch.mu.Lock()
		t, tracked := sch.requests[entry.Request.ID]
		if !tracked {
			// Finished elsewhere between dequeue and here; give the slot back.
			sch.mu.Unlock()
			sch.release(slot)
			continue
		}
		t.status = models.StatusExecuting
		sch.mu.Unlock()

		sch.wg.Add(1)
		go sch.execute(t, slot)
	}
}

// release returns a slot and wakes the dispatcher.
func (sch *Scheduler) release(slot *limiter.Slot) {
	sch.gate.Release(slot)
	select {
	case sch.wake <- struct{}{}:
	default:
	}
}

// execute runs one request through resolve → fetch → retry, and always
// releases its slot exactly once on the way out.
func (sch *Scheduler) execute(t *tracked, slot *limiter.Slot) {
	defer sch.wg.Done()
	defer sch.release(slot)

	ctx, cancel := context.WithCancel(sch.ctx)
	defer cancel()

	sch.mu.Lock()
	t.cancel = cancel
	if t.cancelled {
		cancel()
	}
	sch.mu.Unlock()
	sch.observeGauges()

	b, err := sch.registry.Resolve(t.req.SourceURL)
	if err != nil {
		sch.finish(t, &models.Failure{
			Code:    models.FailUnsupported,
			Message: fmt.Sprintf("no backend for %s", t.req.SourceURL),
		}, nil)
		return
	}

	sch.mu.Lock()
	t.platform = b.Name()
	sch.mu.Unlock()

	artifact, failure := sch.fetchWithRetry(ctx, b, t.req)
	sch.finish(t, failure, artifact)
}

// fetchWithRetry applies the retry policy: transient failures back off
// exponentially up to the attempt budget, permanent and cancelled
// failures resolve immediately.
func (sch *Scheduler) fetchWithRetry(ctx context.Context, b backend.Backend, req *models.DownloadRequest) (*models.Artifact, *models.Failure) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return nil, &models.Failure{Code: models.FailCancelled, Message: "cancelled"}
		}

		artifact, err := b.Fetch(ctx, req.SourceURL, req.Prefs)
		if err == nil {
			return artifact, nil
		}
		lastErr = err

		switch backend.Classify(err) {
		case backend.Cancelled:
			return nil, &models.Failure{Code: models.FailCancelled, Message: "cancelled"}
		case backend.Permanent:
			return nil, &models.Failure{Code: models.FailPermanent, Message: err.Error()}
		}

		if attempt >= sch.config.MaxRetryAttempts {
			return nil, &models.Failure{
				Code:    models.FailTransientExhaust,
				Message: fmt.Sprintf("gave up after %d attempts: %v", attempt+1, lastErr),
			}
		}

		delay := sch.backoff(attempt)
		log.Printf("Request %s attempt %d failed (%v), retrying in %s", req.ID, attempt+1, err, delay)
		if sch.observer != nil {
			sch.observer.ObserveRetry()
		}

		select {
		case <-ctx.Done():
			return nil, &models.Failure{Code: models.FailCancelled, Message: "cancelled during backoff"}
		case <-sch.clock.After(delay):
		}
	}
}

// backoff returns base × 2^attempt, capped.
func (sch *Scheduler) backoff(attempt int) time.Duration {
	d := sch.config.BackoffBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= sch.config.BackoffMax {
			return sch.config.BackoffMax
		}
	}
	if d > sch.config.BackoffMax {
		return sch.config.BackoffMax
	}
	return d
}

// finish resolves a tracked request to its terminal state and records it.
func (sch *Scheduler) finish(t *tracked, failure *models.Failure, artifact *models.Artifact) {
	sch.mu.Lock()
	if failure != nil {
		if failure.Code == models.FailCancelled {
			t.status = models.StatusCancelled
		} else {
			t.status = models.StatusFailed
		}
	} else {
		t.status = models.StatusCompleted
	}
	delete(sch.requests, t.req.ID)
	platform := t.platform
	sch.mu.Unlock()

	result := &models.DownloadResult{RequestID: t.req.ID, Artifact: artifact, Err: failure}
	t.handle.resolve(result)
	sch.record(t.req, platform, result)
	sch.observeGauges()
}

// finishByID resolves a request that is not executing (queued, evicted,
// or rejected at admission while tracked).
func (sch *Scheduler) finishByID(requestID string, failure *models.Failure, artifact *models.Artifact) {
	sch.mu.Lock()
	t, ok := sch.requests[requestID]
	if !ok {
		sch.mu.Unlock()
		return
	}
	delete(sch.requests, requestID)
	sch.mu.Unlock()

	if failure.Code == models.FailCancelled {
		t.status = models.StatusCancelled
	} else {
		t.status = models.StatusFailed
	}

	result := &models.DownloadResult{RequestID: requestID, Artifact: artifact, Err: failure}
	t.handle.resolve(result)
	sch.record(t.req, t.platform, result)
	sch.observeGauges()
}

// resolveUntracked resolves admission rejections that never entered the
// request table (no slot, no queue entry).
func (sch *Scheduler) resolveUntracked(req *models.DownloadRequest, h *Handle, failure *models.Failure) {
	result := &models.DownloadResult{RequestID: req.ID, Err: failure}
	h.resolve(result)
	sch.record(req, "", result)
}

// record persists the terminal result and updates measurements.
func (sch *Scheduler) record(req *models.DownloadRequest, platform string, result *models.DownloadResult) {
	elapsed := sch.clock.Now().Sub(req.SubmittedAt)

	outcome := "completed"
	if result.Err != nil {
		outcome = string(result.Err.Code)
	}
	if sch.observer != nil {
		sch.observer.ObserveResult(outcome, elapsed)
	}
	if sch.recorder == nil {
		return
	}

	rec := &models.DownloadRecord{
		ID:         uuid.New().String(),
		RequestID:  req.ID,
		UserID:     req.UserID,
		SourceURL:  req.SourceURL,
		Platform:   platform,
		Kind:       string(req.Prefs.Kind),
		Quality:    req.Prefs.Quality,
		Success:    result.OK(),
		DurationMS: elapsed.Milliseconds(),
		CreatedAt:  sch.clock.Now(),
	}
	if result.Artifact != nil {
		rec.Title = result.Artifact.Title
		rec.ArtifactPath = result.Artifact.Path
		rec.SizeBytes = result.Artifact.Size
	}
	if result.Err != nil {
		rec.FailCode = string(result.Err.Code)
		rec.FailReason = result.Err.Message
	}
	if err := sch.recorder.RecordResult(rec); err != nil {
		log.Printf("Error recording result for %s: %v", req.ID, err)
	}
}

func (sch *Scheduler) observeGauges() {
	if sch.observer == nil {
		return
	}
	sch.observer.SetActive(sch.gate.Active())
	sch.observer.SetQueued(sch.queue.Len())
}

package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kotazzz/komuzik/internal/backend"
	"github.com/kotazzz/komuzik/internal/models"
)

// fakeClock is a manually advanced clock. After() waiters fire when
// Advance moves time past their deadline.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	delays  []time.Duration
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

func (c *fakeClock) waitForWaiters(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.waiters)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d clock waiters", n)
}

// mockBackend counts calls and delegates to a configurable fetch func.
type mockBackend struct {
	name  string
	mu    sync.Mutex
	calls int
	fetch func(ctx context.Context, url string, prefs models.OutputPreferences) (*models.Artifact, error)
}

func (m *mockBackend) Name() string { return m.name }

func (m *mockBackend) Fetch(ctx context.Context, url string, prefs models.OutputPreferences) (*models.Artifact, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.fetch(ctx, url, prefs)
}

func (m *mockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// blockingBackend holds each fetch until released or cancelled.
type blockingBackend struct {
	name    string
	started chan string
	release chan struct{}
}

func newBlockingBackend(name string) *blockingBackend {
	return &blockingBackend{
		name:    name,
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingBackend) Name() string { return b.name }

func (b *blockingBackend) Fetch(ctx context.Context, url string, prefs models.OutputPreferences) (*models.Artifact, error) {
	b.started <- url
	select {
	case <-b.release:
		return &models.Artifact{Path: "/tmp/out", Title: url}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recordedResults struct {
	mu      sync.Mutex
	records []*models.DownloadRecord
}

func (r *recordedResults) TrackUser(userID string) error { return nil }

func (r *recordedResults) RecordResult(rec *models.DownloadRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *recordedResults) Records() []*models.DownloadRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.DownloadRecord, len(r.records))
	copy(out, r.records)
	return out
}

func matchAll(string) bool { return true }

func newTestScheduler(t *testing.T, b backend.Backend, cfg *Config) (*Scheduler, *fakeClock) {
	t.Helper()
	reg := backend.NewRegistry()
	if b != nil {
		if err := reg.Register(matchAll, b); err != nil {
			t.Fatal(err)
		}
	}
	sch := New(reg, nil, nil, cfg)
	fc := newFakeClock()
	sch.clock = fc
	sch.sweepInterval = 5 * time.Millisecond
	return sch, fc
}

func waitResult(t *testing.T, h *Handle) *models.DownloadResult {
	t.Helper()
	select {
	case <-h.Done():
		return h.Result()
	case <-time.After(3 * time.Second):
		t.Fatalf("request %s did not resolve", h.ID())
		return nil
	}
}

func waitActive(t *testing.T, sch *Scheduler, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sch.GetStats().ActiveDownloads == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("active downloads never reached %d (got %d)", want, sch.GetStats().ActiveDownloads)
}

func TestFastPathCompletes(t *testing.T) {
	mock := &mockBackend{
		name: "mock",
		fetch: func(context.Context, string, models.OutputPreferences) (*models.Artifact, error) {
			return &models.Artifact{Path: "/tmp/song.mp3", Title: "Song"}, nil
		},
	}
	sch, _ := newTestScheduler(t, mock, nil)
	sch.Start()
	defer sch.Stop()

	h := sch.Submit("alice", "https://example.com/song", models.OutputPreferences{Kind: models.KindAudio}, models.PriorityNormal)
	res := waitResult(t, h)

	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Artifact.Path != "/tmp/song.mp3" {
		t.Errorf("unexpected artifact path %q", res.Artifact.Path)
	}
	if mock.Calls() != 1 {
		t.Errorf("expected 1 fetch, got %d", mock.Calls())
	}
	waitActive(t, sch, 0)
}

func TestPerUserSerialization(t *testing.T) {
	blocking := newBlockingBackend("mock")
	sch, _ := newTestScheduler(t, blocking, &Config{
		GlobalMax: 2, PerUserMax: 1,
		QueueCapacity: 8, MaxQueueWait: time.Hour,
		MaxRetryAttempts: 0, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		RateWindow: time.Minute, RateMax: 100,
	})
	sch.Start()
	defer close(blocking.release)
	defer sch.Stop()

	h1 := sch.Submit("alice", "u1", models.OutputPreferences{Kind: models.KindAudio}, models.PriorityNormal)
	<-blocking.started

	// Same user: the second request must queue, not run concurrently.
	h2 := sch.Submit("alice", "u2", models.OutputPreferences{Kind: models.KindAudio}, models.PriorityNormal)
	if _, status, ok := sch.Lookup(h2.ID()); !ok || status != models.StatusQueued {
		t.Fatalf("expected second request queued, got %v %v", status, ok)
	}

	// A different user still gets the free global slot.
	h3 := sch.Submit("bob", "u3", models.OutputPreferences{Kind: models.KindAudio}, models.PriorityNormal)
	select {
	case url := <-blocking.started:
		if url != "u3" {
			t.Fatalf("expected bob's request to start, got %q", url)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob's request never started")
	}

	blocking.release <- struct{}{} // finishes one of the two executing
	blocking.release <- struct{}{}

	// Alice's queued request runs once her slot frees.
	select {
	case <-blocking.started:
	case <-time.After(2 * time.Second):
		t.Fatal("alice's queued request never started")
	}
	blocking.release <- struct{}{}

	for _, h := range []*Handle{h1, h2, h3} {
		if res := waitResult(t, h); !res.OK() {
			t.Errorf("request %s failed: %v", h.ID(), res.Err)
		}
	}
	waitActive(t, sch, 0)
}

func TestRateRejected(t *testing.T) {
	mock := &mockBackend{
		name: "mock",
		fetch: func(context.Context, string, models.OutputPreferences) (*models.Artifact, error) {
			return &models.Artifact{Path: "/tmp/out"}, nil
		},
	}
	sch, _ := newTestScheduler(t, mock, &Config{
		GlobalMax: 4, PerUserMax: 4,
		QueueCapacity: 8, MaxQueueWait: time.Hour,
		BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		RateWindow: time.Minute, RateMax: 1,
	})
	sch.Start()
	defer sch.Stop()

	h1 := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	h2 := sch.Submit("alice", "u2", models.OutputPreferences{}, models.PriorityNormal)

	if res := waitResult(t, h1); !res.OK() {
		t.Fatalf("first request failed: %v", res.Err)
	}
	res := waitResult(t, h2)
	if res.OK() || res.Err.Code != models.FailRateRejected {
		t.Fatalf("expected rate_rejected, got %+v", res)
	}
	if !res.Err.Code.Retryable() {
		t.Error("rate rejection should be retryable")
	}
}

func TestCapacityExceeded(t *testing.T) {
	blocking := newBlockingBackend("mock")
	sch, _ := newTestScheduler(t, blocking, &Config{
		GlobalMax: 1, PerUserMax: 1,
		QueueCapacity: 1, MaxQueueWait: time.Hour,
		BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		RateWindow: time.Minute, RateMax: 100,
	})
	sch.Start()
	defer close(blocking.release)
	defer sch.Stop()

	h1 := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	<-blocking.started
	sch.Submit("bob", "u2", models.OutputPreferences{}, models.PriorityNormal)

	h3 := sch.Submit("carol", "u3", models.OutputPreferences{}, models.PriorityNormal)
	res := waitResult(t, h3)
	if res.OK() || res.Err.Code != models.FailCapacityExceeded {
		t.Fatalf("expected capacity_exceeded, got %+v", res)
	}

	blocking.release <- struct{}{}
	if res := waitResult(t, h1); !res.OK() {
		t.Fatalf("first request failed: %v", res.Err)
	}
	blocking.release <- struct{}{}
}

func TestQueueTimeout(t *testing.T) {
	blocking := newBlockingBackend("mock")
	sch, fc := newTestScheduler(t, blocking, &Config{
		GlobalMax: 1, PerUserMax: 1,
		QueueCapacity: 8, MaxQueueWait: 30 * time.Second,
		BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		RateWindow: time.Minute, RateMax: 100,
	})
	sch.Start()
	defer close(blocking.release)
	defer sch.Stop()

	h1 := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	<-blocking.started
	h2 := sch.Submit("bob", "u2", models.OutputPreferences{}, models.PriorityNormal)

	fc.Advance(31 * time.Second)

	res := waitResult(t, h2)
	if res.OK() || res.Err.Code != models.FailQueueTimeout {
		t.Fatalf("expected queue_timeout, got %+v", res)
	}

	blocking.release <- struct{}{}
	if res := waitResult(t, h1); !res.OK() {
		t.Fatalf("first request failed: %v", res.Err)
	}
	waitActive(t, sch, 0)
}

func TestRetryBackoffGrowsAndCaps(t *testing.T) {
	var mu sync.Mutex
	failures := 3
	mock := &mockBackend{name: "mock"}
	mock.fetch = func(context.Context, string, models.OutputPreferences) (*models.Artifact, error) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, backend.NewTransient(errors.New("HTTP Error 429"))
		}
		return &models.Artifact{Path: "/tmp/out"}, nil
	}
	sch, fc := newTestScheduler(t, mock, &Config{
		GlobalMax: 1, PerUserMax: 1,
		QueueCapacity: 8, MaxQueueWait: time.Hour,
		MaxRetryAttempts: 5,
		BackoffBase:      100 * time.Millisecond,
		BackoffMax:       300 * time.Millisecond,
		RateWindow:       time.Minute, RateMax: 100,
	})
	sch.Start()
	defer sch.Stop()

	h := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)

	for i := 0; i < 3; i++ {
		fc.waitForWaiters(t, 1)
		fc.Advance(time.Second)
	}

	res := waitResult(t, h)
	if !res.OK() {
		t.Fatalf("expected success after retries, got %v", res.Err)
	}
	if mock.Calls() != 4 {
		t.Errorf("expected 4 attempts, got %d", mock.Calls())
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}
	got := fc.Delays()
	if len(got) != len(want) {
		t.Fatalf("expected %d backoff delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestTransientExhausted(t *testing.T) {
	mock := &mockBackend{name: "mock"}
	mock.fetch = func(context.Context, string, models.OutputPreferences) (*models.Artifact, error) {
		return nil, backend.NewTransient(errors.New("timed out"))
	}
	sch, fc := newTestScheduler(t, mock, &Config{
		GlobalMax: 1, PerUserMax: 1,
		QueueCapacity: 8, MaxQueueWait: time.Hour,
		MaxRetryAttempts: 2,
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       time.Second,
		RateWindow:       time.Minute, RateMax: 100,
	})
	sch.Start()
	defer sch.Stop()

	h := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	for i := 0; i < 2; i++ {
		fc.waitForWaiters(t, 1)
		fc.Advance(time.Second)
	}

	res := waitResult(t, h)
	if res.OK() || res.Err.Code != models.FailTransientExhaust {
		t.Fatalf("expected transient_exhausted, got %+v", res)
	}
	if mock.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", mock.Calls())
	}
}

func TestPermanentNotRetried(t *testing.T) {
	mock := &mockBackend{name: "mock"}
	mock.fetch = func(context.Context, string, models.OutputPreferences) (*models.Artifact, error) {
		return nil, backend.NewPermanent(errors.New("Video unavailable"))
	}
	sch, _ := newTestScheduler(t, mock, nil)
	sch.Start()
	defer sch.Stop()

	h := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	res := waitResult(t, h)
	if res.OK() || res.Err.Code != models.FailPermanent {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
	if mock.Calls() != 1 {
		t.Errorf("permanent failure retried: %d attempts", mock.Calls())
	}
	if res.Err.Code.Retryable() {
		t.Error("permanent failure should not be retryable")
	}
}

func TestUnsupportedURL(t *testing.T) {
	sch, _ := newTestScheduler(t, nil, nil)
	sch.Start()
	defer sch.Stop()

	h := sch.Submit("alice", "ftp://example.com/file", models.OutputPreferences{}, models.PriorityNormal)
	res := waitResult(t, h)
	if res.OK() || res.Err.Code != models.FailUnsupported {
		t.Fatalf("expected unsupported, got %+v", res)
	}
	waitActive(t, sch, 0)
}

func TestCancelQueued(t *testing.T) {
	blocking := newBlockingBackend("mock")
	sch, _ := newTestScheduler(t, blocking, &Config{
		GlobalMax: 1, PerUserMax: 1,
		QueueCapacity: 8, MaxQueueWait: time.Hour,
		BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		RateWindow: time.Minute, RateMax: 100,
	})
	sch.Start()
	defer close(blocking.release)
	defer sch.Stop()

	h1 := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	<-blocking.started
	h2 := sch.Submit("bob", "u2", models.OutputPreferences{}, models.PriorityNormal)

	if err := sch.Cancel(h2.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res := waitResult(t, h2)
	if res.OK() || res.Err.Code != models.FailCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}

	// The cancelled request must not have consumed the slot.
	blocking.release <- struct{}{}
	if res := waitResult(t, h1); !res.OK() {
		t.Fatalf("first request failed: %v", res.Err)
	}
	waitActive(t, sch, 0)

	if err := sch.Cancel(h2.ID()); err != ErrUnknownRequest {
		t.Errorf("expected ErrUnknownRequest for finished request, got %v", err)
	}
}

func TestCancelExecuting(t *testing.T) {
	blocking := newBlockingBackend("mock")
	sch, _ := newTestScheduler(t, blocking, nil)
	sch.Start()
	defer sch.Stop()

	h := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	<-blocking.started

	if err := sch.Cancel(h.ID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	res := waitResult(t, h)
	if res.OK() || res.Err.Code != models.FailCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	// Slot released exactly once.
	waitActive(t, sch, 0)
}

func TestStopResolvesQueued(t *testing.T) {
	blocking := newBlockingBackend("mock")
	sch, _ := newTestScheduler(t, blocking, &Config{
		GlobalMax: 1, PerUserMax: 1,
		QueueCapacity: 8, MaxQueueWait: time.Hour,
		BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		RateWindow: time.Minute, RateMax: 100,
	})
	sch.Start()

	h1 := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	<-blocking.started
	h2 := sch.Submit("bob", "u2", models.OutputPreferences{}, models.PriorityNormal)

	sch.Stop()

	for _, h := range []*Handle{h1, h2} {
		res := waitResult(t, h)
		if res.OK() || res.Err.Code != models.FailCancelled {
			t.Errorf("request %s: expected cancelled, got %+v", h.ID(), res)
		}
	}
}

func TestSlotsNeverLeak(t *testing.T) {
	var mu sync.Mutex
	n := 0
	mock := &mockBackend{name: "mock"}
	mock.fetch = func(context.Context, string, models.OutputPreferences) (*models.Artifact, error) {
		mu.Lock()
		n++
		i := n
		mu.Unlock()
		switch i % 3 {
		case 0:
			return nil, backend.NewPermanent(errors.New("gone"))
		case 1:
			return &models.Artifact{Path: "/tmp/out"}, nil
		default:
			return nil, errors.New("flaky") // unclassified, treated transient
		}
	}
	sch, _ := newTestScheduler(t, mock, &Config{
		GlobalMax: 3, PerUserMax: 2,
		QueueCapacity: 64, MaxQueueWait: time.Hour,
		MaxRetryAttempts: 0,
		BackoffBase:      time.Millisecond, BackoffMax: time.Millisecond,
		RateWindow: time.Minute, RateMax: 1000,
	})
	sch.Start()
	defer sch.Stop()

	handles := make([]*Handle, 0, 30)
	for i := 0; i < 30; i++ {
		user := string(rune('a' + i%5))
		handles = append(handles, sch.Submit(user, "u", models.OutputPreferences{}, models.PriorityNormal))
	}
	for _, h := range handles {
		waitResult(t, h)
	}
	waitActive(t, sch, 0)
	if depth := sch.GetStats().QueueDepth; depth != 0 {
		t.Errorf("queue not drained: depth %d", depth)
	}
}

func TestRecorderReceivesTerminalResults(t *testing.T) {
	rec := &recordedResults{}
	mock := &mockBackend{
		name: "mock",
		fetch: func(context.Context, string, models.OutputPreferences) (*models.Artifact, error) {
			return &models.Artifact{Path: "/tmp/out.mp3", Title: "Some Artist - Some Track", Size: 4200}, nil
		},
	}
	reg := backend.NewRegistry()
	if err := reg.Register(matchAll, mock); err != nil {
		t.Fatal(err)
	}
	sch := New(reg, rec, nil, nil)
	sch.clock = newFakeClock()
	sch.Start()
	defer sch.Stop()

	h := sch.Submit("alice", "https://example.com/a", models.OutputPreferences{Kind: models.KindAudio, Quality: "high"}, models.PriorityNormal)
	waitResult(t, h)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(rec.Records()) == 0 {
		time.Sleep(time.Millisecond)
	}
	records := rec.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if !r.Success || r.RequestID != h.ID() || r.UserID != "alice" || r.Platform != "mock" {
		t.Errorf("unexpected record %+v", r)
	}
	if r.ArtifactPath != "/tmp/out.mp3" || r.Title != "Some Artist - Some Track" || r.SizeBytes != 4200 {
		t.Errorf("artifact not carried into record: %+v", r)
	}
}

func TestStopRecordsShutdownCancellations(t *testing.T) {
	rec := &recordedResults{}
	blocking := newBlockingBackend("mock")
	reg := backend.NewRegistry()
	if err := reg.Register(matchAll, blocking); err != nil {
		t.Fatal(err)
	}
	sch := New(reg, rec, nil, &Config{
		GlobalMax: 1, PerUserMax: 1,
		QueueCapacity: 8, MaxQueueWait: time.Hour,
		BackoffBase: time.Millisecond, BackoffMax: time.Millisecond,
		RateWindow: time.Minute, RateMax: 100,
	})
	sch.clock = newFakeClock()
	sch.Start()

	h1 := sch.Submit("alice", "u1", models.OutputPreferences{}, models.PriorityNormal)
	<-blocking.started
	h2 := sch.Submit("bob", "u2", models.OutputPreferences{}, models.PriorityNormal)

	sch.Stop()

	// Both the executing and the queued request must have reached the
	// recorder by the time Stop returns, so the store can close after.
	records := rec.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 records after Stop, got %d", len(records))
	}
	byRequest := map[string]*models.DownloadRecord{}
	for _, r := range records {
		byRequest[r.RequestID] = r
	}
	for _, h := range []*Handle{h1, h2} {
		r, ok := byRequest[h.ID()]
		if !ok {
			t.Fatalf("no record for request %s", h.ID())
		}
		if r.Success || r.FailCode != string(models.FailCancelled) {
			t.Errorf("request %s: expected cancelled record, got %+v", h.ID(), r)
		}
	}
}

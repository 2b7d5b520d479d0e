// Package controlplane provides the HTTP API and service layer for komuzik.
package controlplane

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/kotazzz/komuzik/internal/backend/ytdlp"
	"github.com/kotazzz/komuzik/internal/models"
	"github.com/kotazzz/komuzik/internal/scheduler"
	"github.com/kotazzz/komuzik/internal/store"
)

// Searcher finds media by free-text query without downloading anything.
// Implemented by the youtube backend.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]ytdlp.SearchResult, error)
}

// Service provides the control plane business logic.
type Service struct {
	sched    *scheduler.Scheduler
	store    *store.Store
	searcher Searcher
}

// NewService creates a new control plane service. The searcher may be
// nil, in which case search requests are rejected.
func NewService(sched *scheduler.Scheduler, s *store.Store, searcher Searcher) *Service {
	return &Service{
		sched:    sched,
		store:    s,
		searcher: searcher,
	}
}

// DownloadView is the API representation of a download, live or finished.
type DownloadView struct {
	ID           string               `json:"id"`
	UserID       string               `json:"user_id"`
	SourceURL    string               `json:"source_url"`
	Status       models.RequestStatus `json:"status"`
	Platform     string               `json:"platform,omitempty"`
	Title        string               `json:"title,omitempty"`
	ArtifactPath string               `json:"artifact_path,omitempty"`
	SizeBytes    int64                `json:"size_bytes,omitempty"`
	FailCode     string               `json:"fail_code,omitempty"`
	FailReason   string               `json:"fail_reason,omitempty"`
	DurationMS   int64                `json:"duration_ms,omitempty"`
}

// SubmitDownload validates and admits a download request. The returned
// failure is non-nil when admission rejected the request synchronously.
func (s *Service) SubmitDownload(userID, sourceURL string, prefs models.OutputPreferences, prio models.Priority) (*DownloadView, *models.Failure, error) {
	if userID == "" {
		return nil, nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if sourceURL == "" {
		return nil, nil, fmt.Errorf("%w: source_url is required", ErrInvalidRequest)
	}
	if _, err := url.ParseRequestURI(sourceURL); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed source_url", ErrInvalidRequest)
	}
	switch prefs.Kind {
	case models.KindAudio, models.KindVideo:
	case "":
		prefs.Kind = models.KindAudio
	default:
		return nil, nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, prefs.Kind)
	}

	h := s.sched.Submit(userID, sourceURL, prefs, prio)

	// Admission rejections resolve before Submit returns; surface them
	// so the transport can map them to proper status codes.
	if res := h.Result(); res != nil && res.Err != nil {
		switch res.Err.Code {
		case models.FailRateRejected, models.FailCapacityExceeded:
			return nil, res.Err, nil
		}
	}

	view := &DownloadView{ID: h.ID(), UserID: userID, SourceURL: sourceURL, Status: models.StatusQueued}
	if _, status, ok := s.sched.Lookup(h.ID()); ok {
		view.Status = status
	}
	return view, nil, nil
}

// GetDownload looks up a download by request id, live requests first,
// then finished history.
func (s *Service) GetDownload(requestID string) (*DownloadView, error) {
	if req, status, ok := s.sched.Lookup(requestID); ok {
		return &DownloadView{
			ID:        req.ID,
			UserID:    req.UserID,
			SourceURL: req.SourceURL,
			Status:    status,
		}, nil
	}

	rec, err := s.store.GetByRequestID(requestID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return recordView(rec), nil
}

// ListDownloads returns live requests followed by recent history.
func (s *Service) ListDownloads(limit int) ([]DownloadView, error) {
	views := []DownloadView{}
	for _, info := range s.sched.Active() {
		views = append(views, DownloadView{
			ID:        info.ID,
			UserID:    info.UserID,
			SourceURL: info.SourceURL,
			Status:    info.Status,
		})
	}

	records, err := s.store.ListRecent(limit)
	if err != nil {
		return nil, err
	}
	for i := range records {
		views = append(views, *recordView(&records[i]))
	}
	return views, nil
}

// CancelDownload withdraws a live request.
func (s *Service) CancelDownload(requestID string) error {
	if err := s.sched.Cancel(requestID); err != nil {
		return ErrNotFound
	}
	return nil
}

// Search queries the configured searcher and records the query.
func (s *Service) Search(ctx context.Context, userID, query string, limit int) ([]ytdlp.SearchResult, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	if limit <= 0 || limit > 25 {
		limit = 5
	}
	if s.searcher == nil {
		return nil, ErrSearchUnavailable
	}

	results, err := s.searcher.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	if userID == "" {
		userID = "anonymous"
	}
	if err := s.store.RecordSearch(userID, query, len(results)); err != nil {
		log.Printf("Error recording search %q: %v", query, err)
	}
	return results, nil
}

// StatsResponse combines live scheduler load with stored history.
type StatsResponse struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	History   *store.Summary  `json:"history"`
}

// GetStats returns combined statistics. The period narrows history to
// the last day, week, or month; empty means all-time.
func (s *Service) GetStats(period string) (*StatsResponse, error) {
	since, err := periodStart(period)
	if err != nil {
		return nil, err
	}
	summary, err := s.store.Summarize(since)
	if err != nil {
		return nil, err
	}
	return &StatsResponse{
		Scheduler: s.sched.GetStats(),
		History:   summary,
	}, nil
}

func periodStart(period string) (time.Time, error) {
	now := time.Now().UTC()
	switch period {
	case "":
		return time.Time{}, nil
	case "day":
		return now.Add(-24 * time.Hour), nil
	case "week":
		return now.Add(-7 * 24 * time.Hour), nil
	case "month":
		return now.Add(-30 * 24 * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("%w: unknown period %q", ErrInvalidRequest, period)
	}
}

func recordView(rec *models.DownloadRecord) *DownloadView {
	status := models.StatusCompleted
	if !rec.Success {
		status = models.StatusFailed
		if rec.FailCode == string(models.FailCancelled) {
			status = models.StatusCancelled
		}
	}
	return &DownloadView{
		ID:           rec.RequestID,
		UserID:       rec.UserID,
		SourceURL:    rec.SourceURL,
		Status:       status,
		Platform:     rec.Platform,
		Title:        rec.Title,
		ArtifactPath: rec.ArtifactPath,
		SizeBytes:    rec.SizeBytes,
		FailCode:     rec.FailCode,
		FailReason:   rec.FailReason,
		DurationMS:   rec.DurationMS,
	}
}

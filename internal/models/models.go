// Package models defines the core domain types for komuzik.
package models

import "time"

// RequestStatus represents the current state of a download request.
type RequestStatus string

const (
	StatusQueued    RequestStatus = "queued"
	StatusExecuting RequestStatus = "executing"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority orders requests within the queue. Higher runs first.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// MediaKind selects the output content type.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// OutputPreferences describes the desired output of a download.
type OutputPreferences struct {
	Kind MediaKind `json:"kind"`
	// Quality is backend-specific: "720p", "1080p" for video,
	// "high", "medium", "low" for audio. Empty means best available.
	Quality string `json:"quality,omitempty"`
}

// DownloadRequest is an accepted submission. Immutable after creation.
type DownloadRequest struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	SourceURL   string            `json:"source_url"`
	Prefs       OutputPreferences `json:"prefs"`
	Priority    Priority          `json:"priority"`
	SubmittedAt time.Time         `json:"submitted_at"`
}

// FailureCode classifies terminal failures.
type FailureCode string

const (
	FailRateRejected     FailureCode = "rate_rejected"
	FailCapacityExceeded FailureCode = "capacity_exceeded"
	FailQueueTimeout     FailureCode = "queue_timeout"
	FailUnsupported      FailureCode = "unsupported"
	FailTransientExhaust FailureCode = "transient_exhausted"
	FailPermanent        FailureCode = "permanent"
	FailCancelled        FailureCode = "cancelled"
)

// Retryable reports whether the caller may reasonably try again later.
func (c FailureCode) Retryable() bool {
	switch c {
	case FailRateRejected, FailCapacityExceeded, FailQueueTimeout, FailTransientExhaust:
		return true
	}
	return false
}

// Failure is a typed terminal failure delivered to the caller.
type Failure struct {
	Code    FailureCode `json:"code"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return string(f.Code) + ": " + f.Message
}

// Artifact references a fetched media file on local disk. The consumer
// owns cleanup of the containing directory after use.
type Artifact struct {
	Path        string `json:"path"`
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	DurationSec int    `json:"duration_sec,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// DownloadResult is the terminal outcome of a request. Exactly one of
// Artifact or Err is populated.
type DownloadResult struct {
	RequestID string    `json:"request_id"`
	Artifact  *Artifact `json:"artifact,omitempty"`
	Err       *Failure  `json:"error,omitempty"`
}

// OK reports whether the request produced an artifact.
func (r *DownloadResult) OK() bool {
	return r.Err == nil
}

// DownloadRecord is a persisted history row for a finished request.
type DownloadRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	SourceURL    string    `json:"source_url"`
	Platform     string    `json:"platform"`
	Kind         string    `json:"kind"`
	Quality      string    `json:"quality,omitempty"`
	Success      bool      `json:"success"`
	Title        string    `json:"title,omitempty"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	FailCode     string    `json:"fail_code,omitempty"`
	FailReason   string    `json:"fail_reason,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Package backend defines the downloader backend contract and the
// ordered registry that maps source URLs to backends.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/kotazzz/komuzik/internal/models"
)

// Backend fetches a media artifact for a source URL. Implementations
// must honor ctx cancellation between stages and must not leave partial
// output behind on any failure path.
type Backend interface {
	// Name returns the backend identifier (used as the history platform).
	Name() string

	// Fetch downloads the source into a scoped directory and returns an
	// artifact reference. Errors should be *FetchError so the scheduler
	// can decide whether to retry.
	Fetch(ctx context.Context, sourceURL string, prefs models.OutputPreferences) (*models.Artifact, error)
}

// ErrorKind classifies fetch failures for retry decisions.
type ErrorKind int

const (
	// Transient failures (network blips, source rate limits, timeouts)
	// are eligible for retry.
	Transient ErrorKind = iota
	// Permanent failures (bad URL, removed content) are never retried.
	Permanent
	// Cancelled means the caller withdrew interest.
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// FetchError is a classified backend failure.
type FetchError struct {
	Kind ErrorKind
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a retryable failure.
func NewTransient(err error) *FetchError {
	return &FetchError{Kind: Transient, Err: err}
}

// NewPermanent wraps err as a non-retryable failure.
func NewPermanent(err error) *FetchError {
	return &FetchError{Kind: Permanent, Err: err}
}

// NewCancelled wraps err as a cancellation.
func NewCancelled(err error) *FetchError {
	return &FetchError{Kind: Cancelled, Err: err}
}

// Classify returns the error kind for any fetch error. Caller
// cancellation always wins; deadline expiry and unclassified errors are
// treated as transient so a flaky backend gets its retries.
func Classify(err error) ErrorKind {
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Transient
}

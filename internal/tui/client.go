package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the komuzik API
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout
func NewClient(baseURL string) *Client {
	hostname, _ := os.Hostname()
	return &Client{
		baseURL: baseURL,
		userID:  fmt.Sprintf("tui@%s", hostname),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

type downloadPayload struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	SourceURL    string `json:"source_url"`
	Status       string `json:"status"`
	Platform     string `json:"platform"`
	Title        string `json:"title"`
	ArtifactPath string `json:"artifact_path"`
	SizeBytes    int64  `json:"size_bytes"`
	FailCode     string `json:"fail_code"`
	FailReason   string `json:"fail_reason"`
	DurationMS   int64  `json:"duration_ms"`
}

// ListDownloads fetches downloads from the API
func (c *Client) ListDownloads() ([]DownloadItem, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/downloads")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var payload []downloadPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	items := make([]DownloadItem, len(payload))
	for i, d := range payload {
		items[i] = DownloadItem{
			ID:        d.ID,
			SourceURL: d.SourceURL,
			UserID:    d.UserID,
			Status:    d.Status,
			Platform:  d.Platform,
		}
	}
	return items, nil
}

// GetDownload fetches a single download
func (c *Client) GetDownload(id string) (*DownloadDetail, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/downloads/" + id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var d downloadPayload
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return nil, err
	}

	return &DownloadDetail{
		ID:           d.ID,
		UserID:       d.UserID,
		SourceURL:    d.SourceURL,
		Status:       d.Status,
		Platform:     d.Platform,
		Title:        d.Title,
		ArtifactPath: d.ArtifactPath,
		SizeBytes:    d.SizeBytes,
		FailCode:     d.FailCode,
		FailReason:   d.FailReason,
		DurationMS:   d.DurationMS,
	}, nil
}

// SubmitDownload submits a new download attributed to the TUI user
func (c *Client) SubmitDownload(sourceURL, kind string) (*DownloadItem, error) {
	body, err := json.Marshal(map[string]string{
		"user_id":    c.userID,
		"source_url": sourceURL,
		"kind":       kind,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Post(c.baseURL+"/downloads", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error: %s", string(respBody))
	}

	var d downloadPayload
	if err := json.Unmarshal(respBody, &d); err != nil {
		return nil, err
	}
	return &DownloadItem{ID: d.ID, SourceURL: d.SourceURL, UserID: d.UserID, Status: d.Status}, nil
}

// CancelDownload cancels a download by id
func (c *Client) CancelDownload(id string) error {
	resp, err := c.httpClient.Post(c.baseURL+"/downloads/"+id+"/cancel", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error: %s", string(body))
	}
	return nil
}

// GetStats fetches scheduler statistics
func (c *Client) GetStats() (*SchedulerStats, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var payload struct {
		Scheduler struct {
			ActiveDownloads int `json:"active_downloads"`
			QueueDepth      int `json:"queue_depth"`
			GlobalMax       int `json:"global_max"`
			QueueCapacity   int `json:"queue_capacity"`
		} `json:"scheduler"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	return &SchedulerStats{
		ActiveDownloads: payload.Scheduler.ActiveDownloads,
		QueueDepth:      payload.Scheduler.QueueDepth,
		GlobalMax:       payload.Scheduler.GlobalMax,
		QueueCapacity:   payload.Scheduler.QueueCapacity,
	}, nil
}

// CheckDaemon reports whether the daemon answers health checks
func (c *Client) CheckDaemon() bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(c.baseURL + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

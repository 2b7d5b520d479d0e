package tui

// DownloadItem is a summary of a download for the list view
type DownloadItem struct {
	ID        string
	SourceURL string
	UserID    string
	Status    string
	Platform  string
}

// DownloadDetail is the full download information
type DownloadDetail struct {
	ID           string
	UserID       string
	SourceURL    string
	Status       string
	Platform     string
	Title        string
	ArtifactPath string
	SizeBytes    int64
	FailCode     string
	FailReason   string
	DurationMS   int64
}

// SchedulerStats mirrors the /stats scheduler section
type SchedulerStats struct {
	ActiveDownloads int
	QueueDepth      int
	GlobalMax       int
	QueueCapacity   int
}

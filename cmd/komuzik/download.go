package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/kotazzz/komuzik/internal/controlplane"
	"github.com/spf13/cobra"
)

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Manage downloads",
}

var downloadAddCmd = &cobra.Command{
	Use:   "add [url]",
	Short: "Submit a download",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownloadAdd,
}

var downloadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads",
	RunE:  runDownloadList,
}

var downloadShowCmd = &cobra.Command{
	Use:   "show [download-id]",
	Short: "Show download details",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownloadShow,
}

var downloadCancelCmd = &cobra.Command{
	Use:   "cancel [download-id]",
	Short: "Cancel a download",
	Args:  cobra.ExactArgs(1),
	RunE:  runDownloadCancel,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show scheduler and history statistics",
	RunE:  runStats,
}

var (
	downloadUser     string
	downloadKind     string
	downloadQuality  string
	downloadPriority string
	statsPeriod      string
)

func init() {
	downloadCmd.AddCommand(downloadAddCmd, downloadListCmd, downloadShowCmd, downloadCancelCmd)

	hostname, _ := os.Hostname()
	defaultUser := fmt.Sprintf("cli@%s", hostname)
	downloadAddCmd.Flags().StringVar(&downloadUser, "user", defaultUser, "User ID the request is attributed to")
	downloadAddCmd.Flags().StringVar(&downloadKind, "kind", "audio", "Output kind (audio, video)")
	downloadAddCmd.Flags().StringVar(&downloadQuality, "quality", "", "Output quality (high/medium/low for audio, 720p/1080p for video)")
	downloadAddCmd.Flags().StringVar(&downloadPriority, "priority", "normal", "Request priority (normal, high)")

	statsCmd.Flags().StringVar(&statsPeriod, "period", "", "History period (day, week, month; all-time when empty)")
}

func runDownloadAdd(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"user_id":    downloadUser,
		"source_url": args[0],
		"kind":       downloadKind,
		"quality":    downloadQuality,
		"priority":   downloadPriority,
	}

	resp, err := apiPost("/downloads", body)
	if err != nil {
		return err
	}

	var view controlplane.DownloadView
	if err := json.Unmarshal(resp, &view); err != nil {
		return err
	}

	fmt.Printf("Submitted download: %s (%s)\n", view.ID, view.Status)
	return nil
}

func runDownloadList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/downloads")
	if err != nil {
		return err
	}

	var views []controlplane.DownloadView
	if err := json.Unmarshal(resp, &views); err != nil {
		return err
	}

	if len(views) == 0 {
		fmt.Println("No downloads found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tSTATUS\tPLATFORM\tURL")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.ID, v.UserID, v.Status, v.Platform, v.SourceURL)
	}
	return w.Flush()
}

func runDownloadShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/downloads/" + args[0])
	if err != nil {
		return err
	}

	var view controlplane.DownloadView
	if err := json.Unmarshal(resp, &view); err != nil {
		return err
	}

	fmt.Printf("ID:       %s\n", view.ID)
	fmt.Printf("User:     %s\n", view.UserID)
	fmt.Printf("URL:      %s\n", view.SourceURL)
	fmt.Printf("Status:   %s\n", view.Status)
	if view.Platform != "" {
		fmt.Printf("Platform: %s\n", view.Platform)
	}
	if view.Title != "" {
		fmt.Printf("Title:    %s\n", view.Title)
	}
	if view.ArtifactPath != "" {
		fmt.Printf("File:     %s\n", view.ArtifactPath)
	}
	if view.SizeBytes > 0 {
		fmt.Printf("Size:     %d bytes\n", view.SizeBytes)
	}
	if view.FailCode != "" {
		fmt.Printf("Failure:  %s (%s)\n", view.FailCode, view.FailReason)
	}
	if view.DurationMS > 0 {
		fmt.Printf("Duration: %dms\n", view.DurationMS)
	}
	return nil
}

func runDownloadCancel(cmd *cobra.Command, args []string) error {
	if _, err := apiPost("/downloads/"+args[0]+"/cancel", nil); err != nil {
		return err
	}
	fmt.Printf("Cancelling download: %s\n", args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	path := "/stats"
	if statsPeriod != "" {
		path += "?period=" + statsPeriod
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var stats controlplane.StatsResponse
	if err := json.Unmarshal(resp, &stats); err != nil {
		return err
	}

	fmt.Printf("Active downloads: %d / %d\n", stats.Scheduler.ActiveDownloads, stats.Scheduler.GlobalMax)
	fmt.Printf("Queue depth:      %d / %d\n", stats.Scheduler.QueueDepth, stats.Scheduler.QueueCapacity)
	fmt.Printf("Per-user limit:   %d\n", stats.Scheduler.PerUserMax)
	if stats.History != nil {
		fmt.Printf("Total downloads:  %d (%d ok, %d failed)\n",
			stats.History.TotalDownloads, stats.History.Succeeded, stats.History.Failed)
		fmt.Printf("Known users:      %d\n", stats.History.TotalUsers)
		fmt.Printf("Searches:         %d\n", stats.History.Searches)
		for platform, n := range stats.History.ByPlatform {
			fmt.Printf("  %-10s %d\n", platform, n)
		}
	}
	return nil
}

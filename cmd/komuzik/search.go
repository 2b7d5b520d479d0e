package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/kotazzz/komuzik/internal/backend/ytdlp"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search YouTube for media to download",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var searchLimit int

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 5, "Maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	hostname, _ := os.Hostname()
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", fmt.Sprintf("%d", searchLimit))
	params.Set("user_id", fmt.Sprintf("cli@%s", hostname))

	resp, err := apiGet("/search?" + params.Encode())
	if err != nil {
		return err
	}

	var results []ytdlp.SearchResult
	if err := json.Unmarshal(resp, &results); err != nil {
		return err
	}

	if len(results) == 0 {
		fmt.Println("No results found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TITLE\tUPLOADER\tDURATION\tURL")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Title, r.Uploader, formatDuration(r.DurationSec), r.URL)
	}
	return w.Flush()
}

func formatDuration(sec int) string {
	if sec <= 0 {
		return "-"
	}
	return fmt.Sprintf("%d:%02d", sec/60, sec%60)
}

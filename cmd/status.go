package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/chadmayfield/heatlogd/internal/collector"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running heatlogd instance",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "heatlogd server URL")
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Scheduler *collector.Status `json:"scheduler"`
	Database  struct {
		Driver    string     `json:"driver"`
		Status    string     `json:"status"`
		Count     int64      `json:"count"`
		Oldest    *time.Time `json:"oldest"`
		Newest    *time.Time `json:"newest"`
		SizeBytes int64      `json:"size_bytes"`
	} `json:"database"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	resp, err := client.Get(statusServer + "/api/health")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", statusServer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s answered %s", statusServer, resp.Status)
	}

	var health healthReport
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printHealth(cmd.OutOrStdout(), &health)
	return nil
}

func printHealth(w io.Writer, h *healthReport) {
	fmt.Fprintf(w, "heatlogd %s\n", h.Version)
	fmt.Fprintf(w, "Status: %s\n", h.Status)
	fmt.Fprintf(w, "Uptime: %s\n", h.Uptime)
	fmt.Fprintln(w)

	if sc := h.Scheduler; sc != nil {
		fmt.Fprintf(w, "Scheduler: %s (every %s)\n", sc.State, sc.Interval)
		fmt.Fprintf(w, "  Cycles: %s ok, %s failed, %s skipped\n",
			formatNumber(int(sc.Successes)), formatNumber(int(sc.Failures)), formatNumber(int(sc.Skipped)))
		if sc.LastSampleAt != nil {
			fmt.Fprintf(w, "  Last sample: %s (%.0fs ago)\n",
				sc.LastSampleAt.Format(time.RFC3339), time.Since(*sc.LastSampleAt).Seconds())
		}
		if sc.LastError != "" {
			fmt.Fprintf(w, "  Last error: %s\n", sc.LastError)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Database: %s (%s)\n", h.Database.Driver, h.Database.Status)
	if h.Database.SizeBytes > 0 {
		fmt.Fprintf(w, "  Size: %s\n", formatBytes(h.Database.SizeBytes))
	}
	if h.Database.Count > 0 {
		fmt.Fprintf(w, "  Samples: %s\n", formatNumber(int(h.Database.Count)))
	}
	if h.Database.Oldest != nil && h.Database.Newest != nil {
		fmt.Fprintf(w, "  Range: %s to %s\n",
			h.Database.Oldest.Format(time.RFC3339), h.Database.Newest.Format(time.RFC3339))
	}
}

// formatNumber formats an integer with comma separators (e.g., 1,247,832).
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var result []byte
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

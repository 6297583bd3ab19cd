package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running indexd instance",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "indexd server URL")
	rootCmd.AddCommand(statusCmd)
}

type healthReport struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
	Storage struct {
		Driver    string `json:"driver"`
		Status    string `json:"status"`
		AOIs      int    `json:"aois"`
		SizeBytes int64  `json:"size_bytes"`
	} `json:"storage"`
	AOIs []struct {
		Name          string    `json:"name"`
		Running       bool      `json:"running"`
		LastRunAt     time.Time `json:"last_run_at"`
		LastPointDate string    `json:"last_point_date"`
		ErrorCount    int       `json:"error_count"`
		LastError     string    `json:"last_error"`
	} `json:"aois"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	health, err := fetchHealth(statusServer)
	if err != nil {
		return err
	}
	printHealth(cmd.OutOrStdout(), health)
	if health.Status != "healthy" {
		return fmt.Errorf("indexd at %s is %s", statusServer, health.Status)
	}
	return nil
}

// fetchHealth reads /api/v1/health. A degraded server answers 503 with the same body.
func fetchHealth(server string) (*healthReport, error) {
	var health healthReport
	resp, err := resty.New().
		SetTimeout(5*time.Second).
		SetBaseURL(strings.TrimSuffix(server, "/")).
		R().
		SetResult(&health).
		SetError(&health).
		Get("/api/v1/health")
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", server, err)
	}
	if health.Status == "" {
		return nil, fmt.Errorf("unexpected response from %s: %s", server, resp.Status())
	}
	return &health, nil
}

func printHealth(w io.Writer, h *healthReport) {
	fmt.Fprintf(w, "indexd %s\n", h.Version)
	fmt.Fprintf(w, "Status: %s\n", h.Status)
	fmt.Fprintf(w, "Uptime: %s\n", h.Uptime)
	fmt.Fprintln(w)

	if len(h.AOIs) > 0 {
		fmt.Fprintln(w, "AOIs:")
		for _, a := range h.AOIs {
			state := "idle"
			if a.Running {
				state = "running"
			}
			fmt.Fprintf(w, "  %s (%s)\n", a.Name, state)
			if a.LastPointDate != "" {
				fmt.Fprintf(w, "    Last point: %s\n", a.LastPointDate)
			}
			if !a.LastRunAt.IsZero() {
				fmt.Fprintf(w, "    Last run: %s\n", a.LastRunAt.Format(time.RFC3339))
			}
			if a.ErrorCount > 0 {
				fmt.Fprintf(w, "    Errors: %d (last: %s)\n", a.ErrorCount, a.LastError)
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Storage: %s (%s)\n", h.Storage.Driver, h.Storage.Status)
	fmt.Fprintf(w, "  AOIs with data: %d\n", h.Storage.AOIs)
	if h.Storage.SizeBytes > 0 {
		fmt.Fprintf(w, "  Size: %s\n", formatBytes(h.Storage.SizeBytes))
	}
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

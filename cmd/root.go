package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	logFormat string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "indexd",
	Short: "Spectral index time-series extractor for areas of interest",
	Long: `indexd searches a STAC catalog for Sentinel-2 or HLS scenes over an area of
interest, masks clouds with the scene's quality layer, computes NDVI, BSI, NDMI and
NBR, averages them into daily, weekly or monthly buckets and appends each run as an
immutable batch to parquet files (local, GCS or S3), SQLite or PostgreSQL.
In serve mode it keeps the configured AOIs current and exposes a REST API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(cmd.ErrOrStderr(), logFormat, logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "log format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the process-wide slog handler. Debug logging adds source
// locations.
func setupLogging(w io.Writer, format, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: want debug, info, warn or error", level)
	}
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}

	var h slog.Handler
	switch format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("invalid --log-format %q: want json or text", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

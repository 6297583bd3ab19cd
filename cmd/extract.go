package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/astroAycha/geospatial-mlops/internal/config"
	"github.com/astroAycha/geospatial-mlops/internal/geometry"
	"github.com/astroAycha/geospatial-mlops/internal/pipeline"
	"github.com/astroAycha/geospatial-mlops/internal/series"
)

var (
	exAOI    string
	exName   string
	exLat    float64
	exLon    float64
	exRadius float64
	exBBox   string
	exFrom   string
	exTo     string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract an index time series for a point, a bbox or a configured AOI",
	Example: `  indexd extract --name damascus --lat 33.5138 --lon 36.2765 --radius 1000 --from 2024-01-01 --to 2024-03-31
  indexd extract --bbox 36.1,33.4,36.2,33.5 --from 2024-01-01
  indexd extract --aoi damascus --from 2023-01-01`,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().StringVar(&exAOI, "aoi", "", "configured AOI name")
	extractCmd.Flags().StringVar(&exName, "name", "", "AOI name for a point or bbox")
	extractCmd.Flags().Float64Var(&exLat, "lat", 0, "latitude of the AOI center")
	extractCmd.Flags().Float64Var(&exLon, "lon", 0, "longitude of the AOI center")
	extractCmd.Flags().Float64Var(&exRadius, "radius", 0, "buffer radius in meters")
	extractCmd.Flags().StringVar(&exBBox, "bbox", "", "bounding box minLon,minLat,maxLon,maxLat")
	extractCmd.Flags().StringVar(&exFrom, "from", "", "start date (YYYY-MM-DD)")
	extractCmd.Flags().StringVar(&exTo, "to", "", "end date (YYYY-MM-DD, default: today)")
	_ = extractCmd.MarkFlagRequired("from")
	extractCmd.MarkFlagsMutuallyExclusive("aoi", "bbox", "lat")
	extractCmd.MarkFlagsMutuallyExclusive("aoi", "name")
	extractCmd.MarkFlagsRequiredTogether("lat", "lon", "radius")
	rootCmd.AddCommand(extractCmd)
}

// resolveAOI picks the AOI from --aoi, --bbox or --lat/--lon/--radius.
func resolveAOI(cmd *cobra.Command, cfg *config.Config) (series.AOI, error) {
	if exAOI != "" {
		aoi, ok := cfg.AOI(exAOI)
		if !ok {
			return series.AOI{}, fmt.Errorf("aoi %q not found in config", exAOI)
		}
		return aoi, nil
	}
	if err := series.ValidateAOIName(exName); err != nil {
		return series.AOI{}, err
	}

	switch {
	case exBBox != "":
		bb, err := series.ParseBBox(exBBox)
		if err != nil {
			return series.AOI{}, err
		}
		return series.AOI{Name: exName, BBox: bb}, nil
	case cmd.Flags().Changed("lat"):
		bb, err := geometry.BuildBBox(exLat, exLon, exRadius)
		if err != nil {
			return series.AOI{}, err
		}
		return series.AOI{Name: exName, BBox: bb}, nil
	default:
		return series.AOI{}, fmt.Errorf("one of --aoi, --bbox or --lat/--lon/--radius is required")
	}
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	aoi, err := resolveAOI(cmd, cfg)
	if err != nil {
		return err
	}

	from, err := time.Parse(time.DateOnly, exFrom)
	if err != nil {
		return fmt.Errorf("invalid --from date: %w", err)
	}
	to := series.Date(time.Now())
	if exTo != "" {
		to, err = time.Parse(time.DateOnly, exTo)
		if err != nil {
			return fmt.Errorf("invalid --to date: %w", err)
		}
	}
	if from.After(to) {
		return fmt.Errorf("--from date must not be after --to date")
	}

	// Support context cancellation via signals.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	slog.Info("extracting series",
		"aoi", aoi.Name,
		"bbox", aoi.BBox.String(),
		"from", from.Format(time.DateOnly),
		"to", to.Format(time.DateOnly),
	)

	res, err := a.coordinator.Extract(ctx, aoi, from, to)
	if res != nil {
		printResult(cmd.OutOrStdout(), res, cfg.Indices())
	}
	if errors.Is(err, series.ErrPersistence) && res != nil {
		return fmt.Errorf("series computed but not persisted: %w", err)
	}
	return err
}

// printResult writes one line per bucket; missing values print as "-".
func printResult(w io.Writer, res *pipeline.Result, indices []series.Index) {
	if res.NoOp {
		fmt.Fprintf(w, "%s: already current through %s\n", res.AOI.Name, res.Start.Format(time.DateOnly))
		return
	}

	header := []string{"date"}
	for _, idx := range indices {
		header = append(header, strings.ToUpper(string(idx)))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))

	for _, p := range res.Points {
		cols := []string{p.Time.Format(time.DateOnly)}
		for _, idx := range indices {
			if v, ok := p.Value(idx); ok {
				cols = append(cols, fmt.Sprintf("%.4f", v))
			} else {
				cols = append(cols, "-")
			}
		}
		fmt.Fprintln(w, strings.Join(cols, "\t"))
	}
	if res.BatchID != uuid.Nil {
		fmt.Fprintf(w, "batch %s: %d records\n", res.BatchID, len(res.Points))
	}
}

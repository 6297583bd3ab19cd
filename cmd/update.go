package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/astroAycha/geospatial-mlops/internal/config"
	"github.com/astroAycha/geospatial-mlops/internal/refresh"
)

var (
	upAOI string
	upAll bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Extend persisted series from their watermark to today",
	RunE:  runUpdate,
}

func init() {
	updateCmd.Flags().StringVar(&upAOI, "aoi", "", "AOI name to update")
	updateCmd.Flags().BoolVar(&upAll, "all", false, "update every configured AOI, bootstrapping new ones")
	updateCmd.MarkFlagsMutuallyExclusive("aoi", "all")
	updateCmd.MarkFlagsOneRequired("aoi", "all")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	if !upAll {
		res, err := a.coordinator.Update(ctx, upAOI)
		if res != nil {
			printResult(cmd.OutOrStdout(), res, cfg.Indices())
		}
		return err
	}

	return updateAll(ctx, cmd, a, cfg)
}

func updateAll(ctx context.Context, cmd *cobra.Command, a *app, cfg *config.Config) error {
	if len(cfg.AOIs) == 0 {
		return fmt.Errorf("no aois configured")
	}

	ref := refresh.New(a.coordinator, a.store, refresh.Options{
		BootstrapDays: cfg.Refresh.BootstrapDays,
	}, slog.Default())
	for _, ac := range cfg.AOIs {
		aoi, err := ac.Resolve()
		if err != nil {
			return err
		}
		ref.AddAOI(aoi)
	}
	ref.RunOnce(ctx)

	failed := 0
	w := cmd.OutOrStdout()
	for _, s := range ref.Status() {
		switch {
		case s.LastError != "":
			failed++
			fmt.Fprintf(w, "%s: FAILED: %s\n", s.Name, s.LastError)
		case s.LastPointDate != "":
			fmt.Fprintf(w, "%s: updated through %s (batch %s)\n", s.Name, s.LastPointDate, s.LastBatchID)
		default:
			fmt.Fprintf(w, "%s: already current\n", s.Name)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d aois failed to update", failed, len(cfg.AOIs))
	}
	return ctx.Err()
}

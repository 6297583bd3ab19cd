package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/astroAycha/geospatial-mlops/internal/geometry"
)

var (
	bbLat    float64
	bbLon    float64
	bbRadius float64
)

var bboxCmd = &cobra.Command{
	Use:   "bbox",
	Short: "Print the bounding box of a point buffered by a radius",
	RunE: func(cmd *cobra.Command, args []string) error {
		bb, err := geometry.BuildBBox(bbLat, bbLon, bbRadius)
		if err != nil {
			return err
		}
		zone, err := geometry.UTMZone(bbLat, bbLon)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%g,%g,%g,%g\n", bb.MinLon, bb.MinLat, bb.MaxLon, bb.MaxLat)
		fmt.Fprintf(w, "utm zone %d%s (EPSG:%d)\n", zone.Number, zone.Letter, zone.EPSG())
		return nil
	},
}

func init() {
	bboxCmd.Flags().Float64Var(&bbLat, "lat", 0, "latitude")
	bboxCmd.Flags().Float64Var(&bbLon, "lon", 0, "longitude")
	bboxCmd.Flags().Float64Var(&bbRadius, "radius", 0, "buffer radius in meters")
	bboxCmd.MarkFlagsRequiredTogether("lat", "lon", "radius")
	_ = bboxCmd.MarkFlagRequired("radius")
	rootCmd.AddCommand(bboxCmd)
}

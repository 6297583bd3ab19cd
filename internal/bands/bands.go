// Package bands maps each imagery source to its catalog collections, asset names and
// quality-layer codes. Adding a sensor is a registry entry; masking and index code
// never look at the source.
package bands

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/astroAycha/geospatial-mlops/internal/series"
)

// Band is a semantic band name.
type Band string

const (
	Red     Band = "red"
	Blue    Band = "blue"
	NIR     Band = "nir"
	SWIR1   Band = "swir1"
	SWIR2   Band = "swir2"
	Quality Band = "quality"
)

// AllBands lists the bands every profile must map, in load order.
var AllBands = []Band{Red, Blue, NIR, SWIR1, SWIR2, Quality}

// Profile describes one imagery source.
type Profile struct {
	Source            string
	Collections       []string
	Assets            map[Band]string
	InvalidCodes      []int
	NoDataValue       float64
	SignAssets        bool // assets need a Planetary Computer SAS token
	DefaultCatalogURL string
}

// Validate checks that every band is mapped.
func (p Profile) Validate() error {
	if p.Source == "" {
		return fmt.Errorf("profile has no source id: %w", series.ErrInvalidArgument)
	}
	if len(p.Collections) == 0 {
		return fmt.Errorf("profile %s has no collections: %w", p.Source, series.ErrInvalidArgument)
	}
	for _, b := range AllBands {
		if p.Assets[b] == "" {
			return fmt.Errorf("profile %s does not map band %s: %w", p.Source, b, series.ErrInvalidArgument)
		}
	}
	return nil
}

// AssetNames returns the catalog asset names in AllBands order.
func (p Profile) AssetNames() []string {
	names := make([]string, 0, len(AllBands))
	for _, b := range AllBands {
		names = append(names, p.Assets[b])
	}
	return names
}

// IsInvalid reports whether a quality-layer value marks the pixel invalid.
func (p Profile) IsInvalid(code int) bool {
	return slices.Contains(p.InvalidCodes, code)
}

// WithInvalidCodes returns a copy of p using codes as the invalid set.
func (p Profile) WithInvalidCodes(codes []int) Profile {
	p.InvalidCodes = slices.Clone(codes)
	p.Assets = cloneAssets(p.Assets)
	p.Collections = slices.Clone(p.Collections)
	return p
}

var (
	mu       sync.RWMutex
	registry = map[string]Profile{
		"sentinel-2": {
			Source:      "sentinel-2",
			Collections: []string{"sentinel-2-l2a"},
			Assets: map[Band]string{
				Red:     "red",    // B04
				Blue:    "blue",   // B02
				NIR:     "nir",    // B08
				SWIR1:   "swir16", // B11
				SWIR2:   "swir22", // B12
				Quality: "scl",
			},
			// SCL: cloud shadow, water, cloud medium/high probability, thin cirrus.
			InvalidCodes:      []int{3, 6, 8, 9, 10},
			DefaultCatalogURL: "https://earth-search.aws.element84.com/v1",
		},
		"hls": {
			Source:      "hls",
			Collections: []string{"hls2-s30", "hls2-l30"},
			Assets: map[Band]string{
				Red:     "B04",
				Blue:    "B02",
				NIR:     "B05",
				SWIR1:   "B06",
				SWIR2:   "B07",
				Quality: "Fmask",
			},
			// Fmask: cirrus, cloud, cloud shadow, snow, water. Aerosol (6, 7) is kept.
			InvalidCodes:      []int{0, 1, 3, 4, 5},
			SignAssets:        true,
			DefaultCatalogURL: "https://planetarycomputer.microsoft.com/api/stac/v1",
		},
	}
)

// Lookup returns the profile registered for source.
func Lookup(source string) (Profile, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[source]
	if !ok {
		return Profile{}, fmt.Errorf("unknown data source %q (known: %v): %w", source, sourcesLocked(), series.ErrInvalidArgument)
	}
	return p.WithInvalidCodes(p.InvalidCodes), nil
}

// Register adds or replaces a profile.
func Register(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	registry[p.Source] = p.WithInvalidCodes(p.InvalidCodes)
	return nil
}

// Sources lists registered source ids, sorted.
func Sources() []string {
	mu.RLock()
	defer mu.RUnlock()
	return sourcesLocked()
}

func sourcesLocked() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func cloneAssets(m map[Band]string) map[Band]string {
	out := make(map[Band]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

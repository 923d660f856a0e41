// Package index is the catalog of supported spectral indices: which bands
// each index consumes per sensor family, how its value is computed, and how
// it is rendered.
package index

// Sensor families. The embedding family works on annual learned-embedding
// bands instead of raw surface reflectance.
const (
	SensorSentinel2 = "sentinel2"
	SensorEmbedding = "embedding"
)

// Source collections per sensor family.
const (
	CollectionSentinel2 = "COPERNICUS/S2_SR_HARMONIZED"
	CollectionEmbedding = "GOOGLE/SATELLITE_EMBEDDING/V1/ANNUAL"
)

type Kind int

const (
	// KindTrueColor selects RGB bands directly, no derived band.
	KindTrueColor Kind = iota
	// KindNormalizedDiff computes (A-B)/(A+B).
	KindNormalizedDiff
	// KindExpression evaluates Formula over Bindings.
	KindExpression
)

// Range is an inclusive value clamp applied after computation.
type Range struct {
	Lo, Hi float64
}

// Vis describes how a computed band is rendered. Discrete specs classify
// values into len(Breaks)+1 buckets colored from Palette; continuous specs
// stretch Min..Max over Palette.
type Vis struct {
	Min      float64
	Max      float64
	Discrete bool
	Breaks   []float64
	Palette  []string
}

// Spec is one catalog entry.
type Spec struct {
	Name     string // output band name
	Kind     Kind
	Bands    []string // true-color band selection
	NDBandA  string
	NDBandB  string
	Formula  string
	Bindings map[string]string
	Clamp    *Range
	Floor    *float64 // lower bound only, lai must be non-negative
	Vis      Vis
}

func clamp(lo, hi float64) *Range { return &Range{Lo: lo, Hi: hi} }

func floorAt(v float64) *float64 { return &v }

var sentinel2Specs = map[string]Spec{
	"rgb": {
		Name:  "rgb",
		Kind:  KindTrueColor,
		Bands: []string{"B4", "B3", "B2"},
		Vis:   Vis{Min: 0, Max: 3000},
	},
	"ndvi": {
		Name: "ndvi", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B4",
		Vis: Vis{
			Min: -0.2, Max: 0.8, Discrete: true,
			Breaks:  []float64{-0.2, 0.0, 0.2, 0.4, 0.6, 0.8},
			Palette: []string{"#8B0000", "#E34A33", "#FC8D59", "#FEE08B", "#D9F0A3", "#66C2A5", "#238B45"},
		},
	},
	"ndwi": {
		Name: "ndwi", Kind: KindNormalizedDiff, NDBandA: "B3", NDBandB: "B8",
		Vis: Vis{
			Min: -0.5, Max: 0.5, Discrete: true,
			Breaks:  []float64{-0.5, -0.1, 0.0, 0.1, 0.3},
			Palette: []string{"#8B0000", "#D73027", "#FEE090", "#91BFDB", "#4575B4", "#084594"},
		},
	},
	"ndmi": {
		Name: "ndmi", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B11",
		Clamp: clamp(-0.6, 0.6),
		Vis: Vis{
			Min: -0.6, Max: 0.6,
			Palette: []string{"#08306b", "#2166ac", "#67a9cf", "#d1e5f0", "#fddbc7", "#b2182b", "#67001f"},
		},
	},
	"ndre": {
		Name: "ndre", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B5",
		Clamp: clamp(-0.5, 0.6),
		Vis: Vis{
			Min: -1.0, Max: 1.0, Discrete: true,
			Breaks:  []float64{0.0, 0.2, 0.4, 0.6, 0.8},
			Palette: []string{"#8C510A", "#FEE08B", "#ABDDA4", "#66BD63", "#1A9850", "#006837"},
		},
	},
	"evi": {
		Name: "evi", Kind: KindExpression,
		Formula:  "2.5 * ((NIR - RED) / (NIR + 6 * RED - 7.5 * BLUE + 1))",
		Bindings: map[string]string{"NIR": "B8", "RED": "B4", "BLUE": "B2"},
		Clamp:    clamp(-0.2, 0.6),
		Vis: Vis{
			Min: -0.2, Max: 0.6,
			Palette: []string{"#67001f", "#b2182b", "#ef8a62", "#fee8c8", "#d9f0a3", "#7fbf7b", "#1a9641"},
		},
	},
	"savi": {
		Name: "savi", Kind: KindExpression,
		Formula:  "1.5 * ((NIR - RED) / (NIR + RED + 0.5))",
		Bindings: map[string]string{"NIR": "B8", "RED": "B4"},
		Clamp:    clamp(-0.5, 1.0),
		Vis: Vis{
			Min: -0.2, Max: 0.8,
			Palette: []string{"#500000", "#b2182b", "#fddbc7", "#67a9cf", "#2166ac"},
		},
	},
	"lai": {
		Name: "lai", Kind: KindExpression,
		Formula:  "3.618 * ((NIR - RED) / (NIR + RED)) - 0.118",
		Bindings: map[string]string{"NIR": "B8", "RED": "B4"},
		Floor:    floorAt(0),
		Vis: Vis{
			Min: 0, Max: 8,
			Breaks: []float64{0.5, 2, 6},
			Palette: []string{
				"#D1B29A", "#9E7E58", "#B3B3B3", "#B7D7B8", "#A0D97D", "#F2E7A1",
				"#4C9A2A", "#228B22", "#006400", "#003300", "#004d00", "#004C00",
			},
		},
	},
	"soil_ph": {
		Name: "soil_ph", Kind: KindExpression,
		Formula:  "SWIR / NIR",
		Bindings: map[string]string{"SWIR": "B11", "NIR": "B8"},
		Vis: Vis{
			Min: 0, Max: 2, Discrete: true,
			Breaks:  []float64{0.3, 0.6, 1.0, 1.4},
			Palette: []string{"#2c7bb6", "#abd9e9", "#ffffbf", "#fdae61", "#d7191c"},
		},
	},
	// These run on the NIR/RED normalized difference when computed against
	// raw Sentinel-2 reflectance; the embedding family has dedicated recipes.
	"gci": {
		Name: "gci", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B4",
		Vis: Vis{Min: -0.5, Max: 1.5, Palette: []string{"#ffffe5", "#e5f5e0", "#a1d99b", "#41ab5d", "#006837"}},
	},
	"vegetation_health": {
		Name: "vegetation_health", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B4",
		Vis: Vis{Min: 0, Max: 1, Palette: []string{"#d73027", "#fc8d59", "#fee08b", "#d9ef8b", "#91cf60", "#1a9850"}},
	},
	"water_detection": {
		Name: "water_detection", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B4",
		Vis: Vis{Min: -0.5, Max: 0.8, Palette: []string{"#f7fbff", "#deebf7", "#9ecae1", "#3182bd", "#08519c"}},
	},
	"urban_index": {
		Name: "urban_index", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B4",
		Vis: Vis{Min: 0, Max: 1, Palette: []string{"#f7f7f7", "#cccccc", "#969696", "#636363", "#252525"}},
	},
	"soil_moisture": {
		Name: "soil_moisture", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B4",
		Vis: Vis{Min: 0, Max: 1, Palette: []string{"#ffffcc", "#c7e9b4", "#7fcdbb", "#41b6c4", "#225ea8"}},
	},
	"change_detection": {
		Name: "change_detection", Kind: KindNormalizedDiff, NDBandA: "B8", NDBandB: "B4",
		Vis: Vis{Min: -1, Max: 1, Palette: []string{"#67001f", "#b2182b", "#ef8a62", "#f7f7f7", "#67a9cf", "#2166ac", "#053061"}},
	},
}

// Embedding band roles: A01 red, A09 green, A16 nir, A04 blue, A12 swir.
var embeddingSpecs = map[string]Spec{
	"rgb": {
		Name:  "rgb",
		Kind:  KindTrueColor,
		Bands: []string{"A01", "A16", "A09"},
		Vis:   Vis{Min: 0, Max: 1},
	},
	"ndvi": {
		Name: "ndvi", Kind: KindNormalizedDiff, NDBandA: "A16", NDBandB: "A01",
		Vis: sentinel2Specs["ndvi"].Vis,
	},
	"ndwi": {
		Name: "ndwi", Kind: KindNormalizedDiff, NDBandA: "A09", NDBandB: "A16",
		Vis: sentinel2Specs["ndwi"].Vis,
	},
	"ndmi": {
		Name: "ndmi", Kind: KindNormalizedDiff, NDBandA: "A16", NDBandB: "A12",
		Vis: sentinel2Specs["ndmi"].Vis,
	},
	"evi": {
		Name: "evi", Kind: KindExpression,
		Formula:  "2.5 * ((NIR - RED) / (NIR + 6 * RED - 7.5 * BLUE + 1))",
		Bindings: map[string]string{"NIR": "A16", "RED": "A01", "BLUE": "A04"},
		Vis:      sentinel2Specs["evi"].Vis,
	},
	"savi": {
		Name: "savi", Kind: KindExpression,
		Formula:  "1.5 * ((NIR - RED) / (NIR + RED + 0.5))",
		Bindings: map[string]string{"NIR": "A16", "RED": "A01"},
		Vis:      sentinel2Specs["savi"].Vis,
	},
	"gci": {
		Name: "gci", Kind: KindExpression,
		Formula:  "NIR / GREEN - 1",
		Bindings: map[string]string{"NIR": "A16", "GREEN": "A09"},
		Vis:      sentinel2Specs["gci"].Vis,
	},
	"vegetation_health": {
		Name: "vegetation_health", Kind: KindExpression,
		Formula:  "((NIR - RED) / (NIR + RED) + 2.5 * ((NIR - RED) / (NIR + 6 * RED - 7.5 * BLUE + 1))) / 2",
		Bindings: map[string]string{"NIR": "A16", "RED": "A01", "BLUE": "A04"},
		Vis:      sentinel2Specs["vegetation_health"].Vis,
	},
	"water_detection": {
		Name: "water_detection", Kind: KindNormalizedDiff, NDBandA: "A09", NDBandB: "A16",
		Vis: sentinel2Specs["water_detection"].Vis,
	},
	"urban_index": {
		Name: "urban_index", Kind: KindNormalizedDiff, NDBandA: "A16", NDBandB: "A09",
		Vis: sentinel2Specs["urban_index"].Vis,
	},
	"soil_moisture": {
		Name: "soil_moisture", Kind: KindNormalizedDiff, NDBandA: "A16", NDBandB: "A01",
		Vis: sentinel2Specs["soil_moisture"].Vis,
	},
	"change_detection": {
		Name: "change_detection", Kind: KindExpression,
		Formula:  "NIR - RED",
		Bindings: map[string]string{"NIR": "A16", "RED": "A01"},
		Vis:      sentinel2Specs["change_detection"].Vis,
	},
}

// Collection returns the source collection id for a sensor family.
func Collection(sensor string) string {
	if sensor == SensorEmbedding {
		return CollectionEmbedding
	}
	return CollectionSentinel2
}

// Lookup resolves an index id for a sensor family. Unknown ids resolve to the
// family's true-color spec with known=false so callers can still render
// something sensible.
func Lookup(indexID, sensor string) (spec Spec, known bool) {
	table := sentinel2Specs
	if sensor == SensorEmbedding {
		table = embeddingSpecs
	}
	if s, ok := table[indexID]; ok {
		return s, true
	}
	return table["rgb"], false
}

// IDs lists the catalog's index ids for a sensor family.
func IDs(sensor string) []string {
	table := sentinel2Specs
	if sensor == SensorEmbedding {
		table = embeddingSpecs
	}
	out := make([]string, 0, len(table))
	for id := range table {
		out = append(out, id)
	}
	return out
}

// Package imagery is the boundary to the remote geospatial imagery service.
//
// The service owns all pixel work: collection filtering, cloud masking,
// compositing, band math, visualization, and tile generation. This package
// exposes those primitives over opaque handles; callers build a query graph
// and never see raster data except through region reductions and tile URLs.
package imagery

import (
	"context"
	"time"

	"github.com/paulmach/orb"

	"github.com/agrosense/spectral-tiles/internal/core/model"
)

// Collection is an opaque handle to a filtered image collection.
type Collection struct {
	ID string
}

// Image is an opaque handle to a single (possibly derived) image.
type Image struct {
	ID string
}

type Reducer string

const (
	ReducerMean   Reducer = "mean"
	ReducerMedian Reducer = "median"
	ReducerFirst  Reducer = "first"
	// ReducerStats is the combined mean/min/max/stdDev reduction; keys in the
	// result are "<band>_mean", "<band>_min", "<band>_max", "<band>_stdDev".
	ReducerStats Reducer = "stats"
)

// Mask describes a per-pixel quality mask. ExcludeSCL lists scene
// classification classes whose pixels are dropped.
type Mask struct {
	ExcludeSCL []int
}

// Acquisition is one source image of a collection with its metadata.
type Acquisition struct {
	Image      Image
	Time       time.Time
	CloudCover float64
	TileID     string
}

type VisParams struct {
	Min     float64
	Max     float64
	Palette []string
}

// TileInfo identifies a generated tile layer: a URL template with
// {z}/{x}/{y} placeholders plus the service-side map id.
type TileInfo struct {
	URLTemplate string `json:"url_template"`
	MapID       string `json:"map_id"`
}

// Client is the full upstream surface the pipeline consumes. Implementations
// are the REST client (production) and the in-memory engine (dev and tests).
type Client interface {
	QueryCollection(ctx context.Context, name string, bounds model.BBox, start, end string) (Collection, error)
	FilterCloud(ctx context.Context, col Collection, maxCloudPct float64) (Collection, error)
	Mask(ctx context.Context, col Collection, mask Mask) (Collection, error)
	Size(ctx context.Context, col Collection) (int, error)
	Acquisitions(ctx context.Context, col Collection, limit int) ([]Acquisition, error)
	ReduceToImage(ctx context.Context, col Collection, r Reducer) (Image, error)

	SelectBands(ctx context.Context, img Image, bands []string) (Image, error)
	NormalizedDifference(ctx context.Context, img Image, a, b, rename string) (Image, error)
	Expression(ctx context.Context, img Image, formula string, bindings map[string]string, rename string) (Image, error)
	Clamp(ctx context.Context, img Image, lo, hi float64) (Image, error)
	Clip(ctx context.Context, img Image, geom orb.Geometry) (Image, error)
	ReduceRegion(ctx context.Context, img Image, geom orb.Geometry, r Reducer, scale int) (map[string]float64, error)

	// Pixelwise algebra used by the visualization builder's classifier.
	Lte(ctx context.Context, img Image, v float64) (Image, error)
	Gt(ctx context.Context, img Image, v float64) (Image, error)
	And(ctx context.Context, a, b Image) (Image, error)
	MultiplyConst(ctx context.Context, img Image, k float64) (Image, error)
	MaxConst(ctx context.Context, img Image, v float64) (Image, error)
	Add(ctx context.Context, a, b Image) (Image, error)

	Visualize(ctx context.Context, img Image, vis VisParams) (Image, error)
	// TileTemplate generates a tile layer. vis == nil requests tiles with no
	// visualization parameters (for images whose colors are already baked).
	TileTemplate(ctx context.Context, img Image, vis *VisParams) (TileInfo, error)
	DownloadURL(ctx context.Context, img Image, format string, geom orb.Geometry, scale int, crs string) (string, error)

	GeodesicArea(ctx context.Context, geom orb.Geometry) (float64, error)
}

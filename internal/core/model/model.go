// Package model defines core domain types shared across the service.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
)

// BBox is an axis-aligned geographic box in WGS84 lon/lat.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West, b.South, b.East, b.North)
}

func (b BBox) Valid() bool {
	return b.West < b.East && b.South < b.North
}

func (b BBox) Center() (lon, lat float64) {
	return (b.West + b.East) / 2, (b.South + b.North) / 2
}

// Polygon returns the box as a closed-ring polygon.
func (b BBox) Polygon() orb.Polygon {
	return orb.Polygon{orb.Ring{
		{b.West, b.South},
		{b.West, b.North},
		{b.East, b.North},
		{b.East, b.South},
		{b.West, b.South},
	}}
}

// Mode selects what a compute request produces.
const (
	ModeHeatmap = "heatmap"
	ModeSeries  = "series"
	ModeExport  = "export"
)

// ComputeRequest is the union of all input shapes a caller may submit.
// Exactly one ROI source (polygon_id, geometry, or lon/lat) must be present.
type ComputeRequest struct {
	PolygonID string          `json:"polygon_id,omitempty"`
	Geometry  json.RawMessage `json:"geometry,omitempty"`
	Lon       *float64        `json:"lon,omitempty"`
	Lat       *float64        `json:"lat,omitempty"`
	WidthM    *float64        `json:"width_m,omitempty"`
	HeightM   *float64        `json:"height_m,omitempty"`
	BufferM   *float64        `json:"buffer_m,omitempty"`

	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`

	// Single-date form used by /heatmap: a target date widened by DaysBuffer.
	Date       string `json:"date,omitempty"`
	DaysBuffer *int   `json:"days_buffer,omitempty"`

	Mode         string   `json:"mode,omitempty"`
	Index        string   `json:"index"`
	Sensor       string   `json:"sensor,omitempty"`
	CloudPct     *float64 `json:"cloud_pct,omitempty"`
	ExportFormat string   `json:"export_format,omitempty"`
}

// SeriesPoint is one per-acquisition sample, ordered by Timestamp ascending.
type SeriesPoint struct {
	Date      string  `json:"date"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

type SeriesSummary struct {
	TotalPoints    int     `json:"total_points"`
	ValidPoints    int     `json:"valid_points"`
	PeriodMean     float64 `json:"period_mean,omitempty"`
	PeriodMin      float64 `json:"period_min,omitempty"`
	PeriodMax      float64 `json:"period_max,omitempty"`
	DataSource     string  `json:"data_source,omitempty"`
	CloudThreshold string  `json:"cloud_threshold,omitempty"`
}

// Stats are summary statistics of the computed band over the ROI.
type Stats struct {
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Mean   *float64 `json:"mean,omitempty"`
	StdDev *float64 `json:"stddev,omitempty"`
}

// FeatureRecord is one sub-ROI produced by splitting a stored polygon set.
// The tile fields are filled by clipping the master composite to the parcel;
// they stay empty when parcel tiling fails.
type FeatureRecord struct {
	ID           string          `json:"id"`
	Name         string          `json:"name,omitempty"`
	Geometry     json.RawMessage `json:"geometry"`
	AreaM2       float64         `json:"area_m2"`
	AreaHectares float64         `json:"area_hectares"`
	Properties   map[string]any  `json:"properties,omitempty"`
	TileURL      string          `json:"tile_url,omitempty"`
	MapID        string          `json:"map_id,omitempty"`
	Vis          *VisParams      `json:"vis,omitempty"`
}

type VisParams struct {
	Baked   bool     `json:"baked"`
	Min     float64  `json:"min"`
	Max     float64  `json:"max"`
	Palette []string `json:"palette,omitempty"`
}

type Bounds struct {
	BBox   BBox   `json:"bbox"`
	Center LonLat `json:"center"`
}

type LonLat struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// ComputeResponse carries one of tile template, series, or saved files,
// depending on the requested mode.
type ComputeResponse struct {
	Mode       string            `json:"mode"`
	Index      string            `json:"index"`
	ROI        json.RawMessage   `json:"roi,omitempty"`
	Bounds     *Bounds           `json:"bounds,omitempty"`
	TileURL    string            `json:"tile_url,omitempty"`
	MapID      string            `json:"map_id,omitempty"`
	Vis        *VisParams        `json:"vis,omitempty"`
	Stats      *Stats            `json:"stats,omitempty"`
	Series     []SeriesPoint     `json:"series,omitempty"`
	Summary    *SeriesSummary    `json:"summary,omitempty"`
	SavedFiles map[string]string `json:"saved_files,omitempty"`
	Features   []FeatureRecord   `json:"features,omitempty"`
	Cached     bool              `json:"cached"`
}

// ImageDate is one available acquisition over an ROI.
type ImageDate struct {
	Date       string   `json:"date"`
	Timestamp  int64    `json:"system_time_start"`
	CloudCover *float64 `json:"cloud_cover,omitempty"`
	TileID     string   `json:"tile_id,omitempty"`
}

type DatesResponse struct {
	ROI         json.RawMessage `json:"roi,omitempty"`
	Start       string          `json:"start"`
	End         string          `json:"end"`
	GeometryID  string          `json:"geometry_id"`
	TotalImages int             `json:"total_images"`
	Dates       []ImageDate     `json:"dates"`
}

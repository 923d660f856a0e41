package roi

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/core/model"
)

// AreaEstimator computes geodesic area in square meters. The imagery client
// satisfies this; the splitter falls back to a local planar approximation
// when the remote call fails.
type AreaEstimator interface {
	GeodesicArea(ctx context.Context, geom orb.Geometry) (float64, error)
}

// Split breaks a feature collection into per-parcel records with stable ids
// and computed areas. Id preference: explicit feature id, then a name
// property, then a positional fallback.
func Split(ctx context.Context, log zerolog.Logger, fc *geojson.FeatureCollection, est AreaEstimator) []model.FeatureRecord {
	records := make([]model.FeatureRecord, 0, len(fc.Features))
	for n, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			continue
		}
		rec := model.FeatureRecord{
			ID:         featureID(f, n),
			Properties: f.Properties,
		}
		if name, ok := f.Properties["name"].(string); ok {
			rec.Name = name
		}
		if raw, err := geojson.NewGeometry(f.Geometry).MarshalJSON(); err == nil {
			rec.Geometry = raw
		}

		area, err := est.GeodesicArea(ctx, f.Geometry)
		if err != nil {
			area = PlanarArea(f.Geometry)
			log.Debug().Err(err).Str("feature", rec.ID).
				Float64("area_m2", area).
				Msg("geodesic area unavailable, using planar approximation")
		}
		rec.AreaM2 = area
		rec.AreaHectares = math.Round(area/10000*100) / 100
		records = append(records, rec)
	}
	return records
}

func featureID(f *geojson.Feature, n int) string {
	switch id := f.ID.(type) {
	case string:
		if id != "" {
			return id
		}
	case float64:
		return fmt.Sprintf("%.0f", id)
	}
	if name, ok := f.Properties["name"].(string); ok && name != "" {
		return name
	}
	return fmt.Sprintf("feature_%d", n)
}

// PlanarArea approximates area in square meters by scaling planar degree
// area with the meters-per-degree conversion at the geometry's mean latitude.
func PlanarArea(geom orb.Geometry) float64 {
	c := geom.Bound().Center()
	latScale := math.Cos(c.Lat() * math.Pi / 180)
	deg2 := math.Abs(planar.Area(geom))
	return deg2 * metersPerDegLat * metersPerDegLat * latScale
}

package roi

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
)

type stubArea struct {
	area float64
	err  error
}

func (s stubArea) GeodesicArea(context.Context, orb.Geometry) (float64, error) {
	return s.area, s.err
}

func squareFeature(name string, lon, lat, sizeDeg float64) *geojson.Feature {
	ring := orb.Ring{
		{lon, lat}, {lon + sizeDeg, lat}, {lon + sizeDeg, lat + sizeDeg}, {lon, lat + sizeDeg}, {lon, lat},
	}
	f := geojson.NewFeature(orb.Polygon{ring})
	if name != "" {
		f.Properties = map[string]any{"name": name}
	}
	return f
}

func TestSplitIDs(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	withID := squareFeature("north field", 10, 45, 0.01)
	withID.ID = "plot-1"
	fc.Append(withID)
	fc.Append(squareFeature("south field", 10, 45.02, 0.01))
	fc.Append(squareFeature("", 10, 45.04, 0.01))

	recs := Split(context.Background(), zerolog.Nop(), fc, stubArea{area: 12345})
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	if recs[0].ID != "plot-1" {
		t.Fatalf("explicit id lost: %q", recs[0].ID)
	}
	if recs[1].ID != "south field" {
		t.Fatalf("name fallback = %q", recs[1].ID)
	}
	if recs[2].ID != "feature_2" {
		t.Fatalf("positional fallback = %q", recs[2].ID)
	}
}

func TestSplitGeodesicArea(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(squareFeature("f", 10, 45, 0.01))
	recs := Split(context.Background(), zerolog.Nop(), fc, stubArea{area: 25000})
	if recs[0].AreaM2 != 25000 {
		t.Fatalf("area = %v, want 25000", recs[0].AreaM2)
	}
	if recs[0].AreaHectares != 2.5 {
		t.Fatalf("hectares = %v, want 2.5", recs[0].AreaHectares)
	}
}

func TestSplitPlanarFallback(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	// 0.01 x 0.01 degree square at the equator: ~1113.2 m per side.
	fc.Append(squareFeature("f", 10, -0.005, 0.01))
	recs := Split(context.Background(), zerolog.Nop(), fc, stubArea{err: errors.New("remote down")})
	want := 0.01 * 0.01 * metersPerDegLat * metersPerDegLat // cos(0) = 1
	if rel := math.Abs(recs[0].AreaM2-want) / want; rel > 0.01 {
		t.Fatalf("planar area = %v, want about %v", recs[0].AreaM2, want)
	}
}

func TestSplitSkipsEmptyFeatures(t *testing.T) {
	fc := geojson.NewFeatureCollection()
	fc.Append(&geojson.Feature{})
	fc.Append(squareFeature("ok", 10, 45, 0.01))
	recs := Split(context.Background(), zerolog.Nop(), fc, stubArea{area: 1})
	if len(recs) != 1 || recs[0].Name != "ok" {
		t.Fatalf("recs = %+v", recs)
	}
}

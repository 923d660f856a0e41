package roi

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/agrosense/spectral-tiles/internal/core/apperr"
	"github.com/agrosense/spectral-tiles/internal/core/model"
)

const metersPerDegLat = 111320.0

// Resolver turns the ROI portion of a compute request into a concrete
// geometry plus its bounding box. Resolution order: stored polygon id,
// inline GeoJSON, center plus width/height, center plus buffer.
type Resolver struct {
	store          *PolygonStore
	defaultBufferM float64
}

func NewResolver(store *PolygonStore, defaultBufferM float64) *Resolver {
	return &Resolver{store: store, defaultBufferM: defaultBufferM}
}

func (r *Resolver) Resolve(req model.ComputeRequest) (orb.Geometry, model.BBox, error) {
	switch {
	case req.PolygonID != "":
		fc, err := r.store.Load(req.PolygonID)
		if err != nil {
			return nil, model.BBox{}, apperr.Validation("polygon id: %v", err)
		}
		if fc == nil {
			return nil, model.BBox{}, apperr.NotFound("polygon %q not found", req.PolygonID)
		}
		if len(fc.Features) == 0 {
			return nil, model.BBox{}, apperr.Validation("polygon %q contains no features", req.PolygonID)
		}
		geom := fc.Features[0].Geometry
		return geom, BoundsOf(geom), nil

	case len(req.Geometry) > 0:
		g, err := geojson.UnmarshalGeometry(req.Geometry)
		if err != nil {
			return nil, model.BBox{}, apperr.Validation("geometry: %v", err)
		}
		geom := g.Geometry()
		return geom, BoundsOf(geom), nil

	case req.Lon != nil && req.Lat != nil:
		lon, lat := *req.Lon, *req.Lat
		if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
			return nil, model.BBox{}, apperr.Validation("lon/lat out of range: %v, %v", lon, lat)
		}
		var bbox model.BBox
		if req.WidthM != nil && req.HeightM != nil {
			if *req.WidthM <= 0 || *req.HeightM <= 0 {
				return nil, model.BBox{}, apperr.Validation("width_m and height_m must be positive")
			}
			bbox = RectAround(lon, lat, *req.WidthM, *req.HeightM)
		} else {
			buffer := r.defaultBufferM
			if req.BufferM != nil && *req.BufferM > 0 {
				buffer = *req.BufferM
			}
			bbox = RectAround(lon, lat, buffer, buffer)
		}
		return bbox.Polygon(), bbox, nil

	default:
		return nil, model.BBox{}, apperr.Validation("no region of interest: provide polygon_id, geometry, or lon/lat")
	}
}

// RectAround builds an axis-aligned box of width x height meters centered on
// the point, using a flat-Earth approximation with longitude degrees scaled
// by cos(lat).
func RectAround(lon, lat, widthM, heightM float64) model.BBox {
	metersPerDegLon := metersPerDegLat * math.Cos(lat*math.Pi/180)
	if metersPerDegLon == 0 {
		metersPerDegLon = metersPerDegLat
	}
	halfW := (widthM / 2) / metersPerDegLon
	halfH := (heightM / 2) / metersPerDegLat
	return model.BBox{
		West:  lon - halfW,
		South: lat - halfH,
		East:  lon + halfW,
		North: lat + halfH,
	}
}

// BoundsOf computes the bounding box by flattening all coordinates locally.
// It never consults the imagery service.
func BoundsOf(geom orb.Geometry) model.BBox {
	b := geom.Bound()
	return model.BBox{
		West:  b.Min.Lon(),
		South: b.Min.Lat(),
		East:  b.Max.Lon(),
		North: b.Max.Lat(),
	}
}

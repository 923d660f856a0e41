package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/agrosense/spectral-tiles/internal/compute"
	"github.com/agrosense/spectral-tiles/internal/core/model"
)

func geometryJSON(geom orb.Geometry) json.RawMessage {
	raw, err := geojson.NewGeometry(geom).MarshalJSON()
	if err != nil {
		return nil
	}
	return raw
}

func boundsOf(bbox model.BBox) *model.Bounds {
	lon, lat := bbox.Center()
	return &model.Bounds{
		BBox:   bbox,
		Center: model.LonLat{Lon: lon, Lat: lat},
	}
}

func seriesSummary(points []model.SeriesPoint, source string, cloud float64) *model.SeriesSummary {
	s := &model.SeriesSummary{
		TotalPoints:    len(points),
		ValidPoints:    len(points),
		DataSource:     source,
		CloudThreshold: fmt.Sprintf("<=%.0f%%", cloud),
	}
	if len(points) == 0 {
		return s
	}
	minV, maxV, sum := points[0].Value, points[0].Value, 0.0
	for _, pt := range points {
		if pt.Value < minV {
			minV = pt.Value
		}
		if pt.Value > maxV {
			maxV = pt.Value
		}
		sum += pt.Value
	}
	s.PeriodMean = compute.RoundSig(sum/float64(len(points)), 2)
	s.PeriodMin = minV
	s.PeriodMax = maxV
	return s
}

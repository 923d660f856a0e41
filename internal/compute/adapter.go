// Package compute turns a resolved ROI plus an index spec into either a
// single composite image or a per-acquisition value series, negotiating
// cloud-cover thresholds with the imagery service.
package compute

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/core/apperr"
	"github.com/agrosense/spectral-tiles/internal/core/model"
	"github.com/agrosense/spectral-tiles/internal/core/observability"
	"github.com/agrosense/spectral-tiles/internal/imagery"
	"github.com/agrosense/spectral-tiles/internal/index"
)

// Scene classification classes excluded per mode. The full mask trades
// coverage for quality on single composites; the simple mask keeps more
// pixels so sparse time series do not collapse.
var (
	fullMask   = imagery.Mask{ExcludeSCL: []int{3, 8, 9, 10, 11}}
	simpleMask = imagery.Mask{ExcludeSCL: []int{9, 10}}
)

type Config struct {
	CloudCeilingHeatmap float64
	CloudCeilingSeries  float64
	SeriesMaxImages     int
	SeriesScale         int
	StatsScale          int
}

type Adapter struct {
	img imagery.Client
	log zerolog.Logger
	cfg Config
}

func NewAdapter(img imagery.Client, log zerolog.Logger, cfg Config) *Adapter {
	return &Adapter{img: img, log: log.With().Str("component", "compute").Logger(), cfg: cfg}
}

// Composite builds a cloud-masked median composite over the date range and
// computes the index band on it, clipped to the ROI.
func (a *Adapter) Composite(ctx context.Context, geom orb.Geometry, bbox model.BBox, start, end string, spec index.Spec, sensor string, cloudPct float64) (imagery.Image, error) {
	col, err := a.qualifyingCollection(ctx, bbox, start, end, sensor, cloudPct, a.cfg.CloudCeilingHeatmap, "heatmap")
	if err != nil {
		return imagery.Image{}, err
	}

	if sensor != index.SensorEmbedding {
		if col, err = a.img.Mask(ctx, col, fullMask); err != nil {
			return imagery.Image{}, apperr.Upstream(err, "mask")
		}
	}

	reducer := imagery.ReducerMedian
	if sensor == index.SensorEmbedding {
		// The embedding product is an annual mosaic; take the first image.
		reducer = imagery.ReducerFirst
	}
	composite, err := a.img.ReduceToImage(ctx, col, reducer)
	if err != nil && reducer == imagery.ReducerMedian {
		a.log.Warn().Err(err).Msg("median composite failed, falling back to first")
		composite, err = a.img.ReduceToImage(ctx, col, imagery.ReducerFirst)
	}
	if err != nil {
		return imagery.Image{}, apperr.Upstream(err, "reduce")
	}

	band, err := a.indexBand(ctx, composite, spec)
	if err != nil {
		return imagery.Image{}, err
	}
	clipped, err := a.img.Clip(ctx, band, geom)
	if err != nil {
		return imagery.Image{}, apperr.Upstream(err, "clip")
	}
	return clipped, nil
}

// Series computes one point per qualifying acquisition: index band, then a
// mean reduction over the ROI. Points whose reduction yields no valid value
// are dropped. Results are sorted by acquisition timestamp ascending.
func (a *Adapter) Series(ctx context.Context, geom orb.Geometry, bbox model.BBox, start, end string, spec index.Spec, sensor string, cloudPct float64) ([]model.SeriesPoint, error) {
	initial := math.Min(cloudPct, a.cfg.CloudCeilingHeatmap)
	col, err := a.qualifyingCollection(ctx, bbox, start, end, sensor, initial, a.cfg.CloudCeilingSeries, "series")
	if err != nil {
		return nil, err
	}

	if sensor != index.SensorEmbedding {
		if col, err = a.img.Mask(ctx, col, simpleMask); err != nil {
			return nil, apperr.Upstream(err, "mask")
		}
	}

	acqs, err := a.img.Acquisitions(ctx, col, a.cfg.SeriesMaxImages)
	if err != nil {
		return nil, apperr.Upstream(err, "list")
	}

	points := make([]model.SeriesPoint, 0, len(acqs))
	for _, acq := range acqs {
		band, err := a.indexBand(ctx, acq.Image, spec)
		if err != nil {
			return nil, err
		}
		vals, err := a.img.ReduceRegion(ctx, band, geom, imagery.ReducerMean, a.cfg.SeriesScale)
		if err != nil {
			a.log.Warn().Err(err).Time("acquired", acq.Time).Msg("region reduction failed, dropping point")
			continue
		}
		v, ok := vals[spec.Name]
		if !ok || math.IsNaN(v) {
			continue
		}
		points = append(points, model.SeriesPoint{
			Date:      acq.Time.Format("2006-01-02"),
			Timestamp: acq.Time.UnixMilli(),
			Value:     RoundSig(v, 2),
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp < points[j].Timestamp })
	return points, nil
}

// Stats reduces the computed band over the ROI with the combined
// mean/min/max/stdDev reducer. Failures are soft: callers get nil stats.
func (a *Adapter) Stats(ctx context.Context, img imagery.Image, geom orb.Geometry, bandName string) *model.Stats {
	vals, err := a.img.ReduceRegion(ctx, img, geom, imagery.ReducerStats, a.cfg.StatsScale)
	if err != nil {
		a.log.Warn().Err(err).Str("band", bandName).Msg("stats reduction failed")
		return nil
	}
	pick := func(suffix string) *float64 {
		v, ok := vals[bandName+"_"+suffix]
		if !ok || math.IsNaN(v) {
			return nil
		}
		return &v
	}
	return &model.Stats{
		Min:    pick("min"),
		Max:    pick("max"),
		Mean:   pick("mean"),
		StdDev: pick("stdDev"),
	}
}

// Dates lists the qualifying acquisitions without computing any band.
func (a *Adapter) Dates(ctx context.Context, bbox model.BBox, start, end string, sensor string, cloudPct float64) ([]imagery.Acquisition, error) {
	col, err := a.qualifyingCollection(ctx, bbox, start, end, sensor, cloudPct, a.cfg.CloudCeilingSeries, "dates")
	if err != nil {
		return nil, err
	}
	acqs, err := a.img.Acquisitions(ctx, col, 0)
	if err != nil {
		return nil, apperr.Upstream(err, "list")
	}
	sort.Slice(acqs, func(i, j int) bool { return acqs[i].Time.Before(acqs[j].Time) })
	return acqs, nil
}

// qualifyingCollection queries the sensor's collection and walks a short
// cloud-threshold ladder until at least one image qualifies. An empty result
// at every rung is not-found, not an upstream failure.
func (a *Adapter) qualifyingCollection(ctx context.Context, bbox model.BBox, start, end, sensor string, cloudPct, ceiling float64, mode string) (imagery.Collection, error) {
	base, err := a.img.QueryCollection(ctx, index.Collection(sensor), bbox, start, end)
	if err != nil {
		return imagery.Collection{}, apperr.Upstream(err, "query")
	}

	if sensor == index.SensorEmbedding {
		n, err := a.img.Size(ctx, base)
		if err != nil {
			return imagery.Collection{}, apperr.Upstream(err, "size")
		}
		if n == 0 {
			return imagery.Collection{}, apperr.NotFound("no imagery between %s and %s", start, end)
		}
		return base, nil
	}

	ladder := []float64{cloudPct}
	if ceiling > cloudPct {
		ladder = append(ladder, ceiling)
	}
	for i, threshold := range ladder {
		col, err := a.img.FilterCloud(ctx, base, threshold)
		if err != nil {
			return imagery.Collection{}, apperr.Upstream(err, "filter")
		}
		n, err := a.img.Size(ctx, col)
		if err != nil {
			return imagery.Collection{}, apperr.Upstream(err, "size")
		}
		if n > 0 {
			if i > 0 {
				observability.IncCloudRetry(mode)
				a.log.Info().Float64("threshold", threshold).Int("images", n).
					Msg("relaxed cloud threshold found imagery")
			}
			return col, nil
		}
	}
	return imagery.Collection{}, apperr.NotFound(
		"no imagery between %s and %s with cloud cover under %.0f%%", start, end, ceiling)
}

// indexBand computes the spec's band over an image: true-color selection,
// normalized difference, or a bound expression, then clamp and floor.
func (a *Adapter) indexBand(ctx context.Context, img imagery.Image, spec index.Spec) (imagery.Image, error) {
	var (
		band imagery.Image
		err  error
	)
	switch spec.Kind {
	case index.KindTrueColor:
		band, err = a.img.SelectBands(ctx, img, spec.Bands)
	case index.KindNormalizedDiff:
		band, err = a.img.NormalizedDifference(ctx, img, spec.NDBandA, spec.NDBandB, spec.Name)
	case index.KindExpression:
		band, err = a.img.Expression(ctx, img, spec.Formula, spec.Bindings, spec.Name)
	default:
		return imagery.Image{}, apperr.Internal(fmt.Errorf("unhandled index kind %d", spec.Kind))
	}
	if err != nil {
		return imagery.Image{}, apperr.Upstream(err, "band")
	}
	if spec.Clamp != nil {
		if band, err = a.img.Clamp(ctx, band, spec.Clamp.Lo, spec.Clamp.Hi); err != nil {
			return imagery.Image{}, apperr.Upstream(err, "clamp")
		}
	}
	if spec.Floor != nil {
		if band, err = a.img.MaxConst(ctx, band, *spec.Floor); err != nil {
			return imagery.Image{}, apperr.Upstream(err, "max")
		}
	}
	return band, nil
}

// DateWindow widens a single target date into a [start, end) range. A zero
// buffer still uses three days either side so composites have material; the
// end is pushed one extra day to include the full target day.
func DateWindow(date string, daysBuffer int) (start, end string, err error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", "", apperr.Validation("date %q: want YYYY-MM-DD", date)
	}
	if daysBuffer <= 0 {
		daysBuffer = 3
	}
	start = t.AddDate(0, 0, -daysBuffer).Format("2006-01-02")
	end = t.AddDate(0, 0, daysBuffer+1).Format("2006-01-02")
	return start, end, nil
}

// WideDateWindow is the retry window used when the first window had no
// imagery: plus or minus seven days.
func WideDateWindow(date string) (start, end string, err error) {
	return DateWindow(date, 7)
}

// RoundSig rounds to sig significant figures.
func RoundSig(x float64, sig int) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	d := math.Ceil(math.Log10(math.Abs(x)))
	power := float64(sig) - d
	mag := math.Pow(10, power)
	return math.Round(x*mag) / mag
}

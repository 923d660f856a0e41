// Package pipeline chains ROI resolution, index computation, visualization,
// and caching into the operations the HTTP layer exposes. One request runs as
// a single synchronous chain under a config-driven deadline.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/cache/tilecache"
	"github.com/agrosense/spectral-tiles/internal/compute"
	"github.com/agrosense/spectral-tiles/internal/core/apperr"
	"github.com/agrosense/spectral-tiles/internal/core/model"
	"github.com/agrosense/spectral-tiles/internal/imagery"
	"github.com/agrosense/spectral-tiles/internal/index"
	"github.com/agrosense/spectral-tiles/internal/logger"
	"github.com/agrosense/spectral-tiles/internal/roi"
	"github.com/agrosense/spectral-tiles/internal/store"
	"github.com/agrosense/spectral-tiles/internal/viz"
)

type Config struct {
	DefaultCloudHeatmap float64
	DefaultCloudSeries  float64
	ExportScale         int
	OutputDir           string
	RequestTimeout      time.Duration
}

// Deps are the collaborators a pipeline needs. Meta and Downloader are
// optional: without Meta no metadata rows are written, without Downloader
// raster exports are rejected.
type Deps struct {
	Imagery    imagery.Client
	Resolver   *roi.Resolver
	Polygons   *roi.PolygonStore
	Compute    *compute.Adapter
	Viz        *viz.Builder
	Cache      *tilecache.Cache
	Meta       *store.Store
	Downloader *http.Client
	Log        zerolog.Logger
}

type Pipeline struct {
	img        imagery.Client
	resolver   *roi.Resolver
	polygons   *roi.PolygonStore
	compute    *compute.Adapter
	viz        *viz.Builder
	cache      *tilecache.Cache
	meta       *store.Store
	downloader *http.Client
	log        zerolog.Logger
	cfg        Config
}

func New(deps Deps, cfg Config) *Pipeline {
	return &Pipeline{
		img:        deps.Imagery,
		resolver:   deps.Resolver,
		polygons:   deps.Polygons,
		compute:    deps.Compute,
		viz:        deps.Viz,
		cache:      deps.Cache,
		meta:       deps.Meta,
		downloader: deps.Downloader,
		log:        deps.Log.With().Str("component", "pipeline").Logger(),
		cfg:        cfg,
	}
}

// Compute dispatches on the request mode. An empty mode means heatmap.
func (p *Pipeline) Compute(ctx context.Context, req model.ComputeRequest) (*model.ComputeResponse, error) {
	switch req.Mode {
	case "", model.ModeHeatmap:
		return p.Heatmap(ctx, req)
	case model.ModeSeries:
		return p.Series(ctx, req)
	case model.ModeExport:
		return p.Export(ctx, req)
	default:
		return nil, apperr.Validation("mode %q: want heatmap, series, or export", req.Mode)
	}
}

// Heatmap produces a tile template for a composited index layer. Cache hits
// answer without any imagery calls. Single-date requests that find no imagery
// retry once with a wider window before giving up.
func (p *Pipeline) Heatmap(ctx context.Context, req model.ComputeRequest) (*model.ComputeResponse, error) {
	ctx, cancel := p.deadline(ctx)
	defer cancel()

	start, end, err := p.window(req)
	if err != nil {
		return nil, err
	}
	geom, bbox, sensor, spec, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	cloud := cloudOr(req, p.cfg.DefaultCloudHeatmap)

	resp, band, err := p.heatmapWindow(ctx, geom, bbox, spec, sensor, cloud, start, end)
	if apperr.IsNotFound(err) && req.Date != "" {
		wideStart, wideEnd, werr := compute.WideDateWindow(req.Date)
		if werr == nil {
			p.log.Info().Str("date", req.Date).Msg("no imagery in initial window, widening")
			start, end = wideStart, wideEnd
			resp, band, err = p.heatmapWindow(ctx, geom, bbox, spec, sensor, cloud, start, end)
		}
	}
	if err != nil {
		return nil, err
	}

	resp.Index = req.Index
	resp.ROI = geometryJSON(geom)
	resp.Bounds = boundsOf(bbox)
	if recs := p.features(ctx, req); len(recs) > 0 {
		p.featureTiles(ctx, recs, band, geom, bbox, spec, sensor, cloud, start, end)
		resp.Features = recs
	}
	return resp, nil
}

// heatmapWindow answers one concrete date window, cache first. On a miss it
// also returns the composite band so per-parcel products can reuse it.
func (p *Pipeline) heatmapWindow(ctx context.Context, geom orb.Geometry, bbox model.BBox, spec index.Spec, sensor string, cloud float64, start, end string) (*model.ComputeResponse, imagery.Image, error) {
	key := tilecache.Key{
		Index:    spec.Name,
		Sensor:   sensor,
		Start:    start,
		End:      end,
		CloudPct: cloud,
		BBox:     bbox,
	}
	if e, ok := p.cache.Get(ctx, key); ok {
		logger.FromContext(logger.WithCacheStatus(ctx, "hit"), &p.log).
			Debug().Str("key", key.String()).Msg("serving cached tile template")
		vis := e.Vis
		return &model.ComputeResponse{
			Mode:    model.ModeHeatmap,
			TileURL: e.TileURL,
			MapID:   e.MapID,
			Vis:     &vis,
			Cached:  true,
		}, imagery.Image{}, nil
	}
	ctx = logger.WithCacheStatus(ctx, "miss")

	band, err := p.compute.Composite(ctx, geom, bbox, start, end, spec, sensor, cloud)
	if err != nil {
		return nil, imagery.Image{}, err
	}
	var stats *model.Stats
	if spec.Kind != index.KindTrueColor {
		stats = p.compute.Stats(ctx, band, geom, spec.Name)
	}
	tile, legend, err := p.bakeAndTile(ctx, band, spec)
	if err != nil {
		return nil, imagery.Image{}, err
	}

	p.cache.Put(ctx, key, tilecache.Entry{TileURL: tile.URLTemplate, MapID: tile.MapID, Vis: legend})
	p.recordAsset(ctx, key.String(), spec.Name, sensor, start, bbox, stats)

	return &model.ComputeResponse{
		Mode:    model.ModeHeatmap,
		TileURL: tile.URLTemplate,
		MapID:   tile.MapID,
		Vis:     &legend,
		Stats:   stats,
	}, band, nil
}

// bakeAndTile visualizes the band and requests a tile layer. Unbaked legends
// (true color) pass their min/max stretch as tile parameters.
func (p *Pipeline) bakeAndTile(ctx context.Context, band imagery.Image, spec index.Spec) (imagery.TileInfo, model.VisParams, error) {
	baked, legend, err := p.viz.Build(ctx, band, spec)
	if err != nil {
		return imagery.TileInfo{}, model.VisParams{}, err
	}
	var vis *imagery.VisParams
	if !legend.Baked {
		vis = &imagery.VisParams{Min: legend.Min, Max: legend.Max}
	}
	tile, err := p.img.TileTemplate(ctx, baked, vis)
	if err != nil {
		return imagery.TileInfo{}, model.VisParams{}, apperr.Upstream(err, "tiles")
	}
	return tile, legend, nil
}

// featureTiles attaches a tile product to each parcel record, cache-keyed by
// the parcel's bbox. Parcels are clipped from the master composite; when the
// master answer came from the cache, the composite is recomputed once on the
// first parcel miss. Parcel tiling is best-effort: a failed parcel keeps its
// id and area and simply carries no tile.
func (p *Pipeline) featureTiles(ctx context.Context, recs []model.FeatureRecord, master imagery.Image, masterGeom orb.Geometry, masterBBox model.BBox, spec index.Spec, sensor string, cloud float64, start, end string) {
	for i := range recs {
		fgeom, err := featureGeometry(recs[i].Geometry)
		if err != nil {
			p.log.Warn().Err(err).Str("feature", recs[i].ID).Msg("unparseable parcel geometry")
			continue
		}
		key := tilecache.Key{
			Index:    spec.Name,
			Sensor:   sensor,
			Start:    start,
			End:      end,
			CloudPct: cloud,
			BBox:     roi.BoundsOf(fgeom),
		}
		if e, ok := p.cache.Get(ctx, key); ok {
			vis := e.Vis
			recs[i].TileURL = e.TileURL
			recs[i].MapID = e.MapID
			recs[i].Vis = &vis
			continue
		}
		if master.ID == "" {
			band, err := p.compute.Composite(ctx, masterGeom, masterBBox, start, end, spec, sensor, cloud)
			if err != nil {
				p.log.Warn().Err(err).Msg("parcel tiles skipped, composite unavailable")
				return
			}
			master = band
		}
		clipped, err := p.img.Clip(ctx, master, fgeom)
		if err != nil {
			p.log.Warn().Err(err).Str("feature", recs[i].ID).Msg("parcel clip failed")
			continue
		}
		tile, legend, err := p.bakeAndTile(ctx, clipped, spec)
		if err != nil {
			p.log.Warn().Err(err).Str("feature", recs[i].ID).Msg("parcel tiling failed")
			continue
		}
		p.cache.Put(ctx, key, tilecache.Entry{TileURL: tile.URLTemplate, MapID: tile.MapID, Vis: legend})
		recs[i].TileURL = tile.URLTemplate
		recs[i].MapID = tile.MapID
		recs[i].Vis = &legend
	}
}

func featureGeometry(raw json.RawMessage) (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, err
	}
	return g.Geometry(), nil
}

// Series produces one mean value per qualifying acquisition plus period
// summary statistics.
func (p *Pipeline) Series(ctx context.Context, req model.ComputeRequest) (*model.ComputeResponse, error) {
	ctx, cancel := p.deadline(ctx)
	defer cancel()

	start, end, err := p.rangeOf(req)
	if err != nil {
		return nil, err
	}
	geom, bbox, sensor, spec, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	cloud := cloudOr(req, p.cfg.DefaultCloudSeries)

	points, err := p.compute.Series(ctx, geom, bbox, start, end, spec, sensor, cloud)
	if err != nil {
		return nil, err
	}
	p.recordMeasurements(ctx, req, spec.Name, points)

	return &model.ComputeResponse{
		Mode:    model.ModeSeries,
		Index:   req.Index,
		ROI:     geometryJSON(geom),
		Bounds:  boundsOf(bbox),
		Series:  points,
		Summary: seriesSummary(points, index.Collection(sensor), cloud),
	}, nil
}

// Export saves the computed product to the output directory: csv from the
// series path, geotiff or png from the composite path.
func (p *Pipeline) Export(ctx context.Context, req model.ComputeRequest) (*model.ComputeResponse, error) {
	ctx, cancel := p.deadline(ctx)
	defer cancel()

	format := strings.ToLower(strings.TrimSpace(req.ExportFormat))
	if format == "" {
		format = "geotiff"
	}
	switch format {
	case "csv":
		return p.exportCSV(ctx, req)
	case "geotiff", "png":
		return p.exportRaster(ctx, req, format)
	default:
		return nil, apperr.Validation("export_format %q: want geotiff, png, or csv", req.ExportFormat)
	}
}

// Dates lists qualifying acquisition dates over the ROI and best-effort
// persists each row keyed by a stable hash of the geometry.
func (p *Pipeline) Dates(ctx context.Context, req model.ComputeRequest) (*model.DatesResponse, error) {
	ctx, cancel := p.deadline(ctx)
	defer cancel()

	start, end, err := p.rangeOf(req)
	if err != nil {
		return nil, err
	}
	geom, bbox, sensor, _, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	cloud := cloudOr(req, p.cfg.DefaultCloudSeries)

	acqs, err := p.compute.Dates(ctx, bbox, start, end, sensor, cloud)
	if err != nil {
		return nil, err
	}

	roiRaw := geometryJSON(geom)
	geometryID := store.GeometryID(roiRaw)

	dates := make([]model.ImageDate, 0, len(acqs))
	for _, acq := range acqs {
		cover := acq.CloudCover
		dates = append(dates, model.ImageDate{
			Date:       acq.Time.Format("2006-01-02"),
			Timestamp:  acq.Time.UnixMilli(),
			CloudCover: &cover,
			TileID:     acq.TileID,
		})
	}
	p.recordDates(ctx, geometryID, string(roiRaw), dates)

	return &model.DatesResponse{
		ROI:         roiRaw,
		Start:       start,
		End:         end,
		GeometryID:  geometryID,
		TotalImages: len(dates),
		Dates:       dates,
	}, nil
}

// resolve maps the request onto a geometry, its bbox, the sensor family, and
// the index spec. Unknown indices render as true color rather than failing.
func (p *Pipeline) resolve(req model.ComputeRequest) (orb.Geometry, model.BBox, string, index.Spec, error) {
	sensor, err := sensorOf(req)
	if err != nil {
		return nil, model.BBox{}, "", index.Spec{}, err
	}
	geom, bbox, err := p.resolver.Resolve(req)
	if err != nil {
		return nil, model.BBox{}, "", index.Spec{}, err
	}
	if !bbox.Valid() {
		return nil, model.BBox{}, "", index.Spec{}, apperr.Validation("degenerate region of interest: %s", bbox.String())
	}
	spec, known := index.Lookup(req.Index, sensor)
	if !known {
		p.log.Warn().Str("index", req.Index).Str("sensor", sensor).
			Msg("unknown index, rendering true color")
	}
	return geom, bbox, sensor, spec, nil
}

// features splits a stored multi-parcel polygon set into per-parcel records.
// Single-feature and non-stored ROIs yield none.
func (p *Pipeline) features(ctx context.Context, req model.ComputeRequest) []model.FeatureRecord {
	if req.PolygonID == "" || p.polygons == nil {
		return nil
	}
	fc, err := p.polygons.Load(req.PolygonID)
	if err != nil || fc == nil || len(fc.Features) < 2 {
		return nil
	}
	return roi.Split(ctx, p.log, fc, p.img)
}

func (p *Pipeline) window(req model.ComputeRequest) (start, end string, err error) {
	if req.Date != "" {
		buffer := 0
		if req.DaysBuffer != nil {
			buffer = *req.DaysBuffer
		}
		return compute.DateWindow(req.Date, buffer)
	}
	return p.rangeOf(req)
}

func (p *Pipeline) rangeOf(req model.ComputeRequest) (string, string, error) {
	if req.Start == "" || req.End == "" {
		return "", "", apperr.Validation("start and end are required (or a single date)")
	}
	s, err := time.Parse("2006-01-02", req.Start)
	if err != nil {
		return "", "", apperr.Validation("start %q: want YYYY-MM-DD", req.Start)
	}
	e, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		return "", "", apperr.Validation("end %q: want YYYY-MM-DD", req.End)
	}
	if !s.Before(e) {
		return "", "", apperr.Validation("start %s must precede end %s", req.Start, req.End)
	}
	return req.Start, req.End, nil
}

func (p *Pipeline) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.RequestTimeout > 0 {
		return context.WithTimeout(ctx, p.cfg.RequestTimeout)
	}
	return context.WithCancel(ctx)
}

func sensorOf(req model.ComputeRequest) (string, error) {
	switch req.Sensor {
	case "", index.SensorSentinel2:
		return index.SensorSentinel2, nil
	case index.SensorEmbedding:
		return index.SensorEmbedding, nil
	default:
		return "", apperr.Validation("sensor %q: want %s or %s", req.Sensor, index.SensorSentinel2, index.SensorEmbedding)
	}
}

func cloudOr(req model.ComputeRequest, def float64) float64 {
	if req.CloudPct != nil && *req.CloudPct > 0 {
		return *req.CloudPct
	}
	return def
}

func (p *Pipeline) recordAsset(ctx context.Context, assetID, product, sensor, acquired string, bbox model.BBox, stats *model.Stats) {
	if p.meta == nil {
		return
	}
	bboxJSON, err := json.Marshal(bbox)
	if err != nil {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339)
	rec := store.AssetRecord{
		AssetID:    assetID,
		Product:    &product,
		Sensor:     &sensor,
		AcquiredTS: &acquired,
		IngestedTS: &now,
		BBox:       strPtr(string(bboxJSON)),
	}
	if stats != nil {
		rec.MinVal = stats.Min
		rec.MaxVal = stats.Max
		rec.MeanVal = stats.Mean
		rec.StdDevVal = stats.StdDev
	}
	store.BestEffort(p.log, "insert_asset", func() error {
		return p.meta.InsertAsset(ctx, rec)
	})
}

func (p *Pipeline) recordMeasurements(ctx context.Context, req model.ComputeRequest, metricType string, points []model.SeriesPoint) {
	if p.meta == nil || len(points) == 0 {
		return
	}
	plotID := req.PolygonID
	store.BestEffort(p.log, "insert_measurements", func() error {
		for _, pt := range points {
			v := pt.Value
			rec := store.MeasurementRecord{
				TS:         strPtr(pt.Date),
				MetricType: &metricType,
				Value:      &v,
			}
			if plotID != "" {
				rec.PlotID = &plotID
			}
			if err := p.meta.InsertMeasurement(ctx, rec); err != nil {
				return fmt.Errorf("point %s: %w", pt.Date, err)
			}
		}
		return nil
	})
}

// recordDates inserts per row so one bad row cannot drop the rest.
func (p *Pipeline) recordDates(ctx context.Context, geometryID, roiJSON string, dates []model.ImageDate) {
	if p.meta == nil {
		return
	}
	for _, d := range dates {
		rec := store.AvailableDateRecord{
			GeometryID:      geometryID,
			Date:            d.Date,
			SystemTimeStart: &d.Timestamp,
			CloudCover:      d.CloudCover,
			ROIGeoJSON:      &roiJSON,
		}
		if d.TileID != "" {
			rec.TileID = &d.TileID
		}
		store.BestEffort(p.log, "insert_available_date", func() error {
			return p.meta.InsertAvailableDate(ctx, rec)
		})
	}
}

func strPtr(s string) *string { return &s }

package pipeline

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/cache/redisstore"
	"github.com/agrosense/spectral-tiles/internal/cache/tilecache"
	"github.com/agrosense/spectral-tiles/internal/compute"
	"github.com/agrosense/spectral-tiles/internal/core/apperr"
	"github.com/agrosense/spectral-tiles/internal/core/model"
	"github.com/agrosense/spectral-tiles/internal/imagery"
	"github.com/agrosense/spectral-tiles/internal/index"
	"github.com/agrosense/spectral-tiles/internal/roi"
	"github.com/agrosense/spectral-tiles/internal/viz"
)

func testBBox() model.BBox {
	return model.BBox{West: 11.0, South: 48.0, East: 11.1, North: 48.1}
}

func testGeometry(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := geojson.NewGeometry(testBBox().Polygon()).MarshalJSON()
	if err != nil {
		t.Fatalf("marshal geometry: %v", err)
	}
	return raw
}

// addScene seeds a 2x2 scene whose NDVI is uniform: (nir-red)/(nir+red).
func addScene(m *imagery.MemoryClient, day string, cloud float64, nir, red float64) {
	ts, _ := time.Parse("2006-01-02", day)
	fill := func(v float64) []float64 { return []float64{v, v, v, v} }
	m.AddScene(index.CollectionSentinel2, ts, cloud, "T32UPU", 2, 2, map[string][]float64{
		"B2":  fill(1000),
		"B3":  fill(1200),
		"B4":  fill(red),
		"B5":  fill(5),
		"B8":  fill(nir),
		"B11": fill(4),
		"SCL": fill(4),
	})
}

func newTestPipeline(t *testing.T, img *imagery.MemoryClient, polyDir string) *Pipeline {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redis store: %v", err)
	}
	t.Cleanup(func() { _ = rs.Close() })
	cache, err := tilecache.New(rs, 128, zerolog.Nop())
	if err != nil {
		t.Fatalf("tile cache: %v", err)
	}

	polys := roi.NewPolygonStore(polyDir)
	return New(Deps{
		Imagery:  img,
		Resolver: roi.NewResolver(polys, 250),
		Polygons: polys,
		Compute: compute.NewAdapter(img, zerolog.Nop(), compute.Config{
			CloudCeilingHeatmap: 80,
			CloudCeilingSeries:  90,
			SeriesMaxImages:     30,
			SeriesScale:         60,
			StatsScale:          10,
		}),
		Viz:   viz.NewBuilder(img),
		Cache: cache,
		Log:   zerolog.Nop(),
	}, Config{
		DefaultCloudHeatmap: 30,
		DefaultCloudSeries:  70,
		ExportScale:         10,
		OutputDir:           filepath.Join(t.TempDir(), "outputs"),
	})
}

func TestHeatmapComputesThenServesFromCache(t *testing.T) {
	img := imagery.NewMemory()
	addScene(img, "2024-05-10", 5, 8, 2)
	p := newTestPipeline(t, img, t.TempDir())

	req := model.ComputeRequest{
		Geometry: testGeometry(t),
		Start:    "2024-05-01",
		End:      "2024-06-01",
		Index:    "ndvi",
	}
	first, err := p.Heatmap(context.Background(), req)
	if err != nil {
		t.Fatalf("first heatmap: %v", err)
	}
	if first.Cached {
		t.Fatal("first response claims a cache hit")
	}
	if !strings.HasPrefix(first.TileURL, "memory://tiles/") {
		t.Fatalf("tile url = %q", first.TileURL)
	}
	if first.Vis == nil || !first.Vis.Baked || len(first.Vis.Palette) != 7 {
		t.Fatalf("vis = %+v", first.Vis)
	}
	if first.Stats == nil || first.Stats.Mean == nil || math.Abs(*first.Stats.Mean-0.6) > 1e-9 {
		t.Fatalf("stats = %+v", first.Stats)
	}

	queries := img.CallCount("collection/query")

	second, err := p.Heatmap(context.Background(), req)
	if err != nil {
		t.Fatalf("second heatmap: %v", err)
	}
	if !second.Cached {
		t.Fatal("second response missed the cache")
	}
	if second.TileURL != first.TileURL || second.MapID != first.MapID {
		t.Fatalf("cached tile differs: %q vs %q", second.TileURL, first.TileURL)
	}
	if got := img.CallCount("collection/query"); got != queries {
		t.Fatalf("cache hit still queried imagery: %d -> %d", queries, got)
	}
}

func TestHeatmapWidensDateWindow(t *testing.T) {
	img := imagery.NewMemory()
	addScene(img, "2024-05-16", 5, 8, 2)
	p := newTestPipeline(t, img, t.TempDir())

	resp, err := p.Heatmap(context.Background(), model.ComputeRequest{
		Geometry: testGeometry(t),
		Date:     "2024-05-10",
		Index:    "ndvi",
	})
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	if resp.TileURL == "" {
		t.Fatal("no tile url after widening")
	}
}

func TestHeatmapNoImageryIsNotFound(t *testing.T) {
	img := imagery.NewMemory()
	p := newTestPipeline(t, img, t.TempDir())

	_, err := p.Heatmap(context.Background(), model.ComputeRequest{
		Geometry: testGeometry(t),
		Date:     "2024-05-10",
		Index:    "ndvi",
	})
	if !apperr.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestUnknownIndexRendersTrueColor(t *testing.T) {
	img := imagery.NewMemory()
	addScene(img, "2024-05-10", 5, 8, 2)
	p := newTestPipeline(t, img, t.TempDir())

	resp, err := p.Heatmap(context.Background(), model.ComputeRequest{
		Geometry: testGeometry(t),
		Start:    "2024-05-01",
		End:      "2024-06-01",
		Index:    "no_such_index",
	})
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	if resp.Index != "no_such_index" {
		t.Fatalf("index echoed as %q", resp.Index)
	}
	if resp.Vis == nil || resp.Vis.Palette != nil {
		t.Fatalf("true-color fallback has a palette: %+v", resp.Vis)
	}
	if resp.Vis.Baked {
		t.Fatal("true-color tiles must carry the stretch, not bake it")
	}
	if got := img.CallCount("image/visualize"); got != 0 {
		t.Fatalf("true-color request called visualize %d times, want 0", got)
	}
	if resp.Stats != nil {
		t.Fatal("true-color fallback computed stats")
	}
}

func TestSeriesOrderedWithSummary(t *testing.T) {
	img := imagery.NewMemory()
	addScene(img, "2024-05-15", 10, 6, 2) // ndvi 0.5
	addScene(img, "2024-05-05", 10, 8, 2) // ndvi 0.6
	p := newTestPipeline(t, img, t.TempDir())

	resp, err := p.Series(context.Background(), model.ComputeRequest{
		Geometry: testGeometry(t),
		Start:    "2024-05-01",
		End:      "2024-06-01",
		Index:    "ndvi",
		Mode:     model.ModeSeries,
	})
	if err != nil {
		t.Fatalf("series: %v", err)
	}
	if len(resp.Series) != 2 {
		t.Fatalf("series has %d points", len(resp.Series))
	}
	if resp.Series[0].Value != 0.6 || resp.Series[1].Value != 0.5 {
		t.Fatalf("points = %+v", resp.Series)
	}
	if resp.Series[0].Date != "2024-05-05" {
		t.Fatalf("first point %q, want earliest date", resp.Series[0].Date)
	}
	sum := resp.Summary
	if sum == nil || sum.TotalPoints != 2 || sum.ValidPoints != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	if sum.PeriodMean != 0.55 || sum.PeriodMin != 0.5 || sum.PeriodMax != 0.6 {
		t.Fatalf("summary stats = %+v", sum)
	}
	if sum.CloudThreshold != "<=70%" {
		t.Fatalf("cloud threshold label = %q", sum.CloudThreshold)
	}
	if sum.DataSource != index.CollectionSentinel2 {
		t.Fatalf("data source = %q", sum.DataSource)
	}
}

func TestExportCSVWritesFile(t *testing.T) {
	img := imagery.NewMemory()
	addScene(img, "2024-05-05", 10, 8, 2)
	addScene(img, "2024-05-15", 10, 6, 2)
	p := newTestPipeline(t, img, t.TempDir())

	resp, err := p.Export(context.Background(), model.ComputeRequest{
		Geometry:     testGeometry(t),
		Start:        "2024-05-01",
		End:          "2024-06-01",
		Index:        "ndvi",
		Mode:         model.ModeExport,
		ExportFormat: "csv",
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	path, ok := resp.SavedFiles["csv"]
	if !ok {
		t.Fatalf("saved files = %v", resp.SavedFiles)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 3 || lines[0] != "date,value" {
		t.Fatalf("csv = %q", string(raw))
	}
	if !strings.HasPrefix(lines[1], "2024-05-05,") {
		t.Fatalf("first row = %q", lines[1])
	}
}

func TestDatesListsAcquisitions(t *testing.T) {
	img := imagery.NewMemory()
	addScene(img, "2024-05-05", 12, 8, 2)
	addScene(img, "2024-05-15", 20, 6, 2)
	p := newTestPipeline(t, img, t.TempDir())

	resp, err := p.Dates(context.Background(), model.ComputeRequest{
		Geometry: testGeometry(t),
		Start:    "2024-05-01",
		End:      "2024-06-01",
	})
	if err != nil {
		t.Fatalf("dates: %v", err)
	}
	if resp.TotalImages != 2 || len(resp.Dates) != 2 {
		t.Fatalf("dates = %+v", resp)
	}
	if len(resp.GeometryID) != 16 {
		t.Fatalf("geometry id = %q", resp.GeometryID)
	}
	if resp.Dates[0].Date != "2024-05-05" || resp.Dates[1].Date != "2024-05-15" {
		t.Fatalf("dates not ascending: %+v", resp.Dates)
	}
	if resp.Dates[1].CloudCover == nil || *resp.Dates[1].CloudCover != 20 {
		t.Fatalf("cloud cover = %+v", resp.Dates[1])
	}
}

func TestMultiFeaturePolygonReturnsParcels(t *testing.T) {
	img := imagery.NewMemory()
	addScene(img, "2024-05-10", 5, 8, 2)

	polyDir := t.TempDir()
	polys := roi.NewPolygonStore(polyDir)
	fc := geojson.NewFeatureCollection()
	north := geojson.NewFeature(orb.Polygon{{
		{11.0, 48.05}, {11.0, 48.1}, {11.1, 48.1}, {11.1, 48.05}, {11.0, 48.05},
	}})
	north.Properties["name"] = "north"
	south := geojson.NewFeature(orb.Polygon{{
		{11.0, 48.0}, {11.0, 48.05}, {11.1, 48.05}, {11.1, 48.0}, {11.0, 48.0},
	}})
	south.Properties["name"] = "south"
	fc.Append(north)
	fc.Append(south)
	if err := polys.Save("farm-12", fc); err != nil {
		t.Fatalf("save polygons: %v", err)
	}

	p := newTestPipeline(t, img, polyDir)
	resp, err := p.Heatmap(context.Background(), model.ComputeRequest{
		PolygonID: "farm-12",
		Start:     "2024-05-01",
		End:       "2024-06-01",
		Index:     "ndvi",
	})
	if err != nil {
		t.Fatalf("heatmap: %v", err)
	}
	if len(resp.Features) != 2 {
		t.Fatalf("features = %+v", resp.Features)
	}
	if resp.Features[0].ID != "north" || resp.Features[1].ID != "south" {
		t.Fatalf("feature ids = %q, %q", resp.Features[0].ID, resp.Features[1].ID)
	}
	if resp.Features[0].AreaHectares <= 0 {
		t.Fatalf("area = %v", resp.Features[0].AreaHectares)
	}
	for _, f := range resp.Features {
		if !strings.HasPrefix(f.TileURL, "memory://tiles/") {
			t.Fatalf("parcel %s tile url = %q", f.ID, f.TileURL)
		}
		if f.Vis == nil || !f.Vis.Baked {
			t.Fatalf("parcel %s vis = %+v", f.ID, f.Vis)
		}
	}
	if resp.Features[0].TileURL == resp.Features[1].TileURL {
		t.Fatal("parcels share a tile layer")
	}
	if resp.Features[0].TileURL == resp.TileURL {
		t.Fatal("parcel tile layer equals the master layer")
	}

	// master and both parcels are now cached; a repeat request must not
	// request any new tile layers
	tiles := img.CallCount("image/tiles")
	again, err := p.Heatmap(context.Background(), model.ComputeRequest{
		PolygonID: "farm-12",
		Start:     "2024-05-01",
		End:       "2024-06-01",
		Index:     "ndvi",
	})
	if err != nil {
		t.Fatalf("second heatmap: %v", err)
	}
	if got := img.CallCount("image/tiles"); got != tiles {
		t.Fatalf("cached parcels still tiled imagery: %d -> %d", tiles, got)
	}
	if again.Features[0].TileURL != resp.Features[0].TileURL {
		t.Fatalf("cached parcel tile differs: %q vs %q", again.Features[0].TileURL, resp.Features[0].TileURL)
	}
}

func TestComputeRejectsUnknownModeAndSensor(t *testing.T) {
	img := imagery.NewMemory()
	p := newTestPipeline(t, img, t.TempDir())

	_, err := p.Compute(context.Background(), model.ComputeRequest{Mode: "stream"})
	if !apperr.IsValidation(err) {
		t.Fatalf("mode err = %v, want validation", err)
	}

	_, err = p.Heatmap(context.Background(), model.ComputeRequest{
		Geometry: testGeometry(t),
		Start:    "2024-05-01",
		End:      "2024-06-01",
		Index:    "ndvi",
		Sensor:   "landsat",
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("sensor err = %v, want validation", err)
	}

	_, err = p.Series(context.Background(), model.ComputeRequest{
		Geometry: testGeometry(t),
		Start:    "2024-06-01",
		End:      "2024-05-01",
		Index:    "ndvi",
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("range err = %v, want validation", err)
	}
}

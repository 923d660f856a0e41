package compute

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/core/apperr"
	"github.com/agrosense/spectral-tiles/internal/core/model"
	"github.com/agrosense/spectral-tiles/internal/imagery"
	"github.com/agrosense/spectral-tiles/internal/index"
)

var testCfg = Config{
	CloudCeilingHeatmap: 80,
	CloudCeilingSeries:  90,
	SeriesMaxImages:     30,
	SeriesScale:         60,
	StatsScale:          10,
}

func testBBox() model.BBox {
	return model.BBox{West: 11.0, South: 48.0, East: 11.01, North: 48.01}
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func uniformScene(m *imagery.MemoryClient, date string, cloud float64, b8, b4 float64) {
	m.AddScene(index.CollectionSentinel2, day(date), cloud, "T32UPU", 1, 1, map[string][]float64{
		"B8": {b8},
		"B4": {b4},
	})
}

func TestCompositeNDVI(t *testing.T) {
	m := imagery.NewMemory()
	uniformScene(m, "2024-05-10", 10, 0.8, 0.2)
	a := NewAdapter(m, zerolog.Nop(), testCfg)
	spec, _ := index.Lookup("ndvi", index.SensorSentinel2)

	bbox := testBBox()
	img, err := a.Composite(context.Background(), bbox.Polygon(), bbox, "2024-05-01", "2024-06-01", spec, index.SensorSentinel2, 30)
	if err != nil {
		t.Fatal(err)
	}
	stats := a.Stats(context.Background(), img, bbox.Polygon(), "ndvi")
	if stats == nil || stats.Mean == nil {
		t.Fatal("no stats")
	}
	if math.Abs(*stats.Mean-0.6) > 1e-9 {
		t.Fatalf("ndvi mean = %v, want 0.6", *stats.Mean)
	}
}

func TestCloudLadderRelaxes(t *testing.T) {
	m := imagery.NewMemory()
	// Only a 70% cloudy scene exists; the initial 30% threshold finds nothing.
	uniformScene(m, "2024-05-10", 70, 0.8, 0.2)
	a := NewAdapter(m, zerolog.Nop(), testCfg)
	spec, _ := index.Lookup("ndvi", index.SensorSentinel2)

	bbox := testBBox()
	_, err := a.Composite(context.Background(), bbox.Polygon(), bbox, "2024-05-01", "2024-06-01", spec, index.SensorSentinel2, 30)
	if err != nil {
		t.Fatalf("ladder should have relaxed to the ceiling: %v", err)
	}
	if got := m.CallCount("collection/filter"); got != 2 {
		t.Fatalf("filter calls = %d, want 2 (one per rung)", got)
	}
}

func TestCloudLadderExhaustedIsNotFound(t *testing.T) {
	m := imagery.NewMemory()
	uniformScene(m, "2024-05-10", 95, 0.8, 0.2)
	a := NewAdapter(m, zerolog.Nop(), testCfg)
	spec, _ := index.Lookup("ndvi", index.SensorSentinel2)

	bbox := testBBox()
	_, err := a.Composite(context.Background(), bbox.Polygon(), bbox, "2024-05-01", "2024-06-01", spec, index.SensorSentinel2, 30)
	if !apperr.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestSeriesSortedRoundedAndFiltered(t *testing.T) {
	m := imagery.NewMemory()
	uniformScene(m, "2024-05-20", 10, 0.75, 0.25) // ndvi 0.5
	uniformScene(m, "2024-05-05", 10, 0.8, 0.2)   // ndvi 0.6
	// Fully masked scene: value must be dropped, not emitted as null.
	m.AddScene(index.CollectionSentinel2, day("2024-05-12"), 10, "T32UPU", 1, 1, map[string][]float64{
		"B8": {math.NaN()},
		"B4": {math.NaN()},
	})

	a := NewAdapter(m, zerolog.Nop(), testCfg)
	spec, _ := index.Lookup("ndvi", index.SensorSentinel2)
	bbox := testBBox()
	points, err := a.Series(context.Background(), bbox.Polygon(), bbox, "2024-05-01", "2024-06-01", spec, index.SensorSentinel2, 70)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("points = %d, want 2 (masked acquisition dropped)", len(points))
	}
	if points[0].Date != "2024-05-05" || points[1].Date != "2024-05-20" {
		t.Fatalf("order = %s, %s", points[0].Date, points[1].Date)
	}
	if points[0].Value != 0.6 || points[1].Value != 0.5 {
		t.Fatalf("values = %v, %v", points[0].Value, points[1].Value)
	}
}

func TestSeriesCapsAcquisitions(t *testing.T) {
	m := imagery.NewMemory()
	for i := 0; i < 40; i++ {
		d := day("2024-05-01").AddDate(0, 0, i%28)
		m.AddScene(index.CollectionSentinel2, d, 10, "T32UPU", 1, 1, map[string][]float64{
			"B8": {0.8}, "B4": {0.2},
		})
	}
	a := NewAdapter(m, zerolog.Nop(), testCfg)
	spec, _ := index.Lookup("ndvi", index.SensorSentinel2)
	bbox := testBBox()
	points, err := a.Series(context.Background(), bbox.Polygon(), bbox, "2024-05-01", "2024-06-01", spec, index.SensorSentinel2, 70)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 30 {
		t.Fatalf("points = %d, want the 30-acquisition cap", len(points))
	}
}

func TestDateWindow(t *testing.T) {
	start, end, err := DateWindow("2024-05-10", 0)
	if err != nil {
		t.Fatal(err)
	}
	if start != "2024-05-07" || end != "2024-05-14" {
		t.Fatalf("window = %s..%s, want 2024-05-07..2024-05-14", start, end)
	}
	start, end, err = WideDateWindow("2024-05-10")
	if err != nil {
		t.Fatal(err)
	}
	if start != "2024-05-03" || end != "2024-05-18" {
		t.Fatalf("wide window = %s..%s", start, end)
	}
	if _, _, err := DateWindow("10/05/2024", 0); !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestRoundSig(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{0.637, 0.64},
		{0.004321, 0.0043},
		{12.34, 12},
		{-0.555, -0.56},
		{0, 0},
	}
	for _, c := range cases {
		if got := RoundSig(c.in, 2); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("RoundSig(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestEmbeddingUsesFirstImage(t *testing.T) {
	m := imagery.NewMemory()
	m.AddScene(index.CollectionEmbedding, day("2024-01-01"), 0, "", 1, 1, map[string][]float64{
		"A16": {0.9}, "A01": {0.3}, "A09": {0.5}, "A04": {0.1}, "A12": {0.2},
	})
	a := NewAdapter(m, zerolog.Nop(), testCfg)
	spec, _ := index.Lookup("ndvi", index.SensorEmbedding)
	bbox := testBBox()
	img, err := a.Composite(context.Background(), bbox.Polygon(), bbox, "2024-01-01", "2025-01-01", spec, index.SensorEmbedding, 30)
	if err != nil {
		t.Fatal(err)
	}
	stats := a.Stats(context.Background(), img, bbox.Polygon(), "ndvi")
	want := (0.9 - 0.3) / (0.9 + 0.3)
	if stats == nil || stats.Mean == nil || math.Abs(*stats.Mean-want) > 1e-9 {
		t.Fatalf("embedding ndvi = %+v, want %v", stats, want)
	}
	if got := m.CallCount("collection/filter"); got != 0 {
		t.Fatalf("embedding path should not cloud-filter, got %d calls", got)
	}
}

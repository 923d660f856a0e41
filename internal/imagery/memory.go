package imagery

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/agrosense/spectral-tiles/internal/core/model"
)

// MemoryClient is a full in-process implementation of Client backed by small
// float grids. Masked pixels are NaN. It exists for local development without
// the imagery service and for tests; every operation also counts its calls so
// tests can assert that a cache hit made no upstream calls.
type MemoryClient struct {
	mu     sync.Mutex
	seq    int
	images map[string]*memImage
	cols   map[string]*memCollection
	scenes map[string][]memScene
	calls  map[string]int
}

type memImage struct {
	w, h  int
	order []string
	bands map[string][]float64
}

type memScene struct {
	img    *memImage
	time   time.Time
	cloud  float64
	tileID string
}

type memCollection struct {
	scenes []memScene
}

func NewMemory() *MemoryClient {
	return &MemoryClient{
		images: map[string]*memImage{},
		cols:   map[string]*memCollection{},
		scenes: map[string][]memScene{},
		calls:  map[string]int{},
	}
}

// AddScene seeds one acquisition into the named collection. Bands must all
// share the same width and height. A band named "SCL" is consulted by Mask.
func (m *MemoryClient) AddScene(collection string, t time.Time, cloudCover float64, tileID string, w, h int, bands map[string][]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img := &memImage{w: w, h: h, bands: map[string][]float64{}}
	names := make([]string, 0, len(bands))
	for name := range bands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		px := bands[name]
		if len(px) != w*h {
			panic(fmt.Sprintf("band %s has %d pixels, want %d", name, len(px), w*h))
		}
		cp := make([]float64, len(px))
		copy(cp, px)
		img.bands[name] = cp
		img.order = append(img.order, name)
	}
	m.scenes[collection] = append(m.scenes[collection], memScene{img: img, time: t.UTC(), cloud: cloudCover, tileID: tileID})
}

// CallCount reports how many times the named operation ran.
func (m *MemoryClient) CallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MemoryClient) track(op string) {
	m.calls[op]++
}

func (m *MemoryClient) newHandle(kind string) string {
	m.seq++
	return kind + "-" + strconv.Itoa(m.seq)
}

func (m *MemoryClient) putImage(img *memImage) Image {
	id := m.newHandle("img")
	m.images[id] = img
	return Image{ID: id}
}

func (m *MemoryClient) putCollection(col *memCollection) Collection {
	id := m.newHandle("col")
	m.cols[id] = col
	return Collection{ID: id}
}

func (m *MemoryClient) image(h Image) (*memImage, error) {
	img, ok := m.images[h.ID]
	if !ok {
		return nil, fmt.Errorf("unknown image handle %q", h.ID)
	}
	return img, nil
}

func (m *MemoryClient) collection(h Collection) (*memCollection, error) {
	col, ok := m.cols[h.ID]
	if !ok {
		return nil, fmt.Errorf("unknown collection handle %q", h.ID)
	}
	return col, nil
}

func (img *memImage) clone() *memImage {
	out := &memImage{w: img.w, h: img.h, bands: map[string][]float64{}, order: append([]string(nil), img.order...)}
	for name, px := range img.bands {
		cp := make([]float64, len(px))
		copy(cp, px)
		out.bands[name] = cp
	}
	return out
}

func (img *memImage) firstBand() string {
	if len(img.order) == 0 {
		return ""
	}
	return img.order[0]
}

func (m *MemoryClient) QueryCollection(ctx context.Context, name string, bounds model.BBox, start, end string) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("collection/query")
	startT, err := time.Parse("2006-01-02", start)
	if err != nil {
		return Collection{}, fmt.Errorf("parse start %q: %w", start, err)
	}
	endT, err := time.Parse("2006-01-02", end)
	if err != nil {
		return Collection{}, fmt.Errorf("parse end %q: %w", end, err)
	}
	col := &memCollection{}
	for _, sc := range m.scenes[name] {
		if sc.time.Before(startT) || !sc.time.Before(endT) {
			continue
		}
		col.scenes = append(col.scenes, sc)
	}
	return m.putCollection(col), nil
}

func (m *MemoryClient) FilterCloud(ctx context.Context, ch Collection, maxCloudPct float64) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("collection/filter")
	col, err := m.collection(ch)
	if err != nil {
		return Collection{}, err
	}
	out := &memCollection{}
	for _, sc := range col.scenes {
		if sc.cloud <= maxCloudPct {
			out.scenes = append(out.scenes, sc)
		}
	}
	return m.putCollection(out), nil
}

func (m *MemoryClient) Mask(ctx context.Context, ch Collection, mask Mask) (Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("collection/mask")
	col, err := m.collection(ch)
	if err != nil {
		return Collection{}, err
	}
	excluded := map[int]bool{}
	for _, c := range mask.ExcludeSCL {
		excluded[c] = true
	}
	out := &memCollection{}
	for _, sc := range col.scenes {
		scl, ok := sc.img.bands["SCL"]
		if !ok {
			out.scenes = append(out.scenes, sc)
			continue
		}
		img := sc.img.clone()
		for i, v := range scl {
			if math.IsNaN(v) || !excluded[int(v)] {
				continue
			}
			for _, px := range img.bands {
				px[i] = math.NaN()
			}
		}
		sc.img = img
		out.scenes = append(out.scenes, sc)
	}
	return m.putCollection(out), nil
}

func (m *MemoryClient) Size(ctx context.Context, ch Collection) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("collection/size")
	col, err := m.collection(ch)
	if err != nil {
		return 0, err
	}
	return len(col.scenes), nil
}

func (m *MemoryClient) Acquisitions(ctx context.Context, ch Collection, limit int) ([]Acquisition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("collection/list")
	col, err := m.collection(ch)
	if err != nil {
		return nil, err
	}
	scenes := append([]memScene(nil), col.scenes...)
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].time.Before(scenes[j].time) })
	if limit > 0 && len(scenes) > limit {
		scenes = scenes[:limit]
	}
	acqs := make([]Acquisition, 0, len(scenes))
	for _, sc := range scenes {
		acqs = append(acqs, Acquisition{
			Image:      m.putImage(sc.img),
			Time:       sc.time,
			CloudCover: sc.cloud,
			TileID:     sc.tileID,
		})
	}
	return acqs, nil
}

func (m *MemoryClient) ReduceToImage(ctx context.Context, ch Collection, r Reducer) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("collection/reduce")
	col, err := m.collection(ch)
	if err != nil {
		return Image{}, err
	}
	if len(col.scenes) == 0 {
		return Image{}, fmt.Errorf("reduce empty collection %q", ch.ID)
	}
	ref := col.scenes[0].img
	out := &memImage{w: ref.w, h: ref.h, bands: map[string][]float64{}, order: append([]string(nil), ref.order...)}
	for _, name := range ref.order {
		n := ref.w * ref.h
		px := make([]float64, n)
		for i := 0; i < n; i++ {
			var vals []float64
			for _, sc := range col.scenes {
				band, ok := sc.img.bands[name]
				if !ok {
					continue
				}
				if v := band[i]; !math.IsNaN(v) {
					vals = append(vals, v)
				}
			}
			px[i] = reducePixel(vals, r)
		}
		out.bands[name] = px
	}
	return m.putImage(out), nil
}

func reducePixel(vals []float64, r Reducer) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	switch r {
	case ReducerFirst:
		return vals[0]
	case ReducerMedian:
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid]
		}
		return (sorted[mid-1] + sorted[mid]) / 2
	default:
		var sum float64
		for _, v := range vals {
			sum += v
		}
		return sum / float64(len(vals))
	}
}

func (m *MemoryClient) SelectBands(ctx context.Context, ih Image, bands []string) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/select")
	img, err := m.image(ih)
	if err != nil {
		return Image{}, err
	}
	out := &memImage{w: img.w, h: img.h, bands: map[string][]float64{}}
	for _, name := range bands {
		px, ok := img.bands[name]
		if !ok {
			return Image{}, fmt.Errorf("image %q has no band %q", ih.ID, name)
		}
		cp := make([]float64, len(px))
		copy(cp, px)
		out.bands[name] = cp
		out.order = append(out.order, name)
	}
	return m.putImage(out), nil
}

func (m *MemoryClient) NormalizedDifference(ctx context.Context, ih Image, a, b, rename string) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/normalized-difference")
	img, err := m.image(ih)
	if err != nil {
		return Image{}, err
	}
	pa, ok := img.bands[a]
	if !ok {
		return Image{}, fmt.Errorf("image %q has no band %q", ih.ID, a)
	}
	pb, ok := img.bands[b]
	if !ok {
		return Image{}, fmt.Errorf("image %q has no band %q", ih.ID, b)
	}
	px := make([]float64, len(pa))
	for i := range pa {
		v := (pa[i] - pb[i]) / (pa[i] + pb[i])
		if math.IsInf(v, 0) {
			v = math.NaN()
		}
		px[i] = v
	}
	return m.putImage(&memImage{w: img.w, h: img.h, order: []string{rename}, bands: map[string][]float64{rename: px}}), nil
}

func (m *MemoryClient) Expression(ctx context.Context, ih Image, formula string, bindings map[string]string, rename string) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/expression")
	img, err := m.image(ih)
	if err != nil {
		return Image{}, err
	}
	node, err := parseExpr(formula)
	if err != nil {
		return Image{}, fmt.Errorf("expression %q: %w", formula, err)
	}
	inputs := map[string][]float64{}
	for name, band := range bindings {
		px, ok := img.bands[band]
		if !ok {
			return Image{}, fmt.Errorf("image %q has no band %q", ih.ID, band)
		}
		inputs[name] = px
	}
	n := img.w * img.h
	px := make([]float64, n)
	vars := map[string]float64{}
	for i := 0; i < n; i++ {
		for name, band := range inputs {
			vars[name] = band[i]
		}
		v, err := node.eval(vars)
		if err != nil {
			return Image{}, fmt.Errorf("expression %q: %w", formula, err)
		}
		if math.IsInf(v, 0) {
			v = math.NaN()
		}
		px[i] = v
	}
	return m.putImage(&memImage{w: img.w, h: img.h, order: []string{rename}, bands: map[string][]float64{rename: px}}), nil
}

func (m *MemoryClient) Clamp(ctx context.Context, ih Image, lo, hi float64) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/clamp")
	return m.mapImage(ih, func(v float64) float64 {
		return math.Min(math.Max(v, lo), hi)
	})
}

// Clip is a no-op in the memory engine: seeded grids already cover exactly
// the region of interest.
func (m *MemoryClient) Clip(ctx context.Context, ih Image, geom orb.Geometry) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/clip")
	img, err := m.image(ih)
	if err != nil {
		return Image{}, err
	}
	return m.putImage(img.clone()), nil
}

func (m *MemoryClient) ReduceRegion(ctx context.Context, ih Image, geom orb.Geometry, r Reducer, scale int) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/reduce-region")
	img, err := m.image(ih)
	if err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for name, px := range img.bands {
		var vals []float64
		for _, v := range px {
			if !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
		if r == ReducerStats {
			mean, min, max, std := statsOf(vals)
			out[name+"_mean"] = mean
			out[name+"_min"] = min
			out[name+"_max"] = max
			out[name+"_stdDev"] = std
			continue
		}
		out[name] = reducePixel(vals, r)
	}
	return out, nil
}

func statsOf(vals []float64) (mean, min, max, std float64) {
	if len(vals) == 0 {
		nan := math.NaN()
		return nan, nan, nan, nan
	}
	min, max = vals[0], vals[0]
	var sum float64
	for _, v := range vals {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean = sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		d := v - mean
		sq += d * d
	}
	std = math.Sqrt(sq / float64(len(vals)))
	return mean, min, max, std
}

func (m *MemoryClient) Lte(ctx context.Context, ih Image, v float64) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/lte")
	return m.mapImage(ih, func(p float64) float64 {
		if p <= v {
			return 1
		}
		return 0
	})
}

func (m *MemoryClient) Gt(ctx context.Context, ih Image, v float64) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/gt")
	return m.mapImage(ih, func(p float64) float64 {
		if p > v {
			return 1
		}
		return 0
	})
}

func (m *MemoryClient) MultiplyConst(ctx context.Context, ih Image, k float64) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/multiply")
	return m.mapImage(ih, func(p float64) float64 { return p * k })
}

func (m *MemoryClient) MaxConst(ctx context.Context, ih Image, v float64) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/max")
	return m.mapImage(ih, func(p float64) float64 { return math.Max(p, v) })
}

func (m *MemoryClient) mapImage(ih Image, fn func(float64) float64) (Image, error) {
	img, err := m.image(ih)
	if err != nil {
		return Image{}, err
	}
	out := img.clone()
	for _, px := range out.bands {
		for i, v := range px {
			if math.IsNaN(v) {
				continue
			}
			px[i] = fn(v)
		}
	}
	return m.putImage(out), nil
}

func (m *MemoryClient) And(ctx context.Context, ah, bh Image) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/and")
	return m.zipImages(ah, bh, func(a, b float64) float64 {
		if a != 0 && b != 0 {
			return 1
		}
		return 0
	})
}

func (m *MemoryClient) Add(ctx context.Context, ah, bh Image) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/add")
	return m.zipImages(ah, bh, func(a, b float64) float64 { return a + b })
}

// zipImages combines the first band of each image pixelwise. The classifier
// only ever builds single-band masks, so first-band semantics suffice.
func (m *MemoryClient) zipImages(ah, bh Image, fn func(a, b float64) float64) (Image, error) {
	a, err := m.image(ah)
	if err != nil {
		return Image{}, err
	}
	b, err := m.image(bh)
	if err != nil {
		return Image{}, err
	}
	if a.w != b.w || a.h != b.h {
		return Image{}, fmt.Errorf("image size mismatch: %dx%d vs %dx%d", a.w, a.h, b.w, b.h)
	}
	name := a.firstBand()
	pa := a.bands[name]
	pb := b.bands[b.firstBand()]
	px := make([]float64, len(pa))
	for i := range pa {
		if math.IsNaN(pa[i]) || math.IsNaN(pb[i]) {
			px[i] = math.NaN()
			continue
		}
		px[i] = fn(pa[i], pb[i])
	}
	return m.putImage(&memImage{w: a.w, h: a.h, order: []string{name}, bands: map[string][]float64{name: px}}), nil
}

func (m *MemoryClient) Visualize(ctx context.Context, ih Image, vis VisParams) (Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/visualize")
	img, err := m.image(ih)
	if err != nil {
		return Image{}, err
	}
	return m.putImage(img.clone()), nil
}

func (m *MemoryClient) TileTemplate(ctx context.Context, ih Image, vis *VisParams) (TileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/tiles")
	if _, err := m.image(ih); err != nil {
		return TileInfo{}, err
	}
	return TileInfo{
		URLTemplate: "memory://tiles/" + ih.ID + "/{z}/{x}/{y}",
		MapID:       ih.ID,
	}, nil
}

func (m *MemoryClient) DownloadURL(ctx context.Context, ih Image, format string, geom orb.Geometry, scale int, crs string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("image/download-url")
	if _, err := m.image(ih); err != nil {
		return "", err
	}
	return "memory://download/" + ih.ID + "." + format, nil
}

func (m *MemoryClient) GeodesicArea(ctx context.Context, geom orb.Geometry) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.track("geometry/area")
	const metersPerDegLat = 111320.0
	c := geom.Bound().Center()
	latScale := math.Cos(c.Lat() * math.Pi / 180)
	deg2 := math.Abs(planar.Area(geom))
	return deg2 * metersPerDegLat * metersPerDegLat * latScale, nil
}

var _ Client = (*MemoryClient)(nil)

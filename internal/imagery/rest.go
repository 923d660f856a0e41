package imagery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/agrosense/spectral-tiles/internal/core/model"
	"github.com/agrosense/spectral-tiles/internal/core/observability"
)

// RESTClient talks to the imagery service's handle-based JSON API. Every
// operation is one POST returning either a new handle or a value payload.
type RESTClient struct {
	base *url.URL
	http *http.Client
}

func NewREST(baseURL string, hc *http.Client) (*RESTClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse imagery url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &RESTClient{base: u, http: hc}, nil
}

func (c *RESTClient) post(ctx context.Context, op string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("imagery %s encode: %w", op, err)
	}

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/" + op

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("imagery %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	observability.ObserveUpstreamLatency(op, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("imagery %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("imagery %s status=%d body=%q", op, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("imagery %s decode: %w", op, err)
	}
	return nil
}

type handleResp struct {
	Handle string `json:"handle"`
}

func (c *RESTClient) QueryCollection(ctx context.Context, name string, bounds model.BBox, start, end string) (Collection, error) {
	var out handleResp
	err := c.post(ctx, "collection/query", map[string]any{
		"collection": name,
		"bounds":     bounds,
		"start":      start,
		"end":        end,
	}, &out)
	if err != nil {
		return Collection{}, err
	}
	return Collection{ID: out.Handle}, nil
}

func (c *RESTClient) FilterCloud(ctx context.Context, col Collection, maxCloudPct float64) (Collection, error) {
	var out handleResp
	err := c.post(ctx, "collection/filter", map[string]any{
		"handle":        col.ID,
		"max_cloud_pct": maxCloudPct,
	}, &out)
	if err != nil {
		return Collection{}, err
	}
	return Collection{ID: out.Handle}, nil
}

func (c *RESTClient) Mask(ctx context.Context, col Collection, mask Mask) (Collection, error) {
	var out handleResp
	err := c.post(ctx, "collection/mask", map[string]any{
		"handle":      col.ID,
		"exclude_scl": mask.ExcludeSCL,
	}, &out)
	if err != nil {
		return Collection{}, err
	}
	return Collection{ID: out.Handle}, nil
}

func (c *RESTClient) Size(ctx context.Context, col Collection) (int, error) {
	var out struct {
		Size int `json:"size"`
	}
	if err := c.post(ctx, "collection/size", map[string]any{"handle": col.ID}, &out); err != nil {
		return 0, err
	}
	return out.Size, nil
}

func (c *RESTClient) Acquisitions(ctx context.Context, col Collection, limit int) ([]Acquisition, error) {
	var out struct {
		Images []struct {
			Handle     string  `json:"handle"`
			TimeMillis int64   `json:"time_millis"`
			CloudCover float64 `json:"cloud_cover"`
			TileID     string  `json:"tile_id"`
		} `json:"images"`
	}
	err := c.post(ctx, "collection/list", map[string]any{"handle": col.ID, "limit": limit}, &out)
	if err != nil {
		return nil, err
	}
	acqs := make([]Acquisition, 0, len(out.Images))
	for _, im := range out.Images {
		acqs = append(acqs, Acquisition{
			Image:      Image{ID: im.Handle},
			Time:       time.UnixMilli(im.TimeMillis).UTC(),
			CloudCover: im.CloudCover,
			TileID:     im.TileID,
		})
	}
	return acqs, nil
}

func (c *RESTClient) ReduceToImage(ctx context.Context, col Collection, r Reducer) (Image, error) {
	var out handleResp
	err := c.post(ctx, "collection/reduce", map[string]any{"handle": col.ID, "reducer": string(r)}, &out)
	if err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) SelectBands(ctx context.Context, img Image, bands []string) (Image, error) {
	var out handleResp
	if err := c.post(ctx, "image/select", map[string]any{"handle": img.ID, "bands": bands}, &out); err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) NormalizedDifference(ctx context.Context, img Image, a, b, rename string) (Image, error) {
	var out handleResp
	err := c.post(ctx, "image/normalized-difference", map[string]any{
		"handle": img.ID, "a": a, "b": b, "rename": rename,
	}, &out)
	if err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) Expression(ctx context.Context, img Image, formula string, bindings map[string]string, rename string) (Image, error) {
	var out handleResp
	err := c.post(ctx, "image/expression", map[string]any{
		"handle": img.ID, "formula": formula, "bindings": bindings, "rename": rename,
	}, &out)
	if err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) Clamp(ctx context.Context, img Image, lo, hi float64) (Image, error) {
	var out handleResp
	if err := c.post(ctx, "image/clamp", map[string]any{"handle": img.ID, "lo": lo, "hi": hi}, &out); err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) Clip(ctx context.Context, img Image, geom orb.Geometry) (Image, error) {
	var out handleResp
	err := c.post(ctx, "image/clip", map[string]any{
		"handle":   img.ID,
		"geometry": geojson.NewGeometry(geom),
	}, &out)
	if err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) ReduceRegion(ctx context.Context, img Image, geom orb.Geometry, r Reducer, scale int) (map[string]float64, error) {
	var out struct {
		Values map[string]float64 `json:"values"`
	}
	err := c.post(ctx, "image/reduce-region", map[string]any{
		"handle":   img.ID,
		"geometry": geojson.NewGeometry(geom),
		"reducer":  string(r),
		"scale":    scale,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Values, nil
}

func (c *RESTClient) Lte(ctx context.Context, img Image, v float64) (Image, error) {
	return c.pixelOp(ctx, "lte", img, v)
}

func (c *RESTClient) Gt(ctx context.Context, img Image, v float64) (Image, error) {
	return c.pixelOp(ctx, "gt", img, v)
}

func (c *RESTClient) MultiplyConst(ctx context.Context, img Image, k float64) (Image, error) {
	return c.pixelOp(ctx, "multiply", img, k)
}

func (c *RESTClient) MaxConst(ctx context.Context, img Image, v float64) (Image, error) {
	return c.pixelOp(ctx, "max", img, v)
}

func (c *RESTClient) pixelOp(ctx context.Context, op string, img Image, v float64) (Image, error) {
	var out handleResp
	if err := c.post(ctx, "image/"+op, map[string]any{"handle": img.ID, "value": v}, &out); err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) And(ctx context.Context, a, b Image) (Image, error) {
	var out handleResp
	if err := c.post(ctx, "image/and", map[string]any{"a": a.ID, "b": b.ID}, &out); err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) Add(ctx context.Context, a, b Image) (Image, error) {
	var out handleResp
	if err := c.post(ctx, "image/add", map[string]any{"a": a.ID, "b": b.ID}, &out); err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) Visualize(ctx context.Context, img Image, vis VisParams) (Image, error) {
	var out handleResp
	err := c.post(ctx, "image/visualize", map[string]any{
		"handle": img.ID, "min": vis.Min, "max": vis.Max, "palette": vis.Palette,
	}, &out)
	if err != nil {
		return Image{}, err
	}
	return Image{ID: out.Handle}, nil
}

func (c *RESTClient) TileTemplate(ctx context.Context, img Image, vis *VisParams) (TileInfo, error) {
	body := map[string]any{"handle": img.ID}
	if vis != nil {
		body["min"] = vis.Min
		body["max"] = vis.Max
		body["palette"] = vis.Palette
	}
	var out TileInfo
	if err := c.post(ctx, "image/tiles", body, &out); err != nil {
		return TileInfo{}, err
	}
	return out, nil
}

func (c *RESTClient) DownloadURL(ctx context.Context, img Image, format string, geom orb.Geometry, scale int, crs string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	err := c.post(ctx, "image/download-url", map[string]any{
		"handle":   img.ID,
		"format":   format,
		"geometry": geojson.NewGeometry(geom),
		"scale":    scale,
		"crs":      crs,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.URL, nil
}

func (c *RESTClient) GeodesicArea(ctx context.Context, geom orb.Geometry) (float64, error) {
	var out struct {
		AreaM2 float64 `json:"area_m2"`
	}
	err := c.post(ctx, "geometry/area", map[string]any{
		"geometry": geojson.NewGeometry(geom),
	}, &out)
	if err != nil {
		return 0, err
	}
	return out.AreaM2, nil
}

var _ Client = (*RESTClient)(nil)

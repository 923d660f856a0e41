package pipeline

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/agrosense/spectral-tiles/internal/core/apperr"
	"github.com/agrosense/spectral-tiles/internal/core/model"
)

// exportCSV runs the series path and writes date,value rows.
func (p *Pipeline) exportCSV(ctx context.Context, req model.ComputeRequest) (*model.ComputeResponse, error) {
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

	path := p.outputPath(spec.Name, start, end, "csv")
	if err := writeCSV(path, points); err != nil {
		return nil, apperr.Internal(err)
	}
	p.recordAsset(ctx, "export:"+filepath.Base(path), spec.Name, sensor, start, bbox, nil)

	return &model.ComputeResponse{
		Mode:       model.ModeExport,
		Index:      req.Index,
		ROI:        geometryJSON(geom),
		Bounds:     boundsOf(bbox),
		Series:     points,
		Summary:    seriesSummary(points, "", cloud),
		SavedFiles: map[string]string{"csv": path},
	}, nil
}

// exportRaster composites the index band and streams the upstream download
// into the output directory.
func (p *Pipeline) exportRaster(ctx context.Context, req model.ComputeRequest, format string) (*model.ComputeResponse, error) {
	if p.downloader == nil {
		return nil, apperr.Validation("raster export is not enabled")
	}
	start, end, err := p.window(req)
	if err != nil {
		return nil, err
	}
	geom, bbox, sensor, spec, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	cloud := cloudOr(req, p.cfg.DefaultCloudHeatmap)

	band, err := p.compute.Composite(ctx, geom, bbox, start, end, spec, sensor, cloud)
	if err != nil {
		return nil, err
	}
	url, err := p.img.DownloadURL(ctx, band, format, geom, p.cfg.ExportScale, "EPSG:4326")
	if err != nil {
		return nil, apperr.Upstream(err, "download")
	}

	ext := "tif"
	if format == "png" {
		ext = "png"
	}
	path := p.outputPath(spec.Name, start, end, ext)
	if err := p.fetchTo(ctx, url, path); err != nil {
		return nil, apperr.Upstream(err, "download")
	}
	p.recordAsset(ctx, "export:"+filepath.Base(path), spec.Name, sensor, start, bbox, nil)

	return &model.ComputeResponse{
		Mode:       model.ModeExport,
		Index:      req.Index,
		ROI:        geometryJSON(geom),
		Bounds:     boundsOf(bbox),
		SavedFiles: map[string]string{format: path},
	}, nil
}

func (p *Pipeline) outputPath(indexName, start, end, ext string) string {
	name := fmt.Sprintf("%s_%s_%s_%d.%s", indexName, start, end, time.Now().Unix(), ext)
	return filepath.Join(p.cfg.OutputDir, name)
}

func (p *Pipeline) fetchTo(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.downloader.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeCSV(path string, points []model.SeriesPoint) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"date", "value"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, pt := range points {
		if err := w.Write([]string{pt.Date, strconv.FormatFloat(pt.Value, 'f', -1, 64)}); err != nil {
			return fmt.Errorf("write row %s: %w", pt.Date, err)
		}
	}
	w.Flush()
	return w.Error()
}

// Package viz renders a computed index band into an image the tile service
// can serve. Index layers get their palette baked in; true-color layers stay
// raw and carry the min/max stretch as tile parameters instead.
package viz

import (
	"context"

	"github.com/agrosense/spectral-tiles/internal/core/apperr"
	"github.com/agrosense/spectral-tiles/internal/core/model"
	"github.com/agrosense/spectral-tiles/internal/imagery"
	"github.com/agrosense/spectral-tiles/internal/index"
)

type Builder struct {
	img imagery.Client
}

func NewBuilder(img imagery.Client) *Builder {
	return &Builder{img: img}
}

// Build bakes the spec's visualization into the image. Discrete specs are
// first classified into integer buckets so each palette color maps to one
// value range; continuous specs stretch min..max directly. Baked=true means
// the tile request must carry no visualization parameters of its own.
// True-color images skip baking: the multi-band image is returned as-is with
// Baked=false, and the tile request applies the raw min/max stretch.
func (b *Builder) Build(ctx context.Context, img imagery.Image, spec index.Spec) (imagery.Image, model.VisParams, error) {
	legend := model.VisParams{
		Baked:   true,
		Min:     spec.Vis.Min,
		Max:     spec.Vis.Max,
		Palette: spec.Vis.Palette,
	}

	if spec.Kind == index.KindTrueColor {
		legend.Baked = false
		legend.Palette = nil
		return img, legend, nil
	}

	if spec.Vis.Discrete && len(spec.Vis.Breaks) > 0 {
		classified, err := b.classify(ctx, img, spec.Vis.Breaks)
		if err != nil {
			return imagery.Image{}, model.VisParams{}, err
		}
		palette := FitPalette(spec.Vis.Palette, len(spec.Vis.Breaks)+1)
		baked, err := b.img.Visualize(ctx, classified, imagery.VisParams{
			Min:     0,
			Max:     float64(len(spec.Vis.Breaks)),
			Palette: palette,
		})
		if err != nil {
			return imagery.Image{}, model.VisParams{}, apperr.Upstream(err, "visualize")
		}
		legend.Palette = palette
		return baked, legend, nil
	}

	baked, err := b.img.Visualize(ctx, img, imagery.VisParams{
		Min:     spec.Vis.Min,
		Max:     spec.Vis.Max,
		Palette: spec.Vis.Palette,
	})
	if err != nil {
		return imagery.Image{}, model.VisParams{}, apperr.Upstream(err, "visualize")
	}
	return baked, legend, nil
}

// classify maps values into bucket indices 0..len(breaks): bucket 0 holds
// values at or below the first break, bucket i holds (breaks[i-1], breaks[i]],
// and the last bucket holds everything above the final break. The result is
// the sum of interval masks scaled by their bucket index; bucket 0
// contributes nothing and needs no mask.
func (b *Builder) classify(ctx context.Context, img imagery.Image, breaks []float64) (imagery.Image, error) {
	sum, err := b.img.MultiplyConst(ctx, img, 0)
	if err != nil {
		return imagery.Image{}, apperr.Upstream(err, "classify")
	}
	for i := 1; i <= len(breaks); i++ {
		var mask imagery.Image
		if i < len(breaks) {
			lo, errLo := b.img.Gt(ctx, img, breaks[i-1])
			if errLo != nil {
				return imagery.Image{}, apperr.Upstream(errLo, "classify")
			}
			hi, errHi := b.img.Lte(ctx, img, breaks[i])
			if errHi != nil {
				return imagery.Image{}, apperr.Upstream(errHi, "classify")
			}
			if mask, err = b.img.And(ctx, lo, hi); err != nil {
				return imagery.Image{}, apperr.Upstream(err, "classify")
			}
		} else {
			if mask, err = b.img.Gt(ctx, img, breaks[i-1]); err != nil {
				return imagery.Image{}, apperr.Upstream(err, "classify")
			}
		}
		scaled, err := b.img.MultiplyConst(ctx, mask, float64(i))
		if err != nil {
			return imagery.Image{}, apperr.Upstream(err, "classify")
		}
		if sum, err = b.img.Add(ctx, sum, scaled); err != nil {
			return imagery.Image{}, apperr.Upstream(err, "classify")
		}
	}
	return sum, nil
}

// FitPalette pads a palette with its last color or truncates it so exactly n
// colors remain.
func FitPalette(palette []string, n int) []string {
	if len(palette) == 0 || n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	out = append(out, palette...)
	if len(out) > n {
		return out[:n]
	}
	for len(out) < n {
		out = append(out, palette[len(palette)-1])
	}
	return out
}

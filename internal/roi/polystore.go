// Package roi resolves a compute request into a concrete geometry and
// bounding box, and splits uploaded feature collections into per-parcel
// records.
package roi

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/paulmach/orb/geojson"
)

// PolygonStore loads previously uploaded parcel boundaries by id. Uploads
// are stored as one GeoJSON feature collection per file under a single
// directory, named <id>.geojson.
type PolygonStore struct {
	dir string
}

var polygonIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func NewPolygonStore(dir string) *PolygonStore {
	return &PolygonStore{dir: dir}
}

// Load returns the stored feature collection, or (nil, nil) when no record
// exists for the id.
func (s *PolygonStore) Load(id string) (*geojson.FeatureCollection, error) {
	if !polygonIDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid polygon id %q", id)
	}
	raw, err := os.ReadFile(filepath.Join(s.dir, id+".geojson"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read polygon %s: %w", id, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(raw)
	if err != nil {
		return nil, fmt.Errorf("decode polygon %s: %w", id, err)
	}
	return fc, nil
}

// Save persists a feature collection under the id, overwriting any previous
// upload with the same id.
func (s *PolygonStore) Save(id string, fc *geojson.FeatureCollection) error {
	if !polygonIDPattern.MatchString(id) {
		return fmt.Errorf("invalid polygon id %q", id)
	}
	raw, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode polygon %s: %w", id, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("polygon dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, id+".geojson"), raw, 0o644); err != nil {
		return fmt.Errorf("write polygon %s: %w", id, err)
	}
	return nil
}

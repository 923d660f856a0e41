package index

import (
	"sort"
	"testing"
)

func TestLookupKnown(t *testing.T) {
	spec, known := Lookup("ndvi", SensorSentinel2)
	if !known {
		t.Fatal("ndvi not known")
	}
	if spec.Kind != KindNormalizedDiff || spec.NDBandA != "B8" || spec.NDBandB != "B4" {
		t.Fatalf("ndvi spec = %+v", spec)
	}
	if !spec.Vis.Discrete || len(spec.Vis.Breaks) != 6 || len(spec.Vis.Palette) != 7 {
		t.Fatalf("ndvi vis = %+v", spec.Vis)
	}
}

func TestLookupUnknownFallsBackToTrueColor(t *testing.T) {
	spec, known := Lookup("no_such_index", SensorSentinel2)
	if known {
		t.Fatal("unknown index reported as known")
	}
	if spec.Kind != KindTrueColor {
		t.Fatalf("fallback kind = %v, want true color", spec.Kind)
	}
	if got := spec.Bands; len(got) != 3 || got[0] != "B4" {
		t.Fatalf("fallback bands = %v", got)
	}
}

func TestEmbeddingFamilyBands(t *testing.T) {
	spec, known := Lookup("ndvi", SensorEmbedding)
	if !known {
		t.Fatal("embedding ndvi not known")
	}
	if spec.NDBandA != "A16" || spec.NDBandB != "A01" {
		t.Fatalf("embedding ndvi bands = %s,%s", spec.NDBandA, spec.NDBandB)
	}
	rgb, _ := Lookup("rgb", SensorEmbedding)
	if rgb.Vis.Max != 1 {
		t.Fatalf("embedding rgb max = %v, want 1", rgb.Vis.Max)
	}
}

func TestClampsAndFloors(t *testing.T) {
	ndmi, _ := Lookup("ndmi", SensorSentinel2)
	if ndmi.Clamp == nil || ndmi.Clamp.Lo != -0.6 || ndmi.Clamp.Hi != 0.6 {
		t.Fatalf("ndmi clamp = %+v", ndmi.Clamp)
	}
	lai, _ := Lookup("lai", SensorSentinel2)
	if lai.Floor == nil || *lai.Floor != 0 {
		t.Fatalf("lai floor = %v", lai.Floor)
	}
	if lai.Clamp != nil {
		t.Fatal("lai should have no upper clamp")
	}
}

func TestDiscreteSpecsPaletteCoversBuckets(t *testing.T) {
	for _, sensor := range []string{SensorSentinel2, SensorEmbedding} {
		ids := IDs(sensor)
		sort.Strings(ids)
		for _, id := range ids {
			spec, _ := Lookup(id, sensor)
			if !spec.Vis.Discrete {
				continue
			}
			if len(spec.Vis.Breaks) == 0 {
				t.Errorf("%s/%s: discrete without breaks", sensor, id)
			}
		}
	}
}

func TestCollection(t *testing.T) {
	if Collection(SensorSentinel2) != CollectionSentinel2 {
		t.Fatal("wrong sentinel2 collection")
	}
	if Collection(SensorEmbedding) != CollectionEmbedding {
		t.Fatal("wrong embedding collection")
	}
	if Collection("") != CollectionSentinel2 {
		t.Fatal("empty sensor should default to sentinel2")
	}
}

package tilecache

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/agrosense/spectral-tiles/internal/cache/redisstore"
	"github.com/agrosense/spectral-tiles/internal/core/model"
)

func testKey() Key {
	return Key{
		Index:    "ndvi",
		Sensor:   "sentinel2",
		Start:    "2024-01-01",
		End:      "2024-02-01",
		CloudPct: 30,
		BBox:     model.BBox{West: -70.01, South: -33.01, East: -69.99, North: -32.99},
	}
}

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	c, err := New(store, 16, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c, mr
}

func TestKeyDeterministicAndSensitive(t *testing.T) {
	a, b := testKey(), testKey()
	if a.String() != b.String() {
		t.Fatal("identical params produced different keys")
	}
	b.CloudPct = 70
	if a.String() == b.String() {
		t.Fatal("cloud change did not change the key")
	}
	c := testKey()
	c.BBox.East += 0.0001
	if a.String() == c.String() {
		t.Fatal("bbox change did not change the key")
	}
	if !strings.HasPrefix(a.String(), IndexPrefix("ndvi")) {
		t.Fatalf("key %q does not carry its index prefix", a.String())
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	entry := Entry{
		TileURL: "https://tiles.example/abc/{z}/{x}/{y}",
		MapID:   "abc",
		Vis:     model.VisParams{Baked: true, Min: 0, Max: 6, Palette: []string{"#8B0000", "#238B45"}},
	}
	c.Put(ctx, testKey(), entry)

	got, ok := c.Get(ctx, testKey())
	if !ok {
		t.Fatal("miss after put")
	}
	if got.TileURL != entry.TileURL || got.MapID != entry.MapID || !got.Vis.Baked {
		t.Fatalf("entry = %+v", got)
	}
}

func TestMissOnUnknownKey(t *testing.T) {
	c, _ := newTestCache(t)
	if _, ok := c.Get(context.Background(), testKey()); ok {
		t.Fatal("hit on empty cache")
	}
}

func TestLocalTierServesWithoutRedis(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	c.Put(ctx, testKey(), Entry{TileURL: "u", MapID: "m"})
	mr.FlushAll()

	if _, ok := c.Get(ctx, testKey()); !ok {
		t.Fatal("local tier should still hold the entry")
	}
}

func TestCorruptEntryIsAMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	if err := mr.Set(testKey().String(), "{not json"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, testKey()); ok {
		t.Fatal("corrupt entry served as a hit")
	}
}

func TestPurgeIndexRemovesOnlyThatIndex(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ndvi := testKey()
	ndwi := testKey()
	ndwi.Index = "ndwi"
	c.Put(ctx, ndvi, Entry{TileURL: "a"})
	c.Put(ctx, ndwi, Entry{TileURL: "b"})

	n, err := c.PurgeIndex(ctx, "ndvi")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("purged %d keys, want 1", n)
	}
	if _, ok := c.Get(ctx, ndvi); ok {
		t.Fatal("ndvi entry survived purge")
	}
	if _, ok := c.Get(ctx, ndwi); !ok {
		t.Fatal("ndwi entry should survive an ndvi purge")
	}
}

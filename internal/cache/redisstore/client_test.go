package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestGetAbsentReturnsNilNil(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	val, err := c.Get(context.Background(), "missing")
	if err != nil || val != nil {
		t.Fatalf("get absent = %v, %v", val, err)
	}
}

func TestRoundTripWithOpTimeout(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), mr.Addr(), WithOpTimeout(time.Second))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	if err := c.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, err := c.Get(ctx, "k")
	if err != nil || string(val) != "v" {
		t.Fatalf("get = %q, %v", val, err)
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if val, _ := c.Get(ctx, "k"); val != nil {
		t.Fatalf("deleted key still present: %q", val)
	}
}

func TestOpTimeoutBoundsCommands(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), mr.Addr(), WithOpTimeout(time.Nanosecond))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if _, err := c.Get(context.Background(), "k"); err == nil {
		t.Fatal("get under an expired op deadline succeeded")
	}
}

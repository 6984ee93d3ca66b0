package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryProviderExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMemoryProvider()
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("expected hit, got %q %v", got, err)
	}
	if ok, _ := c.SetNX(ctx, "k", []byte("other"), 0); ok {
		t.Fatalf("SetNX must not overwrite a live key")
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after expiry, got %v", err)
	}
	if ok, _ := c.SetNX(ctx, "k", []byte("fresh"), 0); !ok {
		t.Fatalf("SetNX must claim an expired key")
	}
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected miss after delete")
	}
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProvider()
	type report struct {
		Total int `json:"total"`
	}
	if err := SetJSON(ctx, c, "stats", report{Total: 7}, 0); err != nil {
		t.Fatalf("set json: %v", err)
	}
	var out report
	if err := GetJSON(ctx, c, "stats", &out); err != nil {
		t.Fatalf("get json: %v", err)
	}
	if out.Total != 7 {
		t.Fatalf("unexpected decoded value %+v", out)
	}

	if err := GetJSON(ctx, NoopProvider{}, "stats", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("noop provider must always miss")
	}
	if err := GetJSON(ctx, nil, "stats", &out); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("nil provider must miss")
	}

	_ = c.Set(ctx, "broken", []byte("{"), 0)
	if err := GetJSON(ctx, c, "broken", &out); err == nil || errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestNewRedisProviderRequiresAddr(t *testing.T) {
	if _, err := NewRedisProvider(RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

package main

import (
	"context"
	"testing"
	"time"

	"github.com/castwave/castwave/internal/cache"
)

func TestModelCheck_NilModelFails(t *testing.T) {
	check := modelCheck(nil)
	if err := check(context.Background()); err == nil {
		t.Fatal("expected error for a missing model, got nil")
	}
}

func TestCacheCheck(t *testing.T) {
	if err := cacheCheck(nil)(context.Background()); err == nil {
		t.Fatal("expected error for a nil cache, got nil")
	}
	c := cache.New(10, time.Hour)
	if err := cacheCheck(c)(context.Background()); err != nil {
		t.Fatalf("live cache reported unready: %v", err)
	}
}

func TestWritableCheck(t *testing.T) {
	if err := writableCheck(t.TempDir())(context.Background()); err != nil {
		t.Fatalf("writable dir reported unready: %v", err)
	}
	if err := writableCheck("/proc/definitely-not-writable")(context.Background()); err == nil {
		t.Fatal("expected error for an unwritable dir, got nil")
	}
}

package main

import (
	"strings"
	"testing"
)

func TestRun_ReturnsStartupFailures(t *testing.T) {
	t.Setenv("APP_ENV", "")
	if err := run(); err == nil || !strings.Contains(err.Error(), "config load") {
		t.Fatalf("expected config error, got %v", err)
	}

	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "3999")
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("REDIS_URL", "redis://127.0.0.1:1/0")
	if err := run(); err == nil || !strings.Contains(err.Error(), "redis init") {
		t.Fatalf("expected redis init error, got %v", err)
	}
}

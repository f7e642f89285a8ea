package utils

import (
	"context"
	"testing"
	"time"
)

func TestRedisOptions_Defaults(t *testing.T) {
	opts, err := RedisConfig{Addr: "localhost:6379", PoolSize: 5}.Options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.PoolSize != 5 {
		t.Fatalf("explicit pool size overwritten: %d", opts.PoolSize)
	}
	if opts.DialTimeout != 3*time.Second || opts.ReadTimeout != 2*time.Second || opts.PoolTimeout != 4*time.Second {
		t.Fatalf("unexpected timeouts: dial=%s read=%s pool=%s", opts.DialTimeout, opts.ReadTimeout, opts.PoolTimeout)
	}
}

func TestRedisOptions_URLWins(t *testing.T) {
	opts, err := RedisConfig{URL: "redis://:secret@cache.internal:6380/2", Addr: "ignored:1"}.Options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "cache.internal:6380" || opts.Password != "secret" || opts.DB != 2 {
		t.Fatalf("unexpected options: addr=%s db=%d", opts.Addr, opts.DB)
	}
	if _, err := (RedisConfig{URL: "http://nope"}).Options(); err == nil {
		t.Fatalf("expected error for non-redis url")
	}
}

func TestOpenRedis_RequiresHost(t *testing.T) {
	for _, addr := range []string{"", ":6379"} {
		if _, err := OpenRedis(context.Background(), RedisConfig{Addr: addr}); err == nil {
			t.Fatalf("%q: expected error", addr)
		}
	}
}

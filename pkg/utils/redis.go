package utils

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the connection behind the shared status cache.
// URL (redis:// or rediss://) takes precedence over Addr, Password and DB.
type RedisConfig struct {
	URL      string
	Addr     string
	Password string
	DB       int

	DialTimeout time.Duration
	// IOTimeout bounds both reads and writes.
	IOTimeout   time.Duration
	PoolSize    int
	PingTimeout time.Duration
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Options resolves the config into client options with conservative defaults.
func (c RedisConfig) Options() (*redis.Options, error) {
	var opts *redis.Options
	switch {
	case c.URL != "":
		o, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		opts = o
	case c.Addr == "" || strings.HasPrefix(c.Addr, ":"):
		return nil, fmt.Errorf("redis addr is required, got %q", c.Addr)
	default:
		opts = &redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB}
	}

	io := orDefault(c.IOTimeout, 2*time.Second)
	opts.DialTimeout = orDefault(c.DialTimeout, 3*time.Second)
	opts.ReadTimeout = io
	opts.WriteTimeout = io
	opts.PoolTimeout = 2 * io
	opts.ConnMaxIdleTime = 5 * time.Minute
	if c.PoolSize > 0 {
		opts.PoolSize = c.PoolSize
	} else if opts.PoolSize <= 0 {
		opts.PoolSize = 20
	}
	return opts, nil
}

// OpenRedis connects and checks the server answers PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, orDefault(cfg.PingTimeout, 2*time.Second))
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

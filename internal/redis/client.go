package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options tunes the pooled client. Zero values fall back to defaults.
type Options struct {
	Addr         string
	Username     string
	Password     string
	DialTimeout  time.Duration
	CallTimeout  time.Duration
	PoolSize     int
	MinIdleConns int
}

func NewRedisClient(opts Options) (*redis.Client, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 2 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 20
	}
	if opts.MinIdleConns <= 0 {
		opts.MinIdleConns = 1
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           0,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.CallTimeout,
		WriteTimeout: opts.CallTimeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, nil
}

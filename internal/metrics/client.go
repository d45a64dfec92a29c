package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Timeout applies to dialing, each command and the initial ping. Zero means 2s.
	Timeout time.Duration
}

// Connect opens a client for the metrics recorder and fails if the server
// does not answer a ping.
func Connect(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

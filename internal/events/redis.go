package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultMaxLen trims the stream with XADD MAXLEN ~.
const DefaultMaxLen int64 = 10000

// XAdder is the slice of the go-redis client the stream sink needs.
type XAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends events to a Redis stream.
type RedisStream struct {
	client XAdder
	stream string
	maxLen int64
}

// RedisOptions holds connection parameters.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	o := &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}
	if opts.TLS {
		o.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	rdb := redis.NewClient(o)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// NewRedisStream writes to stream through client. A non-positive maxLen uses
// DefaultMaxLen.
func NewRedisStream(client XAdder, stream string, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.ID, err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"id":      e.ID,
			"kind":    string(e.Kind),
			"payload": payload,
		},
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: xadd %s: %w", r.stream, err)
	}
	return nil
}

// Package redis is the gateway's optional shared cache. A nil *Client stands
// for "redis not configured": every method is safe to call on it and reports
// ErrNotConfigured, so callers can treat the cache as best effort.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"unichat/internal/config"

	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 6379
	pingTimeout = 3 * time.Second
)

var (
	// ErrCacheMiss is returned by Get and GetJSON for absent keys.
	ErrCacheMiss = goredis.Nil
	// ErrNotConfigured is returned by every method of a nil Client.
	ErrNotConfigured = errors.New("redis not configured")
)

type Client struct {
	inner *goredis.Client
}

// NewRedisClient returns nil, nil when cfg has no redis host.
func NewRedisClient(cfg *config.Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if !cfg.Redis.Enabled() {
		return nil, nil
	}
	return Dial(cfg.Redis)
}

// Dial connects to rc and pings it.
func Dial(rc config.RedisConfig) (*Client, error) {
	opts := &goredis.Options{
		Addr:     address(rc),
		Username: rc.Username,
		Password: rc.Password,
		DB:       rc.DB,
	}
	inner := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := inner.Ping(ctx).Err(); err != nil {
		inner.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return &Client{inner: inner}, nil
}

func address(rc config.RedisConfig) string {
	host, port := rc.Host, rc.Port
	if host == "" {
		host = defaultHost
	}
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func (c *Client) conn() (*goredis.Client, error) {
	if c == nil || c.inner == nil {
		return nil, ErrNotConfigured
	}
	return c.inner, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	rc, err := c.conn()
	if err != nil {
		return err
	}
	return rc.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	rc, err := c.conn()
	if err != nil {
		return "", err
	}
	return rc.Get(ctx, key).Result()
}

// SetJSON stores v encoded as JSON.
func (c *Client) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// GetJSON decodes the value at key into v.
func (c *Client) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// Del removes keys; deleting nothing is not an error.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	rc, err := c.conn()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return rc.Del(ctx, keys...).Err()
}

func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	rc, err := c.conn()
	if err != nil {
		return err
	}
	return rc.Publish(ctx, channel, payload).Err()
}

// Subscribe listens on channel. The caller owns the returned PubSub.
func (c *Client) Subscribe(ctx context.Context, channel string) (*goredis.PubSub, error) {
	rc, err := c.conn()
	if err != nil {
		return nil, err
	}
	return rc.Subscribe(ctx, channel), nil
}

func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// Raw exposes the go-redis client, or nil.
func (c *Client) Raw() *goredis.Client {
	if c == nil {
		return nil
	}
	return c.inner
}

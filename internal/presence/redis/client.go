package redis

import (
	"context"
	"fmt"

	"github.com/dabubble/internal/presence"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// SetOnline ставит ключ presence:{uid} с TTL. Продлевается heartbeat'ами.
func (c *Client) SetOnline(ctx context.Context, uid string) error {
	return c.cli.Set(ctx, "presence:"+uid, "1", presence.TTL).Err()
}

func (c *Client) Heartbeat(ctx context.Context, uid string) error {
	return c.cli.Expire(ctx, "presence:"+uid, presence.TTL).Err()
}

func (c *Client) SetOffline(ctx context.Context, uid string) error {
	return c.cli.Del(ctx, "presence:"+uid).Err()
}

func (c *Client) IsOnline(ctx context.Context, uid string) (bool, error) {
	n, err := c.cli.Exists(ctx, "presence:"+uid).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dabubble/internal/presence"
)

type Client struct {
	mu  sync.RWMutex
	exp map[string]time.Time
}

func New() *Client {
	return &Client{exp: make(map[string]time.Time)}
}

func (c *Client) Close() error { return nil }

func (c *Client) SetOnline(ctx context.Context, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exp[uid] = time.Now().Add(presence.TTL)
	return nil
}

func (c *Client) Heartbeat(ctx context.Context, uid string) error {
	return c.SetOnline(ctx, uid)
}

func (c *Client) SetOffline(ctx context.Context, uid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.exp, uid)
	return nil
}

func (c *Client) IsOnline(ctx context.Context, uid string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.exp[uid]
	return ok && time.Now().Before(t), nil
}

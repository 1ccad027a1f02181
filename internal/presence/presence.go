package presence

import (
	"context"
	"time"
)

// TTL — время жизни отметки присутствия. Сокеты шлют heartbeat чаще, поэтому
// ключ живого клиента не истекает; упавший клиент пропадает сам.
const TTL = 60 * time.Second

// Store — хранилище онлайн-статусов пользователей.
// Реализации: redis.Client, memory.Client (для -dev без Redis).
type Store interface {
	SetOnline(ctx context.Context, uid string) error
	Heartbeat(ctx context.Context, uid string) error
	SetOffline(ctx context.Context, uid string) error
	IsOnline(ctx context.Context, uid string) (bool, error)
	Close() error
}

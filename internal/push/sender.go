// Package push хранит Web Push подписки в документном сторе и отправляет
// уведомления через VAPID.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/dabubble/internal/docstore"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/model"
)

// Не больше подписок на пользователя (телефон, ноутбук, пара браузеров).
const maxSubsPerUser = 10

// Subscription — подписка из браузера.
type Subscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// userSubs — документ подписок одного пользователя (id документа = uid).
type userSubs struct {
	UID  string         `json:"uid"`
	Subs []Subscription `json:"subs"`
}

// Sender отправляет Web Push. При nil VAPID-ключах подписки сохраняются,
// отправка не выполняется.
type Sender struct {
	store docstore.Store
	vapid *webpush.Options
}

func NewSender(store docstore.Store, keys *VAPIDKeys) *Sender {
	s := &Sender{store: store}
	if keys != nil && keys.PublicKey != "" && keys.PrivateKey != "" {
		s.vapid = &webpush.Options{
			Subscriber:      "dabubble-push",
			VAPIDPublicKey:  keys.PublicKey,
			VAPIDPrivateKey: keys.PrivateKey,
			TTL:             30,
		}
	}
	return s
}

// Enabled сообщает, настроена ли отправка (VAPID-ключи заданы).
func (s *Sender) Enabled() bool { return s.vapid != nil }

// Subscribe сохраняет подписку пользователя. Повторная подписка того же
// endpoint заменяет старую запись.
func (s *Sender) Subscribe(ctx context.Context, uid string, sub Subscription) error {
	defer logger.DeferLogDuration("push.Subscribe", time.Now())()
	if uid == "" || sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return fmt.Errorf("push.Subscribe: uid and subscription (endpoint, keys) required")
	}
	us, err := s.load(ctx, uid)
	if err != nil {
		return fmt.Errorf("push.Subscribe: %w", err)
	}
	kept := make([]Subscription, 0, len(us.Subs)+1)
	for _, old := range us.Subs {
		if old.Endpoint != sub.Endpoint {
			kept = append(kept, old)
		}
	}
	kept = append(kept, sub)
	if len(kept) > maxSubsPerUser {
		kept = kept[len(kept)-maxSubsPerUser:]
	}
	return s.save(ctx, uid, kept)
}

// Unsubscribe удаляет подписку по endpoint.
func (s *Sender) Unsubscribe(ctx context.Context, uid, endpoint string) error {
	defer logger.DeferLogDuration("push.Unsubscribe", time.Now())()
	us, err := s.load(ctx, uid)
	if err != nil {
		return fmt.Errorf("push.Unsubscribe: %w", err)
	}
	kept := make([]Subscription, 0, len(us.Subs))
	for _, old := range us.Subs {
		if old.Endpoint != endpoint {
			kept = append(kept, old)
		}
	}
	if len(kept) == len(us.Subs) {
		return nil
	}
	return s.save(ctx, uid, kept)
}

// Notify отправляет пуш на все подписки пользователя. Протухшие подписки
// (410/404 от push-сервиса) вычищаются по ходу. Ошибки отправки логируются,
// не возвращаются: пуш — best effort.
func (s *Sender) Notify(ctx context.Context, uid, title, body string, data map[string]string) {
	if s.vapid == nil {
		return
	}
	defer logger.DeferLogDuration("push.Notify", time.Now())()
	us, err := s.load(ctx, uid)
	if err != nil {
		logger.Errorf("push notify load subs: %v", err)
		return
	}
	if len(us.Subs) == 0 {
		return
	}
	payload, _ := json.Marshal(map[string]any{"title": title, "body": body, "data": data})

	var dead []string
	for i := range us.Subs {
		sub := &us.Subs[i]
		wpSub := &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
		}
		resp, err := webpush.SendNotificationWithContext(ctx, payload, wpSub, s.vapid)
		if err != nil {
			logger.Errorf("push send %s: %v", sub.Endpoint[:min(50, len(sub.Endpoint))], err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == 410 || resp.StatusCode == 404 {
			dead = append(dead, sub.Endpoint)
		}
	}
	if len(dead) == 0 {
		return
	}
	kept := make([]Subscription, 0, len(us.Subs))
	for _, sub := range us.Subs {
		gone := false
		for _, ep := range dead {
			if sub.Endpoint == ep {
				gone = true
				break
			}
		}
		if !gone {
			kept = append(kept, sub)
		}
	}
	if err := s.save(ctx, uid, kept); err != nil {
		logger.Errorf("push notify cleanup: %v", err)
	}
}

func (s *Sender) load(ctx context.Context, uid string) (userSubs, error) {
	us := userSubs{UID: uid}
	snap, err := s.store.GetOnce(ctx, model.CollectionPushSubs, uid)
	if err != nil {
		return us, err
	}
	if !snap.Exists {
		return us, nil
	}
	if err := json.Unmarshal(snap.Doc.Data, &us); err != nil {
		return userSubs{UID: uid}, nil // битый документ перезапишем
	}
	return us, nil
}

func (s *Sender) save(ctx context.Context, uid string, subs []Subscription) error {
	if len(subs) == 0 {
		return s.store.Delete(ctx, model.CollectionPushSubs, uid)
	}
	data, err := json.Marshal(userSubs{UID: uid, Subs: subs})
	if err != nil {
		return err
	}
	return s.store.Set(ctx, model.CollectionPushSubs, uid, data)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

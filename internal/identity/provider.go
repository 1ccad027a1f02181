// Package identity exposes the sign-in contract the rest of the app consumes:
// current-uid resolution for a token, sign-in/out, and auth-state change
// notifications. Sessions live in the document store.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dabubble/internal/docstore"
	"github.com/dabubble/internal/logger"
	"github.com/dabubble/internal/model"
)

// ErrNoSession is returned when a token resolves to no active session.
var ErrNoSession = errors.New("identity: no session")

// Provider — контракт провайдера аутентификации. Ядро использует только его;
// внутренности провайдера вне зоны ответственности этого репозитория.
type Provider interface {
	CurrentUID(ctx context.Context, token string) (string, error)
	SignIn(ctx context.Context, uid string) (token string, err error)
	SignOut(ctx context.Context, token string) error
	OnAuthStateChange(fn func(uid string, signedIn bool)) docstore.CancelFunc
}

type session struct {
	UID       string    `json:"uid"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry is the docstore-backed Provider.
type Registry struct {
	store docstore.Store

	mu        sync.Mutex
	listeners map[int]func(uid string, signedIn bool)
	nextID    int
}

func NewRegistry(store docstore.Store) *Registry {
	return &Registry{
		store:     store,
		listeners: make(map[int]func(uid string, signedIn bool)),
	}
}

func (r *Registry) CurrentUID(ctx context.Context, token string) (string, error) {
	defer logger.DeferLogDuration("identity.CurrentUID", time.Now())()
	if token == "" {
		return "", ErrNoSession
	}
	snap, err := r.store.GetOnce(ctx, model.CollectionSessions, token)
	if err != nil {
		return "", fmt.Errorf("identity.CurrentUID: %w", err)
	}
	if !snap.Exists {
		return "", ErrNoSession
	}
	var s session
	if err := json.Unmarshal(snap.Doc.Data, &s); err != nil || s.UID == "" {
		return "", ErrNoSession
	}
	return s.UID, nil
}

func (r *Registry) SignIn(ctx context.Context, uid string) (string, error) {
	defer logger.DeferLogDuration("identity.SignIn", time.Now())()
	if uid == "" {
		return "", errors.New("identity.SignIn: uid required")
	}
	token := r.store.NewID()
	data, err := json.Marshal(session{UID: uid, CreatedAt: time.Now().UTC()})
	if err != nil {
		return "", fmt.Errorf("identity.SignIn: %w", err)
	}
	if err := r.store.Set(ctx, model.CollectionSessions, token, data); err != nil {
		return "", fmt.Errorf("identity.SignIn: %w", err)
	}
	r.notify(uid, true)
	return token, nil
}

func (r *Registry) SignOut(ctx context.Context, token string) error {
	defer logger.DeferLogDuration("identity.SignOut", time.Now())()
	uid, err := r.CurrentUID(ctx, token)
	if err != nil {
		if errors.Is(err, ErrNoSession) {
			return nil
		}
		return err
	}
	if err := r.store.Delete(ctx, model.CollectionSessions, token); err != nil {
		return fmt.Errorf("identity.SignOut: %w", err)
	}
	r.notify(uid, false)
	return nil
}

// OnAuthStateChange registers a listener for sign-in/out events on this
// registry instance. The returned cancel is idempotent.
func (r *Registry) OnAuthStateChange(fn func(uid string, signedIn bool)) docstore.CancelFunc {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify(uid string, signedIn bool) {
	r.mu.Lock()
	fns := make([]func(string, bool), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(uid, signedIn)
	}
}

package docstore

import (
	"context"
	"sync"
)

// Mux deduplicates live subscriptions: all callers asking for the same
// (collection,id) or the same (collection,query) share one underlying store
// subscription. A shared subscription stays attached even when its last
// consumer cancels; it is closed only by Invalidate or Close.
type Mux struct {
	store Store

	mu        sync.Mutex
	docFeeds  map[string]*docFeed
	collFeeds map[string]*collFeed
	closed    bool
}

func NewMux(store Store) *Mux {
	return &Mux{
		store:     store,
		docFeeds:  make(map[string]*docFeed),
		collFeeds: make(map[string]*collFeed),
	}
}

type docFeed struct {
	mu      sync.Mutex
	cancel  CancelFunc
	subs    map[int]DocumentFunc
	nextSub int
	last    Snapshot
	hasLast bool
	failed  bool
}

type collFeed struct {
	mu      sync.Mutex
	cancel  CancelFunc
	subs    map[int]CollectionFunc
	nextSub int
	last    []Document
	hasLast bool
	failed  bool
}

func muxDocKey(collection, id string) string { return collection + "\x00" + id }

func muxCollKey(collection string, q Query) string { return collection + "\x00" + q.Key() }

func (m *Mux) SubscribeDocument(ctx context.Context, collection, id string, fn DocumentFunc) (CancelFunc, error) {
	key := muxDocKey(collection, id)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	feed := m.docFeeds[key]
	if feed != nil && feed.broken() {
		// Broken upstream: a fresh subscriber re-attaches.
		delete(m.docFeeds, key)
		feed = nil
	}
	fresh := feed == nil
	if fresh {
		feed = &docFeed{subs: make(map[int]DocumentFunc)}
		m.docFeeds[key] = feed
	}
	m.mu.Unlock()

	feed.mu.Lock()
	subID := feed.nextSub
	feed.nextSub++
	feed.subs[subID] = fn
	if feed.hasLast {
		fn(feed.last, nil)
	}
	feed.mu.Unlock()

	if fresh {
		// Subscribe upstream outside m.mu: the initial delivery happens
		// synchronously and fans out through the feed.
		cancel, err := m.store.SubscribeDocument(ctx, collection, id, func(snap Snapshot, err error) {
			feed.deliver(snap, err)
			if err != nil {
				m.dropDocFeed(key, feed)
			}
		})
		if err != nil {
			m.dropDocFeed(key, feed)
			return nil, err
		}
		feed.mu.Lock()
		feed.cancel = cancel
		feed.mu.Unlock()
	}

	return func() {
		feed.mu.Lock()
		delete(feed.subs, subID)
		feed.mu.Unlock()
	}, nil
}

func (m *Mux) SubscribeCollection(ctx context.Context, collection string, q Query, fn CollectionFunc) (CancelFunc, error) {
	key := muxCollKey(collection, q)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	feed := m.collFeeds[key]
	if feed != nil && feed.broken() {
		delete(m.collFeeds, key)
		feed = nil
	}
	fresh := feed == nil
	if fresh {
		feed = &collFeed{subs: make(map[int]CollectionFunc)}
		m.collFeeds[key] = feed
	}
	m.mu.Unlock()

	feed.mu.Lock()
	subID := feed.nextSub
	feed.nextSub++
	feed.subs[subID] = fn
	if feed.hasLast {
		fn(feed.last, nil)
	}
	feed.mu.Unlock()

	if fresh {
		cancel, err := m.store.SubscribeCollection(ctx, collection, q, func(docs []Document, err error) {
			feed.deliver(docs, err)
			if err != nil {
				m.dropCollFeed(key, feed)
			}
		})
		if err != nil {
			m.dropCollFeed(key, feed)
			return nil, err
		}
		feed.mu.Lock()
		feed.cancel = cancel
		feed.mu.Unlock()
	}

	return func() {
		feed.mu.Lock()
		delete(feed.subs, subID)
		feed.mu.Unlock()
	}, nil
}

func (f *docFeed) deliver(snap Snapshot, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return
	}
	if err != nil {
		f.failed = true
		for _, fn := range f.subs {
			fn(Snapshot{}, err)
		}
		f.subs = make(map[int]DocumentFunc)
		return
	}
	f.last = snap
	f.hasLast = true
	for _, fn := range f.subs {
		fn(snap, nil)
	}
}

func (f *docFeed) broken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (f *collFeed) deliver(docs []Document, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return
	}
	if err != nil {
		f.failed = true
		for _, fn := range f.subs {
			fn(nil, err)
		}
		f.subs = make(map[int]CollectionFunc)
		return
	}
	f.last = docs
	f.hasLast = true
	for _, fn := range f.subs {
		fn(docs, nil)
	}
}

func (f *collFeed) broken() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

func (m *Mux) dropDocFeed(key string, feed *docFeed) {
	m.mu.Lock()
	if m.docFeeds[key] == feed {
		delete(m.docFeeds, key)
	}
	m.mu.Unlock()
	feed.mu.Lock()
	cancel := feed.cancel
	feed.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Mux) dropCollFeed(key string, feed *collFeed) {
	m.mu.Lock()
	if m.collFeeds[key] == feed {
		delete(m.collFeeds, key)
	}
	m.mu.Unlock()
	feed.mu.Lock()
	cancel := feed.cancel
	feed.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Invalidate closes the shared subscription for (collection,id), if any.
// Existing consumers receive ErrClosed and must resubscribe.
func (m *Mux) Invalidate(collection, id string) {
	key := muxDocKey(collection, id)
	m.mu.Lock()
	feed := m.docFeeds[key]
	delete(m.docFeeds, key)
	m.mu.Unlock()
	if feed == nil {
		return
	}
	feed.deliver(Snapshot{}, ErrClosed)
	feed.mu.Lock()
	cancel := feed.cancel
	feed.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// InvalidateQuery closes the shared subscription for (collection,query).
func (m *Mux) InvalidateQuery(collection string, q Query) {
	key := muxCollKey(collection, q)
	m.mu.Lock()
	feed := m.collFeeds[key]
	delete(m.collFeeds, key)
	m.mu.Unlock()
	if feed == nil {
		return
	}
	feed.deliver(nil, ErrClosed)
	feed.mu.Lock()
	cancel := feed.cancel
	feed.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Mux) GetOnce(ctx context.Context, collection, id string) (Snapshot, error) {
	return m.store.GetOnce(ctx, collection, id)
}

func (m *Mux) List(ctx context.Context, collection string, q Query) ([]Document, error) {
	return m.store.List(ctx, collection, q)
}

func (m *Mux) Set(ctx context.Context, collection, id string, data []byte) error {
	return m.store.Set(ctx, collection, id, data)
}

func (m *Mux) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return m.store.Update(ctx, collection, id, fields)
}

func (m *Mux) Delete(ctx context.Context, collection, id string) error {
	return m.store.Delete(ctx, collection, id)
}

func (m *Mux) NewID() string { return m.store.NewID() }

// Close cancels every shared subscription and closes the underlying store.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	docFeeds := m.docFeeds
	collFeeds := m.collFeeds
	m.docFeeds = make(map[string]*docFeed)
	m.collFeeds = make(map[string]*collFeed)
	m.mu.Unlock()

	// Consumers get ErrClosed before the upstream cancel, same as Invalidate;
	// otherwise they would starve silently on shutdown.
	for _, feed := range docFeeds {
		feed.deliver(Snapshot{}, ErrClosed)
		feed.mu.Lock()
		cancel := feed.cancel
		feed.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	for _, feed := range collFeeds {
		feed.deliver(nil, ErrClosed)
		feed.mu.Lock()
		cancel := feed.cancel
		feed.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	return m.store.Close()
}

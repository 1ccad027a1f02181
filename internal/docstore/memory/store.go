// Package memory is an in-process docstore backend: mutex-guarded maps with
// per-key watcher fan-out. Used in tests and in -dev runs without Postgres.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dabubble/internal/docstore"
)

type collWatcher struct {
	// mu serializes deliveries to this watcher, so emissions stay ordered
	// even when mutations race.
	mu         sync.Mutex
	collection string
	query      docstore.Query
	fn         docstore.CollectionFunc
	cancelled  bool
}

type docWatcher struct {
	mu         sync.Mutex
	collection string
	id         string
	fn         docstore.DocumentFunc
	cancelled  bool
}

type Store struct {
	mu        sync.RWMutex
	docs      map[string]map[string]docstore.Document
	collWatch map[string]map[*collWatcher]struct{}
	docWatch  map[string]map[*docWatcher]struct{}
	closed    bool
}

func New() *Store {
	return &Store{
		docs:      make(map[string]map[string]docstore.Document),
		collWatch: make(map[string]map[*collWatcher]struct{}),
		docWatch:  make(map[string]map[*docWatcher]struct{}),
	}
}

func docKey(collection, id string) string { return collection + "\x00" + id }

func (s *Store) NewID() string { return uuid.New().String() }

func (s *Store) SubscribeCollection(ctx context.Context, collection string, q docstore.Query, fn docstore.CollectionFunc) (docstore.CancelFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	w := &collWatcher{collection: collection, query: q, fn: fn}
	if s.collWatch[collection] == nil {
		s.collWatch[collection] = make(map[*collWatcher]struct{})
	}
	s.collWatch[collection][w] = struct{}{}
	s.mu.Unlock()

	s.deliverColl(w)

	return func() {
		s.mu.Lock()
		delete(s.collWatch[collection], w)
		s.mu.Unlock()
		w.mu.Lock()
		w.cancelled = true
		w.mu.Unlock()
	}, nil
}

func (s *Store) SubscribeDocument(ctx context.Context, collection, id string, fn docstore.DocumentFunc) (docstore.CancelFunc, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, docstore.ErrClosed
	}
	w := &docWatcher{collection: collection, id: id, fn: fn}
	key := docKey(collection, id)
	if s.docWatch[key] == nil {
		s.docWatch[key] = make(map[*docWatcher]struct{})
	}
	s.docWatch[key][w] = struct{}{}
	s.mu.Unlock()

	s.deliverDoc(w)

	return func() {
		s.mu.Lock()
		delete(s.docWatch[key], w)
		s.mu.Unlock()
		w.mu.Lock()
		w.cancelled = true
		w.mu.Unlock()
	}, nil
}

// deliverColl recomputes the matching snapshot under the read lock and pushes
// it to the watcher. The snapshot is computed inside the watcher critical
// section so a stale snapshot can never overtake a fresher one.
func (s *Store) deliverColl(w *collWatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}
	s.mu.RLock()
	docs := s.match(w.collection, w.query)
	s.mu.RUnlock()
	w.fn(docs, nil)
}

func (s *Store) deliverDoc(w *docWatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return
	}
	s.mu.RLock()
	snap := s.snapshot(w.collection, w.id)
	s.mu.RUnlock()
	w.fn(snap, nil)
}

// match is called with s.mu held.
func (s *Store) match(collection string, q docstore.Query) []docstore.Document {
	docs := make([]docstore.Document, 0, len(s.docs[collection]))
	for _, d := range s.docs[collection] {
		if q.Matches(d.Data) {
			docs = append(docs, d)
		}
	}
	q.SortDocs(docs)
	return docs
}

// snapshot is called with s.mu held.
func (s *Store) snapshot(collection, id string) docstore.Snapshot {
	d, ok := s.docs[collection][id]
	if !ok {
		return docstore.Snapshot{Doc: docstore.Document{Collection: collection, ID: id}}
	}
	return docstore.Snapshot{Doc: d, Exists: true}
}

func (s *Store) GetOnce(ctx context.Context, collection, id string) (docstore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return docstore.Snapshot{}, docstore.ErrClosed
	}
	return s.snapshot(collection, id), nil
}

func (s *Store) List(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	return s.match(collection, q), nil
}

func (s *Store) Set(ctx context.Context, collection, id string, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.ErrClosed
	}
	if s.docs[collection] == nil {
		s.docs[collection] = make(map[string]docstore.Document)
	}
	body := make([]byte, len(data))
	copy(body, data)
	s.docs[collection][id] = docstore.Document{
		Collection: collection,
		ID:         id,
		Data:       body,
		UpdatedAt:  time.Now().UTC(),
	}
	cws, dws := s.watchers(collection, id)
	s.mu.Unlock()

	s.notify(cws, dws)
	return nil
}

func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.ErrClosed
	}
	d, ok := s.docs[collection][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memory.Update %s/%s: %w", collection, id, docstore.ErrNotFound)
	}
	var body map[string]any
	if err := json.Unmarshal(d.Data, &body); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("memory.Update %s/%s: %w", collection, id, err)
	}
	for k, v := range fields {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("memory.Update %s/%s: %w", collection, id, err)
	}
	d.Data = data
	d.UpdatedAt = time.Now().UTC()
	s.docs[collection][id] = d
	cws, dws := s.watchers(collection, id)
	s.mu.Unlock()

	s.notify(cws, dws)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return docstore.ErrClosed
	}
	if _, ok := s.docs[collection][id]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.docs[collection], id)
	cws, dws := s.watchers(collection, id)
	s.mu.Unlock()

	s.notify(cws, dws)
	return nil
}

// watchers is called with s.mu held.
func (s *Store) watchers(collection, id string) ([]*collWatcher, []*docWatcher) {
	cws := make([]*collWatcher, 0, len(s.collWatch[collection]))
	for w := range s.collWatch[collection] {
		cws = append(cws, w)
	}
	key := docKey(collection, id)
	dws := make([]*docWatcher, 0, len(s.docWatch[key]))
	for w := range s.docWatch[key] {
		dws = append(dws, w)
	}
	return cws, dws
}

func (s *Store) notify(cws []*collWatcher, dws []*docWatcher) {
	for _, w := range cws {
		s.deliverColl(w)
	}
	for _, w := range dws {
		s.deliverDoc(w)
	}
}

// Close tears the store down: every live subscription receives ErrClosed and
// is terminated. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var cws []*collWatcher
	for _, set := range s.collWatch {
		for w := range set {
			cws = append(cws, w)
		}
	}
	var dws []*docWatcher
	for _, set := range s.docWatch {
		for w := range set {
			dws = append(dws, w)
		}
	}
	s.collWatch = make(map[string]map[*collWatcher]struct{})
	s.docWatch = make(map[string]map[*docWatcher]struct{})
	s.mu.Unlock()

	for _, w := range cws {
		w.mu.Lock()
		if !w.cancelled {
			w.cancelled = true
			w.fn(nil, docstore.ErrClosed)
		}
		w.mu.Unlock()
	}
	for _, w := range dws {
		w.mu.Lock()
		if !w.cancelled {
			w.cancelled = true
			w.fn(docstore.Snapshot{}, docstore.ErrClosed)
		}
		w.mu.Unlock()
	}
	return nil
}

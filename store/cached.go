package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CachedStore wraps a backing DocumentStore with an in-memory cache of
// documents. Content updates are served from the cache and flushed to the
// backing store periodically in the background; creates, deletes and grants
// are written through immediately.
type CachedStore struct {
	cache   *MemoryStore
	backing DocumentStore
	log     *zap.Logger

	mu            sync.Mutex
	dirty         map[string]uint64 // doc id -> write generation
	gen           uint64
	flushInterval time.Duration
	stop          chan struct{}
	done          chan struct{}
}

// NewCachedStore creates a CachedStore that flushes dirty content to the
// backing store every flushInterval.
func NewCachedStore(backing DocumentStore, flushInterval time.Duration, log *zap.Logger) *CachedStore {
	cs := &CachedStore{
		cache:         NewMemoryStore(),
		backing:       backing,
		log:           log.Named("store.cache"),
		dirty:         make(map[string]uint64),
		flushInterval: flushInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go cs.flushLoop()
	return cs
}

func (cs *CachedStore) Create(ctx context.Context, doc Document) error {
	if err := cs.backing.Create(ctx, doc); err != nil {
		return err
	}
	// Re-read so timestamps filled in by the backend are cached too.
	stored, err := cs.backing.Get(ctx, doc.ID)
	if err != nil {
		return err
	}
	cs.cache.put(*stored, nil)
	return nil
}

func (cs *CachedStore) Get(ctx context.Context, id string) (*Document, error) {
	doc, err := cs.cache.Get(ctx, id)
	if err == nil {
		return doc, nil
	}
	// Cache miss, load from backing store.
	doc, err = cs.backing.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cs.cache.has(id) {
		cs.cache.put(*doc, nil)
	}
	return cs.cache.Get(ctx, id)
}

// ListForUser lists from the backing store and overlays cached content that
// has not been flushed yet.
func (cs *CachedStore) ListForUser(ctx context.Context, userID string) ([]Document, error) {
	docs, err := cs.backing.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if cached, err := cs.cache.Get(ctx, docs[i].ID); err == nil {
			docs[i].Content = cached.Content
			docs[i].UpdatedAt = cached.UpdatedAt
		}
	}
	return docs, nil
}

func (cs *CachedStore) UpdateContent(ctx context.Context, id, content string) error {
	// Ensure doc is in cache.
	if _, err := cs.Get(ctx, id); err != nil {
		return err
	}
	if err := cs.cache.UpdateContent(ctx, id, content); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.gen++
	cs.dirty[id] = cs.gen
	cs.mu.Unlock()
	return nil
}

func (cs *CachedStore) Delete(ctx context.Context, id string) error {
	cs.mu.Lock()
	delete(cs.dirty, id)
	cs.mu.Unlock()
	cs.cache.evict(id)
	return cs.backing.Delete(ctx, id)
}

func (cs *CachedStore) SetGrant(ctx context.Context, g Grant) error {
	return cs.backing.SetGrant(ctx, g)
}

func (cs *CachedStore) RemoveGrant(ctx context.Context, docID, userID string) error {
	return cs.backing.RemoveGrant(ctx, docID, userID)
}

func (cs *CachedStore) GetGrant(ctx context.Context, docID, userID string) (Role, error) {
	return cs.backing.GetGrant(ctx, docID, userID)
}

func (cs *CachedStore) flushLoop() {
	ticker := time.NewTicker(cs.flushInterval)
	defer ticker.Stop()
	defer close(cs.done)

	for {
		select {
		case <-ticker.C:
			cs.Flush(context.Background())
		case <-cs.stop:
			cs.Flush(context.Background())
			return
		}
	}
}

// Flush writes all dirty content to the backing store. Documents that fail
// to flush stay dirty and are retried on the next cycle.
func (cs *CachedStore) Flush(ctx context.Context) {
	cs.mu.Lock()
	// Snapshot the dirty map and work on a copy.
	snapshot := make(map[string]uint64, len(cs.dirty))
	for id, gen := range cs.dirty {
		snapshot[id] = gen
	}
	cs.mu.Unlock()

	for id, gen := range snapshot {
		doc, err := cs.cache.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := cs.backing.UpdateContent(ctx, id, doc.Content); err != nil {
			cs.log.Warn("failed to flush content", zap.String("doc", id), zap.Error(err))
			continue
		}

		cs.mu.Lock()
		// Only clear if no new writes happened since the snapshot.
		if cs.dirty[id] == gen {
			delete(cs.dirty, id)
		}
		cs.mu.Unlock()
	}
}

// Dirty returns the number of documents with unflushed content.
func (cs *CachedStore) Dirty() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.dirty)
}

// Close signals the flush loop to perform a final flush and waits for it
// to complete.
func (cs *CachedStore) Close() {
	close(cs.stop)
	<-cs.done
}

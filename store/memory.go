package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type docRecord struct {
	doc    Document
	grants map[string]Role
}

// MemoryStore is an in-memory implementation of DocumentStore.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*docRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*docRecord)}
}

func (s *MemoryStore) Create(_ context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; ok {
		return exists("memory.Create", doc.ID)
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	s.docs[doc.ID] = &docRecord{doc: doc, grants: make(map[string]Role)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[id]
	if !ok {
		return nil, notFound("memory.Get", id)
	}
	doc := rec.doc
	return &doc, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Document
	for _, rec := range s.docs {
		if _, shared := rec.grants[userID]; rec.doc.OwnerID == userID || shared {
			result = append(result, rec.doc)
		}
	}
	sortDocuments(result)
	return result, nil
}

func (s *MemoryStore) UpdateContent(_ context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[id]
	if !ok {
		return notFound("memory.UpdateContent", id)
	}
	rec.doc.Content = content
	rec.doc.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[id]; !ok {
		return notFound("memory.Delete", id)
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) SetGrant(_ context.Context, g Grant) error {
	if err := checkGrant("memory.SetGrant", g); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[g.DocID]
	if !ok {
		return notFound("memory.SetGrant", g.DocID)
	}
	rec.grants[g.UserID] = g.Role
	return nil
}

func (s *MemoryStore) RemoveGrant(_ context.Context, docID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.docs[docID]
	if !ok {
		return notFound("memory.RemoveGrant", docID)
	}
	delete(rec.grants, userID)
	return nil
}

func (s *MemoryStore) GetGrant(_ context.Context, docID, userID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.docs[docID]
	if !ok {
		return RoleNone, notFound("memory.GetGrant", docID)
	}
	if role, ok := rec.grants[userID]; ok {
		return role, nil
	}
	return RoleNone, nil
}

// put stores a document and its grants as-is, replacing any existing
// record. CachedStore uses it to fill the cache from a backing store.
func (s *MemoryStore) put(doc Document, grants map[string]Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if grants == nil {
		grants = make(map[string]Role)
	}
	s.docs[doc.ID] = &docRecord{doc: doc, grants: grants}
}

func (s *MemoryStore) has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[id]
	return ok
}

func (s *MemoryStore) evict(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

func sortDocuments(docs []Document) {
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.Before(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
}

package history

import (
	"context"
	"sync"

	"github.com/alimasry/go-collab-docs/errs"
)

type memLog struct {
	head    string
	commits map[string]Commit
}

// MemoryBackend keeps logs in process memory.
type MemoryBackend struct {
	mu   sync.RWMutex
	logs map[string]*memLog
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{logs: make(map[string]*memLog)}
}

func (b *MemoryBackend) Head(_ context.Context, docID string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.logs[docID]
	if !ok {
		return "", errs.Errorf(errs.KindNotFound, "memory.Head", "no log for %q", docID)
	}
	return l.head, nil
}

func (b *MemoryBackend) Get(_ context.Context, docID, hash string) (Commit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if l, ok := b.logs[docID]; ok {
		if c, ok := l.commits[hash]; ok {
			return c, nil
		}
	}
	return Commit{}, errs.Errorf(errs.KindNotFound, "memory.Get", "commit %s not in %q", ShortHash(hash), docID)
}

func (b *MemoryBackend) Append(_ context.Context, docID string, c Commit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[docID]
	var head string
	if ok {
		head = l.head
	}
	if head != c.Parent {
		return errs.Errorf(errs.KindConflict, "memory.Append", "head of %q is %q, not %q", docID, ShortHash(head), ShortHash(c.Parent))
	}
	if !ok {
		l = &memLog{commits: make(map[string]Commit)}
		b.logs[docID] = l
	}
	l.commits[c.Hash] = c
	l.head = c.Hash
	return nil
}

func (b *MemoryBackend) Drop(_ context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, docID)
	return nil
}

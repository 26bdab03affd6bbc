package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/alimasry/go-collab-docs/errs"
)

// PebbleBackend stores logs in a local Pebble database.
//
// Keys:
//
//	head/<doc>           -> hash of the newest commit
//	commit/<doc>/<hash>  -> JSON commit
type PebbleBackend struct {
	db *pebble.DB
	mu sync.Mutex // serialises head compare-and-swap
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	return &PebbleBackend{db: db}, nil
}

func (b *PebbleBackend) Close() error { return b.db.Close() }

func headKey(docID string) []byte { return []byte("head/" + docID) }

func commitPrefix(docID string) []byte { return []byte("commit/" + docID + "/") }

func commitKey(docID, hash string) []byte { return append(commitPrefix(docID), hash...) }

// prefixEnd returns the smallest key greater than every key with prefix p.
func prefixEnd(p []byte) []byte {
	end := append([]byte(nil), p...)
	end[len(end)-1]++
	return end
}

func (b *PebbleBackend) get(key []byte) ([]byte, error) {
	v, closer, err := b.db.Get(key)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (b *PebbleBackend) Head(_ context.Context, docID string) (string, error) {
	v, err := b.get(headKey(docID))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", errs.Errorf(errs.KindNotFound, "pebble.Head", "no log for %q", docID)
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}

func (b *PebbleBackend) Get(_ context.Context, docID, hash string) (Commit, error) {
	v, err := b.get(commitKey(docID, hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return Commit{}, errs.Errorf(errs.KindNotFound, "pebble.Get", "commit %s not in %q", ShortHash(hash), docID)
	}
	if err != nil {
		return Commit{}, err
	}
	var c Commit
	if err := json.Unmarshal(v, &c); err != nil {
		return Commit{}, fmt.Errorf("decode commit %s: %w", ShortHash(hash), err)
	}
	return c, nil
}

func (b *PebbleBackend) Append(ctx context.Context, docID string, c Commit) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	head, err := b.Head(ctx, docID)
	if err != nil && !errors.Is(err, errs.NotFound) {
		return err
	}
	if head != c.Parent {
		return errs.Errorf(errs.KindConflict, "pebble.Append", "head of %q is %q, not %q", docID, ShortHash(head), ShortHash(c.Parent))
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(commitKey(docID, c.Hash), data, nil); err != nil {
		return err
	}
	if err := batch.Set(headKey(docID), []byte(c.Hash), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (b *PebbleBackend) Drop(_ context.Context, docID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prefix := commitPrefix(docID)
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(prefix, prefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := batch.Delete(headKey(docID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

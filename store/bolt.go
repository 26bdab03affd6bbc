package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	docsBucket   = []byte("documents")
	grantsBucket = []byte("grants")
)

// BoltStore is a DocumentStore backed by a single bbolt file. Grants are
// keyed by "<doc>\x00<user>" so a document's grants share a prefix.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{docsBucket, grantsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func grantPrefix(docID string) []byte { return []byte(docID + "\x00") }

func grantKey(docID, userID string) []byte { return append(grantPrefix(docID), userID...) }

func readDoc(b *bolt.Bucket, id string) (*Document, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(v, &doc); err != nil {
		return nil, fmt.Errorf("decode document %q: %w", id, err)
	}
	return &doc, nil
}

func writeDoc(b *bolt.Bucket, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %q: %w", doc.ID, err)
	}
	return b.Put([]byte(doc.ID), data)
}

func (s *BoltStore) Create(_ context.Context, doc Document) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		if b.Get([]byte(doc.ID)) != nil {
			return exists("bolt.Create", doc.ID)
		}
		now := time.Now().UTC()
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = now
		}
		if doc.UpdatedAt.IsZero() {
			doc.UpdatedAt = doc.CreatedAt
		}
		return writeDoc(b, &doc)
	})
}

func (s *BoltStore) Get(_ context.Context, id string) (*Document, error) {
	var doc *Document
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		doc, err = readDoc(tx.Bucket(docsBucket), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, notFound("bolt.Get", id)
	}
	return doc, nil
}

func (s *BoltStore) ListForUser(_ context.Context, userID string) ([]Document, error) {
	var result []Document
	err := s.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(docsBucket)
		seen := make(map[string]bool)
		err := docs.ForEach(func(k, v []byte) error {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("decode document %q: %w", k, err)
			}
			if doc.OwnerID == userID {
				seen[doc.ID] = true
				result = append(result, doc)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(grantsBucket).ForEach(func(k, _ []byte) error {
			docID, user, ok := bytes.Cut(k, []byte{0})
			if !ok || string(user) != userID || seen[string(docID)] {
				return nil
			}
			doc, err := readDoc(docs, string(docID))
			if err != nil || doc == nil {
				return err
			}
			seen[doc.ID] = true
			result = append(result, *doc)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortDocuments(result)
	return result, nil
}

func (s *BoltStore) UpdateContent(_ context.Context, id, content string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		doc, err := readDoc(b, id)
		if err != nil {
			return err
		}
		if doc == nil {
			return notFound("bolt.UpdateContent", id)
		}
		doc.Content = content
		doc.UpdatedAt = time.Now().UTC()
		return writeDoc(b, doc)
	})
}

func (s *BoltStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		if b.Get([]byte(id)) == nil {
			return notFound("bolt.Delete", id)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		prefix := grantPrefix(id)
		c := tx.Bucket(grantsBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Seek(prefix) {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) SetGrant(_ context.Context, g Grant) error {
	if err := checkGrant("bolt.SetGrant", g); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(docsBucket).Get([]byte(g.DocID)) == nil {
			return notFound("bolt.SetGrant", g.DocID)
		}
		return tx.Bucket(grantsBucket).Put(grantKey(g.DocID, g.UserID), []byte(g.Role))
	})
}

func (s *BoltStore) RemoveGrant(_ context.Context, docID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(docsBucket).Get([]byte(docID)) == nil {
			return notFound("bolt.RemoveGrant", docID)
		}
		return tx.Bucket(grantsBucket).Delete(grantKey(docID, userID))
	})
}

func (s *BoltStore) GetGrant(_ context.Context, docID, userID string) (Role, error) {
	role := RoleNone
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(docsBucket).Get([]byte(docID)) == nil {
			return notFound("bolt.GetGrant", docID)
		}
		if v := tx.Bucket(grantsBucket).Get(grantKey(docID, userID)); v != nil {
			role = Role(v)
		}
		return nil
	})
	return role, err
}

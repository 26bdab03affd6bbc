// Package history keeps an append-only, content-addressed commit log per
// document. Every commit stores the full document content, so any commit can
// be materialised without replaying deltas.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/alimasry/go-collab-docs/errs"
)

// Commit is an immutable node in a document's linear history.
type Commit struct {
	Hash      string    `json:"hash"`
	Parent    string    `json:"parent"`
	Content   string    `json:"content"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// ComputeHash derives the commit id from everything the commit records.
func ComputeHash(parent, content, message, author string, ts time.Time) string {
	h := sha256.New()
	for _, part := range []string{parent, author, message, strconv.FormatInt(ts.UnixNano(), 10)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the commit's hash matches its fields.
func (c Commit) Verify() bool {
	return c.Hash == ComputeHash(c.Parent, c.Content, c.Message, c.Author, c.Timestamp)
}

// Short returns an abbreviated hash for messages and logs.
func (c Commit) Short() string { return ShortHash(c.Hash) }

func ShortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}

// Backend persists commits and the head pointer of each document.
//
// Append must atomically store c and move the head from c.Parent to c.Hash.
// If the current head is not c.Parent (the empty string meaning "no log
// yet") it must fail with errs.Conflict and store nothing.
type Backend interface {
	Head(ctx context.Context, docID string) (string, error)
	Get(ctx context.Context, docID, hash string) (Commit, error)
	Append(ctx context.Context, docID string, c Commit) error
	Drop(ctx context.Context, docID string) error
}

type options struct {
	allowEmpty bool
}

// Option configures a single Commit call.
type Option func(*options)

// AllowEmpty records a commit even when content equals the head's content.
func AllowEmpty() Option {
	return func(o *options) { o.allowEmpty = true }
}

// Store serialises every operation on one document's log and implements
// no-op detection on top of a Backend.
type Store struct {
	backend Backend
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(backend Backend, log *zap.Logger) *Store {
	return &Store{
		backend: backend,
		log:     log.Named("history"),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) lock(docID string) func() {
	s.mu.Lock()
	l, ok := s.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[docID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func validDocID(op, docID string) error {
	if docID == "" || strings.ContainsAny(docID, "/\x00") {
		return errs.Errorf(errs.KindInvalid, op, "bad document id %q", docID)
	}
	return nil
}

func (s *Store) newCommit(parent, content, message, author string) Commit {
	// Microsecond precision survives every backend's timestamp encoding.
	ts := s.now().UTC().Truncate(time.Microsecond)
	return Commit{
		Hash:      ComputeHash(parent, content, message, author, ts),
		Parent:    parent,
		Content:   content,
		Message:   message,
		Author:    author,
		Timestamp: ts,
	}
}

// Init creates a document's log with an empty initial commit.
func (s *Store) Init(ctx context.Context, docID, author string) (Commit, error) {
	const op = "history.Init"
	if err := validDocID(op, docID); err != nil {
		return Commit{}, err
	}
	defer s.lock(docID)()

	if _, err := s.backend.Head(ctx, docID); err == nil {
		return Commit{}, errs.Errorf(errs.KindConflict, op, "log for %q already exists", docID)
	} else if !errors.Is(err, errs.NotFound) {
		return Commit{}, errs.Wrap(op, err)
	}

	c := s.newCommit("", "", "Initial commit", author)
	if err := s.backend.Append(ctx, docID, c); err != nil {
		return Commit{}, errs.Wrap(op, err)
	}
	s.log.Info("log initialised", zap.String("doc", docID), zap.String("commit", c.Short()))
	return c, nil
}

// Commit appends content as a new commit on top of the head. Content equal
// to the head's is skipped unless AllowEmpty is given; the returned bool
// reports whether a commit was created, and on a skip the head is returned.
func (s *Store) Commit(ctx context.Context, docID, content, message, author string, opts ...Option) (Commit, bool, error) {
	const op = "history.Commit"
	if err := validDocID(op, docID); err != nil {
		return Commit{}, false, err
	}
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	defer s.lock(docID)()

	head, err := s.head(ctx, docID)
	if err != nil {
		return Commit{}, false, errs.Wrap(op, err)
	}
	if head.Content == content && !o.allowEmpty {
		return head, false, nil
	}

	c := s.newCommit(head.Hash, content, message, author)
	if err := s.backend.Append(ctx, docID, c); err != nil {
		return Commit{}, false, errs.Wrap(op, err)
	}
	s.log.Info("commit created",
		zap.String("doc", docID),
		zap.String("commit", c.Short()),
		zap.String("parent", head.Short()),
		zap.String("author", author),
		zap.String("size", humanize.Bytes(uint64(len(content)))))
	return c, true, nil
}

func (s *Store) head(ctx context.Context, docID string) (Commit, error) {
	hash, err := s.backend.Head(ctx, docID)
	if err != nil {
		return Commit{}, err
	}
	return s.backend.Get(ctx, docID, hash)
}

// Head returns the newest commit.
func (s *Store) Head(ctx context.Context, docID string) (Commit, error) {
	const op = "history.Head"
	if err := validDocID(op, docID); err != nil {
		return Commit{}, err
	}
	defer s.lock(docID)()
	c, err := s.head(ctx, docID)
	return c, errs.Wrap(op, err)
}

// Log returns the document's commits, newest first.
func (s *Store) Log(ctx context.Context, docID string) ([]Commit, error) {
	const op = "history.Log"
	if err := validDocID(op, docID); err != nil {
		return nil, err
	}
	defer s.lock(docID)()

	hash, err := s.backend.Head(ctx, docID)
	if err != nil {
		return nil, errs.Wrap(op, err)
	}
	var out []Commit
	for hash != "" {
		c, err := s.backend.Get(ctx, docID, hash)
		if err != nil {
			return nil, errs.Wrap(op, fmt.Errorf("walk %s: %w", ShortHash(hash), err))
		}
		out = append(out, c)
		hash = c.Parent
	}
	return out, nil
}

// Get returns one commit of the document.
func (s *Store) Get(ctx context.Context, docID, hash string) (Commit, error) {
	const op = "history.Get"
	if err := validDocID(op, docID); err != nil {
		return Commit{}, err
	}
	if hash == "" {
		return Commit{}, errs.Errorf(errs.KindNotFound, op, "empty commit hash")
	}
	c, err := s.backend.Get(ctx, docID, hash)
	return c, errs.Wrap(op, err)
}

// MaterializeAt returns the content recorded by a commit.
func (s *Store) MaterializeAt(ctx context.Context, docID, hash string) (string, error) {
	c, err := s.Get(ctx, docID, hash)
	if err != nil {
		return "", err
	}
	return c.Content, nil
}

// Delete irreversibly removes the document's whole log.
func (s *Store) Delete(ctx context.Context, docID string) error {
	const op = "history.Delete"
	if err := validDocID(op, docID); err != nil {
		return err
	}
	defer s.lock(docID)()
	if err := s.backend.Drop(ctx, docID); err != nil {
		return errs.Wrap(op, err)
	}
	s.log.Info("log deleted", zap.String("doc", docID))
	return nil
}

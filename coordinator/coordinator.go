// Package coordinator serialises saves and rollbacks per document.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/alimasry/go-collab-docs/errs"
	"github.com/alimasry/go-collab-docs/history"
	"github.com/alimasry/go-collab-docs/store"
)

// Live is the set of in-memory replicas for open documents. Reset replaces
// every replica of a document with content; it runs while the document's
// lock is held, so no save can interleave with it. RoleChanged tells open
// sessions that a user's access to a document changed.
type Live interface {
	Reset(ctx context.Context, docID, content string) error
	Evict(docID string)
	RoleChanged(docID, userID string, role store.Role)
}

// SaveResult reports what happened to a save request. Queued means the
// request was coalesced into a save that was already running.
type SaveResult struct {
	Accepted bool
	Queued   bool
	// Committed is false when content matched the head.
	Committed bool
	Hash      string
}

type RollbackResult struct {
	NewContent string
	Commit     history.Commit
}

type saveOptions struct {
	message string
	guard   func() bool
	reset   bool
}

// SaveOption configures a single RequestSave call.
type SaveOption func(*saveOptions)

// WithMessage sets the commit message.
func WithMessage(msg string) SaveOption {
	return func(o *saveOptions) { o.message = msg }
}

// WithGuard makes the save check guard after acquiring the lock and drop
// the content when it returns false. Autosave passes a check that the
// snapshot predates no rollback.
func WithGuard(guard func() bool) SaveOption {
	return func(o *saveOptions) { o.guard = guard }
}

// WithLiveReset replaces the live replicas with the saved content before the
// lock is released. Saves whose content does not come from a live session
// use it, so open sessions never overwrite the commit with older state.
func WithLiveReset() SaveOption {
	return func(o *saveOptions) { o.reset = true }
}

// Coordinator owns one lock per document id. Locks are created on first
// use and live as long as the coordinator.
type Coordinator struct {
	docs    store.DocumentStore
	history *history.Store
	log     *zap.Logger

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
	live  Live
}

func New(docs store.DocumentStore, hist *history.Store, log *zap.Logger) *Coordinator {
	return &Coordinator{
		docs:    docs,
		history: hist,
		log:     log.Named("coordinator"),
		locks:   make(map[string]*semaphore.Weighted),
	}
}

// SetLive registers the live replica set notified on rollback and delete.
func (c *Coordinator) SetLive(l Live) {
	c.mu.Lock()
	c.live = l
	c.mu.Unlock()
}

func (c *Coordinator) liveSet() Live {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *Coordinator) lock(docID string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.locks[docID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		c.locks[docID] = sem
	}
	return sem
}

// authorize fails with NotFound for a missing document and Forbidden for
// anything below writer.
func (c *Coordinator) authorize(ctx context.Context, op, docID, userID string) error {
	role, err := store.RoleFor(ctx, c.docs, docID, userID)
	if err != nil {
		return errs.Wrap(op, err)
	}
	if !role.CanWrite() {
		return errs.Errorf(errs.KindForbidden, op, "user %q has role %s on %q", userID, role, docID)
	}
	return nil
}

// RequestSave writes content as the live document and commits it. A save
// that finds another save in flight for the same document returns
// immediately with Queued set and does nothing.
func (c *Coordinator) RequestSave(ctx context.Context, docID, content, authorID string, opts ...SaveOption) (SaveResult, error) {
	const op = "coordinator.RequestSave"
	o := saveOptions{message: "Save"}
	for _, fn := range opts {
		fn(&o)
	}

	if err := c.authorize(ctx, op, docID, authorID); err != nil {
		savesTotal.WithLabelValues(resultLabel(err)).Inc()
		return SaveResult{}, err
	}

	sem := c.lock(docID)
	if !sem.TryAcquire(1) {
		savesTotal.WithLabelValues("coalesced").Inc()
		c.log.Debug("save coalesced", zap.String("doc", docID), zap.String("author", authorID))
		return SaveResult{Accepted: true, Queued: true}, nil
	}
	defer sem.Release(1)

	if o.guard != nil && !o.guard() {
		savesTotal.WithLabelValues("stale").Inc()
		c.log.Debug("stale save dropped", zap.String("doc", docID))
		return SaveResult{}, nil
	}

	start := time.Now()
	if err := c.docs.UpdateContent(ctx, docID, content); err != nil {
		err = errs.Wrap(op, err)
		savesTotal.WithLabelValues(resultLabel(err)).Inc()
		return SaveResult{}, err
	}
	commit, created, err := c.history.Commit(ctx, docID, content, o.message, authorID)
	if err != nil {
		err = errs.Wrap(op, err)
		savesTotal.WithLabelValues(resultLabel(err)).Inc()
		c.log.Warn("commit failed", zap.String("doc", docID), zap.Error(err))
		return SaveResult{}, err
	}
	saveDuration.Observe(time.Since(start).Seconds())

	if o.reset {
		c.resetLive(ctx, docID, content)
	}

	if created {
		savesTotal.WithLabelValues("committed").Inc()
	} else {
		savesTotal.WithLabelValues("unchanged").Inc()
	}
	c.log.Debug("save done",
		zap.String("doc", docID),
		zap.Bool("committed", created),
		zap.String("size", humanize.Bytes(uint64(len(content)))))
	return SaveResult{Accepted: true, Committed: created, Hash: commit.Hash}, nil
}

// RequestRollback makes the content of commit hash the live content again by
// appending a new commit; nothing is removed from the log. It waits for an
// in-flight save instead of coalescing, and resets every live replica before
// releasing the lock.
func (c *Coordinator) RequestRollback(ctx context.Context, docID, hash, authorID string) (RollbackResult, error) {
	const op = "coordinator.RequestRollback"
	if err := c.authorize(ctx, op, docID, authorID); err != nil {
		rollbacksTotal.WithLabelValues(resultLabel(err)).Inc()
		return RollbackResult{}, err
	}
	if _, err := c.history.Get(ctx, docID, hash); err != nil {
		err = errs.Wrap(op, err)
		rollbacksTotal.WithLabelValues(resultLabel(err)).Inc()
		return RollbackResult{}, err
	}

	sem := c.lock(docID)
	if err := sem.Acquire(ctx, 1); err != nil {
		rollbacksTotal.WithLabelValues("canceled").Inc()
		return RollbackResult{}, err
	}
	defer sem.Release(1)

	content, err := c.history.MaterializeAt(ctx, docID, hash)
	if err != nil {
		err = errs.Wrap(op, err)
		rollbacksTotal.WithLabelValues(resultLabel(err)).Inc()
		return RollbackResult{}, err
	}
	if err := c.docs.UpdateContent(ctx, docID, content); err != nil {
		err = errs.Wrap(op, err)
		rollbacksTotal.WithLabelValues(resultLabel(err)).Inc()
		return RollbackResult{}, err
	}
	commit, _, err := c.history.Commit(ctx, docID, content, "Rollback to "+history.ShortHash(hash), authorID, history.AllowEmpty())
	if err != nil {
		err = errs.Wrap(op, err)
		rollbacksTotal.WithLabelValues(resultLabel(err)).Inc()
		return RollbackResult{}, err
	}

	c.resetLive(ctx, docID, content)
	rollbacksTotal.WithLabelValues("committed").Inc()
	c.log.Info("rolled back",
		zap.String("doc", docID),
		zap.String("target", history.ShortHash(hash)),
		zap.String("commit", commit.Short()),
		zap.String("author", authorID))
	return RollbackResult{NewContent: content, Commit: commit}, nil
}

func (c *Coordinator) resetLive(ctx context.Context, docID, content string) {
	live := c.liveSet()
	if live == nil {
		return
	}
	if err := live.Reset(ctx, docID, content); err != nil {
		// The commit stands; sessions that missed the reset resync on
		// their next join.
		c.log.Warn("live reset failed", zap.String("doc", docID), zap.Error(err))
	}
}

// Exclusive runs fn while holding the document's lock, waiting for any
// in-flight save or rollback.
func (c *Coordinator) Exclusive(ctx context.Context, docID string, fn func(ctx context.Context) error) error {
	sem := c.lock(docID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)
	return fn(ctx)
}

// Evict drops the live replicas of docID, if a live set is registered.
func (c *Coordinator) Evict(docID string) {
	if live := c.liveSet(); live != nil {
		live.Evict(docID)
	}
}

// RoleChanged forwards a grant change to the live replica set.
func (c *Coordinator) RoleChanged(docID, userID string, role store.Role) {
	if live := c.liveSet(); live != nil {
		live.RoleChanged(docID, userID, role)
	}
}

package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alimasry/go-collab-docs/broker"
	"github.com/alimasry/go-collab-docs/coordinator"
	"github.com/alimasry/go-collab-docs/errs"
	"github.com/alimasry/go-collab-docs/store"
)

type joinRequest struct {
	client *Client
	docID  string
}

// Config tunes the hub.
type Config struct {
	// AutosaveInterval is how often dirty sessions are committed. Zero
	// disables autosave; sessions still save when they go idle.
	AutosaveInterval time.Duration
	// OpsPerSecond and Burst limit edits per client. Zero means unlimited.
	OpsPerSecond float64
	Burst        int
}

// Hub manages document sessions and routes clients to the right session.
// It implements coordinator.Live.
type Hub struct {
	docs   store.DocumentStore
	coord  *coordinator.Coordinator
	broker broker.Broker
	cfg    Config
	log    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	stopping map[string]*Session

	joinDoc chan joinRequest
	idle    chan *Session
}

var _ coordinator.Live = (*Hub)(nil)

func NewHub(docs store.DocumentStore, coord *coordinator.Coordinator, b broker.Broker, cfg Config, log *zap.Logger) *Hub {
	return &Hub{
		docs:     docs,
		coord:    coord,
		broker:   b,
		cfg:      cfg,
		log:      log.Named("hub"),
		sessions: make(map[string]*Session),
		stopping: make(map[string]*Session),
		joinDoc:  make(chan joinRequest, 64),
		idle:     make(chan *Session, 16),
	}
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.cfg.OpsPerSecond <= 0 {
		return nil
	}
	burst := h.cfg.Burst
	if burst <= 0 {
		burst = int(h.cfg.OpsPerSecond) + 1
	}
	return rate.NewLimiter(rate.Limit(h.cfg.OpsPerSecond), burst)
}

// Run is the hub's main loop. It returns after ctx is cancelled and every
// session has shut down.
func (h *Hub) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if h.cfg.AutosaveInterval > 0 {
		ticker := time.NewTicker(h.cfg.AutosaveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case req := <-h.joinDoc:
			h.handleJoinDoc(ctx, req)
		case s := <-h.idle:
			h.handleIdle(s)
		case <-tick:
			h.autosave(ctx)
		case <-ctx.Done():
			h.shutdown()
			return nil
		}
	}
}

// Join routes a client to the session of docID.
func (h *Hub) Join(c *Client, docID string) {
	h.joinDoc <- joinRequest{client: c, docID: docID}
}

func (h *Hub) handleJoinDoc(ctx context.Context, req joinRequest) {
	c := req.client
	role, err := store.RoleFor(ctx, h.docs, req.docID, c.UserID)
	switch {
	case errors.Is(err, errs.NotFound):
		c.sendError("document not found")
		return
	case err != nil:
		h.log.Error("role lookup failed", zap.String("doc", req.docID), zap.Error(err))
		c.sendError("failed to load document")
		return
	case !role.CanRead():
		c.sendError("forbidden")
		return
	}

	s, err := h.session(ctx, req.docID)
	if err != nil {
		h.log.Error("failed to start session", zap.String("doc", req.docID), zap.Error(err))
		c.sendError("failed to load document")
		return
	}

	if !c.claim(s) {
		c.sendError("already joined to a document")
		return
	}
	s.members.Add(1)
	select {
	case s.join <- memberJoin{client: c, role: role}:
	case <-s.loopDone:
		s.members.Add(-1)
		c.release(s)
		c.sendError("document closed")
	}
}

// session returns the live session for docID, starting one if needed. Only
// the Run loop calls it, so two sessions for one document never race.
func (h *Hub) session(ctx context.Context, docID string) (*Session, error) {
	h.mu.RLock()
	s, ok := h.sessions[docID]
	old := h.stopping[docID]
	h.mu.RUnlock()
	if ok {
		return s, nil
	}
	if old != nil {
		// Let the previous session commit before reading the content back.
		select {
		case <-old.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Loading under the document lock keeps a rollback from landing between
	// the read and the registration.
	err := h.coord.Exclusive(ctx, docID, func(ctx context.Context) error {
		doc, err := h.docs.Get(ctx, docID)
		if err != nil {
			return err
		}
		s, err = newSession(ctx, h, docID, doc.Content)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.sessions[docID] = s
		h.mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sessionsActive.Inc()
	go s.Run()
	h.log.Info("session started", zap.String("doc", docID))
	return s, nil
}

// GetSession returns the session for a document, if active.
func (h *Hub) GetSession(docID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}

func (h *Hub) sessionIdle(s *Session) {
	go func() {
		select {
		case h.idle <- s:
		case <-s.done:
		}
	}()
}

func (h *Hub) handleIdle(s *Session) {
	h.mu.Lock()
	if h.sessions[s.docID] != s || s.members.Load() > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.docID)
	h.stopping[s.docID] = s
	h.mu.Unlock()
	s.Stop()
}

func (h *Hub) sessionDone(s *Session) {
	h.mu.Lock()
	if h.stopping[s.docID] == s {
		delete(h.stopping, s.docID)
	}
	if h.sessions[s.docID] == s {
		delete(h.sessions, s.docID)
	}
	h.mu.Unlock()
	sessionsActive.Dec()
	h.log.Info("session stopped", zap.String("doc", s.docID))
}

func (h *Hub) autosave(ctx context.Context) {
	h.mu.RLock()
	var dirty []*Session
	for _, s := range h.sessions {
		if s.dirty() {
			dirty = append(dirty, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range dirty {
		if !s.saving.CompareAndSwap(false, true) {
			continue
		}
		go func(s *Session) {
			defer s.saving.Store(false)
			h.autosaveSession(ctx, s)
		}(s)
	}
}

func (h *Hub) autosaveSession(ctx context.Context, s *Session) {
	snap, ok := s.requestSnapshot(ctx)
	if !ok || len(snap.editors) == 0 {
		return
	}
	res, err := s.persistAs(ctx, snap, "Autosave")
	switch {
	case err != nil:
		// Retried on the next tick.
		autosavesTotal.WithLabelValues("failed").Inc()
		s.log.Warn("autosave failed", zap.Error(err))
	case res.Queued:
		autosavesTotal.WithLabelValues("coalesced").Inc()
	case !res.Accepted:
		autosavesTotal.WithLabelValues("stale").Inc()
	default:
		autosavesTotal.WithLabelValues("saved").Inc()
	}
}

// saveAuthor picks who a session save is committed as: the most recent
// editor who can still write, else the owner.
func (h *Hub) saveAuthor(ctx context.Context, docID string, editors []string) (string, error) {
	doc, err := h.docs.Get(ctx, docID)
	if err != nil {
		return "", err
	}
	for _, u := range editors {
		if u == doc.OwnerID {
			return u, nil
		}
		role, err := h.docs.GetGrant(ctx, docID, u)
		if err != nil {
			return "", err
		}
		if role.CanWrite() {
			return u, nil
		}
	}
	return doc.OwnerID, nil
}

// RoleChanged updates the role of userID's clients in the live session.
func (h *Hub) RoleChanged(docID, userID string, role store.Role) {
	if s := h.GetSession(docID); s != nil {
		s.changeRole(userID, role)
	}
}

// Reset replaces every live replica of docID with content. It is called
// by the coordinator while the document's lock is held.
func (h *Hub) Reset(ctx context.Context, docID, content string) error {
	h.mu.RLock()
	s := h.sessions[docID]
	old := h.stopping[docID]
	h.mu.RUnlock()

	if old != nil {
		// Its pending final save predates the reset.
		old.epoch.Add(1)
	}
	if s == nil {
		return nil
	}
	return s.reset(ctx, content)
}

// Evict disconnects every client of docID and drops its session without
// saving.
func (h *Hub) Evict(docID string) {
	h.mu.Lock()
	s := h.sessions[docID]
	old := h.stopping[docID]
	delete(h.sessions, docID)
	h.mu.Unlock()

	for _, sess := range []*Session{s, old} {
		if sess != nil {
			sess.evicted.Store(true)
			sess.Stop()
		}
	}
	if s != nil {
		h.log.Info("session evicted", zap.String("doc", docID))
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	all := make([]*Session, 0, len(h.sessions)+len(h.stopping))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	for _, s := range h.stopping {
		all = append(all, s)
	}
	h.mu.Unlock()

	for _, s := range all {
		s.Stop()
	}
	for _, s := range all {
		<-s.done
	}
}

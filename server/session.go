package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alimasry/go-collab-docs/broker"
	"github.com/alimasry/go-collab-docs/coordinator"
	"github.com/alimasry/go-collab-docs/crdt"
	"github.com/alimasry/go-collab-docs/presence"
	"github.com/alimasry/go-collab-docs/store"
)

const (
	finalSaveTimeout = 10 * time.Second
	finalSaveRetry   = 50 * time.Millisecond
	peerSyncTimeout  = time.Second
)

type clientMessage struct {
	client *Client
	msg    ClientMessage
}

type memberJoin struct {
	client *Client
	role   store.Role
}

type resetRequest struct {
	content string
	epoch   uint64
	done    chan struct{}
}

type roleChange struct {
	userID string
	role   store.Role
}

type saveReply struct {
	client *Client
	res    coordinator.SaveResult
	err    error
}

// snapshot is the converged content of a session at one point of its loop.
// editors lists the users who edited the session, most recent first.
type snapshot struct {
	content string
	rev     uint64
	epoch   uint64
	editors []string
}

// seed builds a replica holding content as one insert minted for a seed
// origin derived from the epoch, so every session of the same epoch agrees
// on the ids of the seeded text.
func seed(origin, content string, epoch uint64) *crdt.Replica {
	r := crdt.NewReplica(origin)
	if content != "" {
		r.ApplyRemote(crdt.Op{
			Kind: crdt.KindInsert,
			ID:   crdt.ID{Counter: 1, Origin: fmt.Sprintf("seed-%d", epoch)},
			Text: content,
		})
	}
	return r
}

// Session manages collaboration for a single document.
// All replica and client state is owned by a single goroutine.
type Session struct {
	docID  string
	id     string // broker member id, also the origin of server-minted ops
	hub    *Hub
	log    *zap.Logger
	broker broker.Broker
	sub    *broker.Subscription

	replica  *crdt.Replica
	current  uint64 // epoch of replica
	presence *presence.Tracker
	updates  <-chan presence.Update
	unsub    func()
	clients  map[*Client]store.Role
	editors  []string // users behind local edits, most recent first
	pending  [][]byte // broker messages received while loading peer state

	// Read outside the loop by the hub, autosave and Reset.
	epoch    atomic.Uint64
	rev      atomic.Uint64
	savedRev atomic.Uint64
	members  atomic.Int32
	saving   atomic.Bool
	evicted  atomic.Bool

	incoming  chan clientMessage
	join      chan memberJoin
	leave     chan *Client
	resets    chan resetRequest
	roles     chan roleChange
	snapshots chan chan snapshot
	saved     chan saveReply

	stopOnce sync.Once
	stop     chan struct{}
	loopDone chan struct{}
	done     chan struct{}
}

// newSession joins the document's broker room. When sessions in other
// processes already hold the document, the replica is loaded from one of
// them; otherwise it is seeded from content.
func newSession(ctx context.Context, h *Hub, docID, content string) (*Session, error) {
	id := "srv-" + uuid.NewString()
	sub, err := h.broker.Join(docID, id)
	if err != nil {
		return nil, fmt.Errorf("join broker room %q: %w", docID, err)
	}
	tracker := presence.NewTracker()
	updates, unsub := tracker.Subscribe()
	s := &Session{
		docID:     docID,
		id:        id,
		hub:       h,
		log:       h.log.With(zap.String("doc", docID)),
		broker:    h.broker,
		sub:       sub,
		replica:   seed(id, content, 0),
		presence:  tracker,
		updates:   updates,
		unsub:     unsub,
		clients:   make(map[*Client]store.Role),
		incoming:  make(chan clientMessage, 64),
		join:      make(chan memberJoin, 16),
		leave:     make(chan *Client, 16),
		resets:    make(chan resetRequest),
		roles:     make(chan roleChange),
		snapshots: make(chan chan snapshot),
		saved:     make(chan saveReply, 16),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.syncFromPeers(ctx)
	return s, nil
}

// syncFromPeers asks the room for a full state and loads the first answer
// addressed to this session. Messages that arrive meanwhile are replayed
// once the loop starts.
func (s *Session) syncFromPeers(ctx context.Context) {
	n, err := s.broker.Peers(ctx, s.docID, s.id)
	if err != nil {
		s.log.Warn("peer lookup failed, starting from stored content", zap.Error(err))
		return
	}
	if n == 0 {
		return
	}
	s.requestState()

	timer := time.NewTimer(peerSyncTimeout)
	defer timer.Stop()
	for {
		select {
		case data, ok := <-s.sub.C:
			if !ok {
				return
			}
			var msg ServerMessage
			if json.Unmarshal(data, &msg) == nil && msg.Type == MsgState && msg.Target == s.id {
				s.current = msg.Epoch
				s.epoch.Store(msg.Epoch)
				s.replica = crdt.Load(s.id, msg.Ops)
				s.log.Debug("loaded peer state", zap.Uint64("epoch", msg.Epoch), zap.Int("peers", n))
				return
			}
			s.pending = append(s.pending, data)
		case <-timer.C:
			s.log.Warn("no peer answered, starting from stored content", zap.Int("peers", n))
			return
		case <-ctx.Done():
			return
		}
	}
}

// requestState asks every other session of the document for its full state.
func (s *Session) requestState() {
	s.publish(ServerMessage{Type: MsgStateRequest, DocID: s.docID, ClientID: s.id})
}

// Run is the session's main loop. It serializes all operations.
func (s *Session) Run() {
	defer s.shutdown()
	for _, data := range s.pending {
		s.handleRemote(data)
	}
	s.pending = nil

	brokerC := s.sub.C
	for {
		select {
		case j := <-s.join:
			s.handleJoin(j)
		case c := <-s.leave:
			s.handleLeave(c)
		case cm := <-s.incoming:
			s.handleMessage(cm)
		case data, ok := <-brokerC:
			if !ok {
				brokerC = nil
				continue
			}
			s.handleRemote(data)
		case <-s.sub.Lost:
			s.log.Debug("broker dropped messages, resyncing")
			s.requestState()
		case u := <-s.updates:
			s.handlePresence(u)
		case req := <-s.resets:
			s.handleReset(req)
		case rc := <-s.roles:
			s.handleRoleChange(rc)
		case reply := <-s.snapshots:
			reply <- s.takeSnapshot()
		case r := <-s.saved:
			s.handleSaved(r)
		case <-s.stop:
			return
		}
	}
}

// Stop ends the loop. Remaining clients are disconnected and unsaved
// content is committed unless the document was evicted.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) dirty() bool { return s.rev.Load() > s.savedRev.Load() }

func (s *Session) markSaved(rev uint64) {
	for {
		cur := s.savedRev.Load()
		if rev <= cur || s.savedRev.CompareAndSwap(cur, rev) {
			return
		}
	}
}

func (s *Session) submit(cm clientMessage) {
	select {
	case s.incoming <- cm:
	case <-s.loopDone:
	}
}

func (s *Session) removeClient(c *Client) {
	select {
	case s.leave <- c:
	case <-s.loopDone:
	}
}

func (s *Session) handleJoin(j memberJoin) {
	c := j.client
	if c.isGone() {
		// Disconnected before the join got here; its leave was a no-op.
		s.members.Add(-1)
		if len(s.clients) == 0 {
			s.hub.sessionIdle(s)
		}
		return
	}
	s.clients[c] = j.role

	c.sendMsg(s.syncMessage(c, j.role))

	join := ServerMessage{
		Type:     MsgJoin,
		DocID:    s.docID,
		ClientID: c.ID,
		Name:     c.Name,
		Color:    c.Color,
	}
	s.forward(join.Encode(), c.ID)
	s.publish(join)
	s.presence.SetLocal(c.ID, presence.State{Name: c.Name, Color: c.Color})
	s.log.Debug("client joined", zap.String("client", c.ID), zap.String("user", c.UserID), zap.String("role", string(j.role)))
}

func (s *Session) syncMessage(c *Client, role store.Role) ServerMessage {
	return ServerMessage{
		Type:     MsgSync,
		DocID:    s.docID,
		Epoch:    s.current,
		Content:  s.replica.Materialize(),
		Ops:      s.replica.State(),
		ClientID: c.ID,
		Role:     role,
		Clients:  s.clientInfos(),
	}
}

func (s *Session) handleLeave(c *Client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.close()
	s.members.Add(-1)

	s.presence.Disconnect(c.ID)
	leave := ServerMessage{Type: MsgLeave, DocID: s.docID, ClientID: c.ID}
	s.forward(leave.Encode(), "")
	s.publish(leave)

	if len(s.clients) == 0 {
		s.hub.sessionIdle(s)
	}
}

func (s *Session) handleMessage(cm clientMessage) {
	c, msg := cm.client, cm.msg
	role, ok := s.clients[c]
	if !ok {
		return
	}

	switch msg.Type {
	case MsgOp, MsgEdit:
		if !role.CanWrite() {
			opsTotal.WithLabelValues("forbidden").Inc()
			c.sendError("read-only access")
			return
		}
		if msg.Epoch != s.current {
			// Minted against a replica that has since been reset.
			opsTotal.WithLabelValues("stale").Inc()
			return
		}
		op, ok := s.integrate(c, msg)
		if !ok {
			opsTotal.WithLabelValues("malformed").Inc()
			s.log.Debug("dropped malformed op", zap.String("client", c.ID))
			return
		}
		opsTotal.WithLabelValues("applied").Inc()
		s.rev.Add(1)
		s.noteEditor(c.UserID)

		out := ServerMessage{Type: MsgOp, DocID: s.docID, Epoch: s.current, Op: &op, ClientID: c.ID}
		except := c.ID
		if msg.Type == MsgEdit {
			// The sender has no id for the minted op yet.
			except = ""
		}
		s.forward(out.Encode(), except)
		s.publish(out)

	case MsgAwareness:
		if msg.State == nil {
			return
		}
		state := *msg.State
		if state.Name == "" {
			state.Name = c.Name
		}
		if state.Color == "" {
			state.Color = c.Color
		}
		s.presence.SetLocal(c.ID, state)

	case MsgSave:
		if !role.CanWrite() {
			c.sendError("read-only access")
			return
		}
		snap := s.takeSnapshot()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), finalSaveTimeout)
			defer cancel()
			res, err := s.persist(ctx, snap, c.UserID, "Save")
			select {
			case s.saved <- saveReply{client: c, res: res, err: err}:
			case <-s.loopDone:
			}
		}()

	case MsgSync:
		c.sendMsg(s.syncMessage(c, role))

	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// integrate applies a client op or edit to the session replica and returns
// the operation to relay.
func (s *Session) integrate(c *Client, msg ClientMessage) (crdt.Op, bool) {
	if msg.Type == MsgEdit {
		if msg.Edit == nil {
			return crdt.Op{}, false
		}
		return s.replica.ApplyLocal(*msg.Edit)
	}
	if msg.Op == nil {
		return crdt.Op{}, false
	}
	op := *msg.Op
	// Clients may only mint ids for their own origin.
	if op.Kind == crdt.KindInsert && op.ID.Origin != c.ID {
		return crdt.Op{}, false
	}
	if !s.replica.ApplyRemote(op) {
		return crdt.Op{}, false
	}
	return op, true
}

// handleRemote applies a message relayed by another session of the same
// document and passes it on to local clients.
func (s *Session) handleRemote(data []byte) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("dropped undecodable broker message", zap.Error(err))
		return
	}

	switch msg.Type {
	case MsgOp:
		if msg.Op == nil || msg.Epoch < s.current {
			return
		}
		if !s.replica.ApplyRemote(*msg.Op) {
			return
		}
		s.forward(data, "")
	case MsgAwareness:
		if msg.State != nil {
			// Forwarded to clients from the presence subscription.
			s.presence.ApplyRemote(msg.ClientID, *msg.State)
		}
	case MsgJoin:
		s.forward(data, "")
	case MsgLeave:
		s.presence.Disconnect(msg.ClientID)
		s.forward(data, "")
	case MsgReset:
		if msg.Epoch <= s.current {
			return
		}
		s.adopt(msg.Epoch, msg.Ops)
		s.forward(data, "")
	case MsgStateRequest:
		if msg.ClientID == "" {
			return
		}
		s.publish(ServerMessage{
			Type:   MsgState,
			DocID:  s.docID,
			Epoch:  s.current,
			Ops:    s.replica.State(),
			Target: msg.ClientID,
		})
	case MsgState:
		if msg.Target != s.id || msg.Epoch < s.current {
			return
		}
		before := s.replica.Materialize()
		if msg.Epoch > s.current {
			s.adopt(msg.Epoch, msg.Ops)
		} else {
			for _, op := range msg.Ops {
				s.replica.ApplyRemote(op)
			}
		}
		if s.replica.Materialize() == before {
			return
		}
		// Local clients missed the same messages as the session.
		for c, role := range s.clients {
			c.sendMsg(s.syncMessage(c, role))
		}
	}
}

// adopt replaces the replica with the full state of a later epoch.
func (s *Session) adopt(epoch uint64, ops []crdt.Op) {
	if s.epoch.Load() < epoch {
		s.epoch.Store(epoch)
	}
	s.current = epoch
	s.replica = crdt.Load(s.id, ops)
	s.markSaved(s.rev.Load())
}

// noteEditor moves user to the front of the editor list.
func (s *Session) noteEditor(user string) {
	for i, u := range s.editors {
		if u == user {
			copy(s.editors[1:i+1], s.editors[:i])
			s.editors[0] = user
			return
		}
	}
	s.editors = append([]string{user}, s.editors...)
}

// handleRoleChange applies a grant change to the user's connected clients.
// Clients that lost read access are disconnected.
func (s *Session) handleRoleChange(rc roleChange) {
	for c := range s.clients {
		if c.UserID != rc.userID {
			continue
		}
		if !rc.role.CanRead() {
			c.sendError("access revoked")
			s.handleLeave(c)
			continue
		}
		s.clients[c] = rc.role
		c.sendMsg(ServerMessage{Type: MsgRole, DocID: s.docID, Role: rc.role})
	}
}

func (s *Session) changeRole(userID string, role store.Role) {
	select {
	case s.roles <- roleChange{userID: userID, role: role}:
	case <-s.loopDone:
	}
}

func (s *Session) handlePresence(u presence.Update) {
	// Joins and leaves are announced explicitly.
	if u.Removed {
		return
	}
	state := u.State
	msg := ServerMessage{Type: MsgAwareness, DocID: s.docID, ClientID: u.SessionID, State: &state}
	if u.Local {
		s.forward(msg.Encode(), u.SessionID)
		s.publish(msg)
		return
	}
	s.forward(msg.Encode(), "")
}

func (s *Session) handleReset(req resetRequest) {
	defer close(req.done)
	if req.epoch <= s.current {
		return
	}
	s.current = req.epoch
	s.replica = seed(s.id, req.content, req.epoch)
	s.markSaved(s.rev.Load())

	msg := ServerMessage{
		Type:    MsgReset,
		DocID:   s.docID,
		Epoch:   req.epoch,
		Content: req.content,
		Ops:     s.replica.State(),
	}
	s.forward(msg.Encode(), "")
	s.publish(msg)
	s.log.Info("replicas reset", zap.Uint64("epoch", req.epoch))
}

func (s *Session) handleSaved(r saveReply) {
	if _, ok := s.clients[r.client]; !ok {
		return
	}
	if r.err != nil {
		r.client.sendError("save failed: " + r.err.Error())
		return
	}
	r.client.sendMsg(ServerMessage{Type: MsgSaved, DocID: s.docID, Hash: r.res.Hash, Queued: r.res.Queued})
}

// reset bumps the epoch and waits for the loop to replace the replica.
func (s *Session) reset(ctx context.Context, content string) error {
	req := resetRequest{content: content, epoch: s.epoch.Add(1), done: make(chan struct{})}
	select {
	case s.resets <- req:
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) takeSnapshot() snapshot {
	return snapshot{
		content: s.replica.Materialize(),
		rev:     s.rev.Load(),
		epoch:   s.current,
		editors: append([]string(nil), s.editors...),
	}
}

// requestSnapshot asks the loop for a snapshot from another goroutine.
func (s *Session) requestSnapshot(ctx context.Context) (snapshot, bool) {
	reply := make(chan snapshot, 1)
	select {
	case s.snapshots <- reply:
	case <-s.loopDone:
		return snapshot{}, false
	case <-ctx.Done():
		return snapshot{}, false
	}
	return <-reply, true
}

// persist saves a snapshot through the coordinator. The save is dropped if
// a reset or an eviction happened after the snapshot was taken.
func (s *Session) persist(ctx context.Context, snap snapshot, author, message string) (coordinator.SaveResult, error) {
	res, err := s.hub.coord.RequestSave(ctx, s.docID, snap.content, author,
		coordinator.WithMessage(message),
		coordinator.WithGuard(func() bool { return !s.evicted.Load() && s.epoch.Load() == snap.epoch }))
	if err == nil && res.Accepted && !res.Queued {
		s.markSaved(snap.rev)
	}
	return res, err
}

// persistAs saves a snapshot on behalf of its editors, committed as the
// most recent editor who can still write.
func (s *Session) persistAs(ctx context.Context, snap snapshot, message string) (coordinator.SaveResult, error) {
	author, err := s.hub.saveAuthor(ctx, s.docID, snap.editors)
	if err != nil {
		return coordinator.SaveResult{}, err
	}
	return s.persist(ctx, snap, author, message)
}

// forward sends data to every local client except the one with id except.
func (s *Session) forward(data []byte, except string) {
	for c := range s.clients {
		if c.ID != except {
			c.sendRaw(data)
		}
	}
}

func (s *Session) publish(msg ServerMessage) {
	if err := s.broker.Broadcast(context.Background(), s.docID, s.id, msg.Encode()); err != nil {
		s.log.Warn("broadcast failed", zap.String("type", msg.Type), zap.Error(err))
	}
}

func (s *Session) clientInfos() []ClientInfo {
	records := s.presence.Snapshot()
	infos := make([]ClientInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, ClientInfo{
			ID:     rec.SessionID,
			Name:   rec.State.Name,
			Color:  rec.State.Color,
			Anchor: rec.State.Anchor,
			Head:   rec.State.Head,
		})
	}
	return infos
}

func (s *Session) shutdown() {
	close(s.loopDone)
	s.unsub()
	s.broker.Leave(s.docID, s.id)

	for c := range s.clients {
		if s.evicted.Load() {
			c.sendError("document deleted")
		}
		c.close()
		delete(s.clients, c)
	}

	if !s.evicted.Load() && s.dirty() && len(s.editors) > 0 {
		s.finalSave()
	}
	s.hub.sessionDone(s)
	close(s.done)
}

// finalSave commits the last content, retrying while another save holds
// the document's lock.
func (s *Session) finalSave() {
	ctx, cancel := context.WithTimeout(context.Background(), finalSaveTimeout)
	defer cancel()
	snap := s.takeSnapshot()
	for {
		res, err := s.persistAs(ctx, snap, "Autosave")
		if err != nil {
			s.log.Warn("final save failed", zap.Error(err))
			return
		}
		if !res.Queued {
			return
		}
		select {
		case <-ctx.Done():
			s.log.Warn("final save timed out", zap.Error(ctx.Err()))
			return
		case <-time.After(finalSaveRetry):
		}
	}
}

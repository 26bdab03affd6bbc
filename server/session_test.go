package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alimasry/go-collab-docs/broker"
	"github.com/alimasry/go-collab-docs/coordinator"
	"github.com/alimasry/go-collab-docs/crdt"
	"github.com/alimasry/go-collab-docs/history"
	"github.com/alimasry/go-collab-docs/presence"
	"github.com/alimasry/go-collab-docs/service"
	"github.com/alimasry/go-collab-docs/store"
)

func ctx() context.Context { return context.Background() }

type testEnv struct {
	docs   *store.MemoryStore
	hist   *history.Store
	coord  *coordinator.Coordinator
	svc    *service.Service
	broker *broker.Memory
	hub    *Hub
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	log := zap.NewNop()
	e := &testEnv{
		docs:   store.NewMemoryStore(),
		hist:   history.New(history.NewMemoryBackend(), log),
		broker: broker.NewMemory(log),
	}
	e.coord = coordinator.New(e.docs, e.hist, log)
	e.svc = service.New(e.docs, e.hist, e.coord, log)
	e.hub = NewHub(e.docs, e.coord, e.broker, cfg, log)
	e.coord.SetLive(e.hub)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.hub.Run(runCtx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		e.broker.Close()
	})
	return e
}

// createDoc creates a document owned by owner with saved content and the
// given grants.
func (e *testEnv) createDoc(t *testing.T, owner, content string, grants map[string]store.Role) string {
	t.Helper()
	doc, err := e.svc.Create(ctx(), "Notes", owner)
	if err != nil {
		t.Fatal(err)
	}
	if content != "" {
		if _, err := e.svc.Save(ctx(), doc.ID, content, owner); err != nil {
			t.Fatal(err)
		}
	}
	for user, role := range grants {
		if err := e.svc.Share(ctx(), doc.ID, owner, user, role); err != nil {
			t.Fatal(err)
		}
	}
	return doc.ID
}

// join routes a mock client into the document and returns its sync message.
func (e *testEnv) join(t *testing.T, c *Client, docID string) ServerMessage {
	t.Helper()
	e.hub.Join(c, docID)
	return recvType(t, c, MsgSync)
}

// mockClient creates a client without a real WebSocket connection, for testing.
func mockClient(id, user string) *Client {
	return &Client{
		ID:     id,
		UserID: user,
		Name:   "Test " + id,
		Color:  "#000000",
		send:   make(chan []byte, 256),
	}
}

// recvMsg reads one message from a mock client's send channel with timeout.
func recvMsg(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return ServerMessage{}
	}
}

// recvWhere skips messages until one matches.
func recvWhere(t *testing.T, c *Client, match func(ServerMessage) bool) ServerMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				t.Fatal("send channel closed")
			}
			var msg ServerMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if match(msg) {
				return msg
			}
		case <-deadline:
			t.Fatal("timeout waiting for matching message")
			return ServerMessage{}
		}
	}
}

func recvType(t *testing.T, c *Client, typ string) ServerMessage {
	t.Helper()
	return recvWhere(t, c, func(m ServerMessage) bool { return m.Type == typ })
}

// expectClosed drains c until its send channel is closed.
func expectClosed(t *testing.T, c *Client) []ServerMessage {
	t.Helper()
	var seen []ServerMessage
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return seen
			}
			var msg ServerMessage
			json.Unmarshal(data, &msg)
			seen = append(seen, msg)
		case <-deadline:
			t.Fatal("send channel not closed")
			return nil
		}
	}
}

func liveContent(t *testing.T, s *Session) string {
	t.Helper()
	snap, ok := s.requestSnapshot(ctx())
	if !ok {
		t.Fatal("session stopped")
	}
	return snap.content
}

// barrier returns once the session has processed everything c sent before.
func barrier(t *testing.T, s *Session, c *Client) {
	t.Helper()
	s.submit(clientMessage{client: c, msg: ClientMessage{Type: MsgSync}})
	recvType(t, c, MsgSync)
}

func sendOp(s *Session, c *Client, epoch uint64, op crdt.Op) {
	s.submit(clientMessage{client: c, msg: ClientMessage{Type: MsgOp, Epoch: epoch, Op: &op}})
}

func TestSession_JoinAndReceiveSync(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "hello", nil)

	c := mockClient("c1", "u1")
	msg := e.join(t, c, docID)

	if msg.DocID != docID || msg.Content != "hello" {
		t.Errorf("sync = %+v", msg)
	}
	if msg.Role != store.RoleOwner || msg.ClientID != "c1" || msg.Epoch != 0 {
		t.Errorf("sync role/client/epoch = %q %q %d", msg.Role, msg.ClientID, msg.Epoch)
	}
	if r := crdt.Load("c1", msg.Ops); r.Materialize() != "hello" {
		t.Errorf("replica from sync ops = %q", r.Materialize())
	}
}

func TestSession_OpBroadcast(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "hello", map[string]store.Role{"u2": store.RoleWriter})

	c1 := mockClient("c1", "u1")
	c2 := mockClient("c2", "u2")
	sync1 := e.join(t, c1, docID)
	sync2 := e.join(t, c2, docID)
	if j := recvType(t, c1, MsgJoin); j.ClientID != "c2" {
		t.Errorf("join notification for %q", j.ClientID)
	}

	r1 := crdt.Load("c1", sync1.Ops)
	r2 := crdt.Load("c2", sync2.Ops)
	s := e.hub.GetSession(docID)

	op, _ := r1.Insert(0, "X")
	sendOp(s, c1, 0, op)

	got := recvType(t, c2, MsgOp)
	if got.ClientID != "c1" || got.Op == nil {
		t.Fatalf("broadcast = %+v", got)
	}
	r2.ApplyRemote(*got.Op)
	if r2.Materialize() != "Xhello" {
		t.Errorf("c2 content = %q", r2.Materialize())
	}
	if content := liveContent(t, s); content != "Xhello" {
		t.Errorf("session content = %q", content)
	}
	if !s.dirty() {
		t.Error("session not dirty after an edit")
	}
}

func TestSession_ConcurrentOpsConverge(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "abc", map[string]store.Role{"u2": store.RoleWriter})

	c1 := mockClient("c1", "u1")
	c2 := mockClient("c2", "u2")
	r1 := crdt.Load("c1", e.join(t, c1, docID).Ops)
	r2 := crdt.Load("c2", e.join(t, c2, docID).Ops)
	s := e.hub.GetSession(docID)

	// Both edit at position 3 without seeing the other.
	op1, _ := r1.Insert(3, "X")
	op2, _ := r2.Insert(3, "Y")
	sendOp(s, c1, 0, op1)
	sendOp(s, c2, 0, op2)

	if m := recvType(t, c2, MsgOp); !r2.ApplyRemote(*m.Op) {
		t.Fatal("c2 rejected op")
	}
	if m := recvType(t, c1, MsgOp); !r1.ApplyRemote(*m.Op) {
		t.Fatal("c1 rejected op")
	}

	server := liveContent(t, s)
	if r1.Materialize() != server || r2.Materialize() != server {
		t.Errorf("diverged: c1=%q c2=%q server=%q", r1.Materialize(), r2.Materialize(), server)
	}
	if len(server) != 5 || !strings.HasPrefix(server, "abc") {
		t.Errorf("server content = %q", server)
	}
}

func TestSession_ThinClientEdit(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "abc", nil)

	c1 := mockClient("c1", "u1")
	e.join(t, c1, docID)
	s := e.hub.GetSession(docID)

	s.submit(clientMessage{client: c1, msg: ClientMessage{Type: MsgEdit, Edit: &crdt.Edit{Pos: 1, Len: 1}}})
	// The sender also receives the op minted for its edit.
	m := recvType(t, c1, MsgOp)
	if m.Op == nil || m.Op.Kind != crdt.KindDelete {
		t.Errorf("op = %+v", m.Op)
	}
	if content := liveContent(t, s); content != "ac" {
		t.Errorf("content = %q", content)
	}
}

func TestSession_ReaderCannotEdit(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "hello", map[string]store.Role{"r": store.RoleReader})

	reader := mockClient("r1", "r")
	sync := e.join(t, reader, docID)
	if sync.Role != store.RoleReader {
		t.Errorf("role = %q", sync.Role)
	}
	s := e.hub.GetSession(docID)

	op, _ := crdt.Load("r1", sync.Ops).Insert(0, "X")
	sendOp(s, reader, 0, op)
	if m := recvType(t, reader, MsgError); m.Message != "read-only access" {
		t.Errorf("error = %q", m.Message)
	}
	if content := liveContent(t, s); content != "hello" {
		t.Errorf("content = %q", content)
	}

	s.submit(clientMessage{client: reader, msg: ClientMessage{Type: MsgSave}})
	if m := recvType(t, reader, MsgError); m.Message != "read-only access" {
		t.Errorf("save error = %q", m.Message)
	}
}

func TestSession_MalformedAndStaleOpsDropped(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "hello", map[string]store.Role{"u2": store.RoleWriter})

	c1 := mockClient("c1", "u1")
	c2 := mockClient("c2", "u2")
	sync1 := e.join(t, c1, docID)
	e.join(t, c2, docID)
	s := e.hub.GetSession(docID)

	// Insert minted for someone else's origin.
	forged, _ := crdt.Load("c2", sync1.Ops).Insert(0, "F")
	sendOp(s, c1, 0, forged)
	// Empty text.
	sendOp(s, c1, 0, crdt.Op{Kind: crdt.KindInsert, ID: crdt.ID{Counter: 99, Origin: "c1"}})
	// Wrong epoch.
	stale, _ := crdt.Load("c1", sync1.Ops).Insert(0, "S")
	sendOp(s, c1, 7, stale)
	barrier(t, s, c1)

	if content := liveContent(t, s); content != "hello" {
		t.Errorf("content = %q", content)
	}
	if s.dirty() {
		t.Error("dropped ops marked the session dirty")
	}
	// Nothing but presence traffic reached c2.
	c2.send <- ServerMessage{Type: "marker"}.Encode()
	recvWhere(t, c2, func(m ServerMessage) bool {
		if m.Type == MsgOp {
			t.Errorf("dropped op was broadcast: %+v", m)
		}
		return m.Type == "marker"
	})
}

func TestSession_Awareness(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "hello", map[string]store.Role{"u2": store.RoleReader})

	c1 := mockClient("c1", "u1")
	c2 := mockClient("c2", "u2")
	e.join(t, c1, docID)
	e.join(t, c2, docID)
	s := e.hub.GetSession(docID)

	s.submit(clientMessage{client: c1, msg: ClientMessage{Type: MsgAwareness, State: &presence.State{Anchor: 1, Head: 3}}})
	m := recvWhere(t, c2, func(m ServerMessage) bool {
		return m.Type == MsgAwareness && m.ClientID == "c1" && m.State != nil && m.State.Head == 3
	})
	if m.State.Name != "Test c1" || m.State.Anchor != 1 {
		t.Errorf("state = %+v", m.State)
	}

	// Readers may share their cursor too.
	s.submit(clientMessage{client: c2, msg: ClientMessage{Type: MsgAwareness, State: &presence.State{Head: 2}}})
	recvWhere(t, c1, func(m ServerMessage) bool {
		return m.Type == MsgAwareness && m.ClientID == "c2" && m.State.Head == 2
	})

	// A sync lists everyone present.
	s.submit(clientMessage{client: c1, msg: ClientMessage{Type: MsgSync}})
	sync := recvType(t, c1, MsgSync)
	if len(sync.Clients) != 2 {
		t.Errorf("clients = %+v", sync.Clients)
	}
}

func TestSession_LeaveBroadcast(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "", map[string]store.Role{"u2": store.RoleWriter})

	c1 := mockClient("c1", "u1")
	c2 := mockClient("c2", "u2")
	e.join(t, c1, docID)
	e.join(t, c2, docID)
	s := e.hub.GetSession(docID)

	s.removeClient(c2)
	if m := recvType(t, c1, MsgLeave); m.ClientID != "c2" {
		t.Errorf("leave for %q", m.ClientID)
	}
	expectClosed(t, c2)
	if _, ok := s.presence.Get("c2"); ok {
		t.Error("presence record survived leave")
	}
	if s.presence.Subscribers() != 1 {
		t.Errorf("subscribers = %d", s.presence.Subscribers())
	}
}

func TestSession_ExplicitSave(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "hello", map[string]store.Role{"u2": store.RoleWriter})

	c2 := mockClient("c2", "u2")
	r := crdt.Load("c2", e.join(t, c2, docID).Ops)
	s := e.hub.GetSession(docID)

	op, _ := r.Insert(5, "!")
	sendOp(s, c2, 0, op)
	s.submit(clientMessage{client: c2, msg: ClientMessage{Type: MsgSave}})

	saved := recvType(t, c2, MsgSaved)
	head, _ := e.hist.Head(ctx(), docID)
	if saved.Hash != head.Hash || head.Content != "hello!" || head.Author != "u2" || head.Message != "Save" {
		t.Errorf("saved = %+v, head = %+v", saved, head)
	}
	if s.dirty() {
		t.Error("session still dirty after save")
	}
}

func TestSession_RollbackResetsReplicas(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "Hello", map[string]store.Role{"u2": store.RoleWriter})
	c1Hash, _ := e.hist.Head(ctx(), docID)
	e.svc.Save(ctx(), docID, "Hello World", "u2")

	c1 := mockClient("c1", "u1")
	c2 := mockClient("c2", "u2")
	sync1 := e.join(t, c1, docID)
	e.join(t, c2, docID)
	s := e.hub.GetSession(docID)

	res, err := e.svc.Rollback(ctx(), docID, c1Hash.Hash, "u1")
	if err != nil {
		t.Fatal(err)
	}
	// The reset is delivered before Rollback returns.
	for _, c := range []*Client{c1, c2} {
		m := recvType(t, c, MsgReset)
		if m.Epoch != 1 || m.Content != "Hello" {
			t.Errorf("reset = %+v", m)
		}
		if r := crdt.Load(c.ID, m.Ops); r.Materialize() != res.NewContent {
			t.Errorf("replica after reset = %q", r.Materialize())
		}
	}
	if content := liveContent(t, s); content != "Hello" {
		t.Errorf("live content = %q", content)
	}

	// An op minted before the reset is dropped.
	old, _ := crdt.Load("c1", sync1.Ops).Insert(0, "late ")
	sendOp(s, c1, 0, old)
	barrier(t, s, c1)
	if content := liveContent(t, s); content != "Hello" {
		t.Errorf("stale op applied: %q", content)
	}
	if s.dirty() {
		t.Error("session dirty after reset")
	}
}

func TestSession_RelaysThroughBroker(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "hello", nil)

	c1 := mockClient("c1", "u1")
	sync := e.join(t, c1, docID)
	s := e.hub.GetSession(docID)

	// A session of the same document in another process.
	peer, err := e.broker.Join(docID, "peer")
	if err != nil {
		t.Fatal(err)
	}
	defer e.broker.Leave(docID, "peer")

	remote := crdt.Load("remote-client", sync.Ops)
	op, _ := remote.Insert(0, ">")
	e.broker.Broadcast(ctx(), docID, "peer", ServerMessage{Type: MsgOp, DocID: docID, Op: &op, ClientID: "remote-client"}.Encode())

	if m := recvType(t, c1, MsgOp); m.ClientID != "remote-client" {
		t.Errorf("relayed op from %q", m.ClientID)
	}
	if content := liveContent(t, s); content != ">hello" {
		t.Errorf("content = %q", content)
	}
	if s.dirty() {
		t.Error("remote op marked the session dirty")
	}

	// Local ops are published for the peer.
	local, _ := crdt.Load("c1", sync.Ops).Insert(0, "<")
	sendOp(s, c1, 0, local)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-peer.C:
			var m ServerMessage
			json.Unmarshal(data, &m)
			if m.Type == MsgOp && m.ClientID == "c1" {
				return
			}
		case <-deadline:
			t.Fatal("op not published to broker")
		}
	}
}

func TestSession_StateExchange(t *testing.T) {
	e := newTestEnv(t, Config{})
	docID := e.createDoc(t, "u1", "hello", nil)

	c1 := mockClient("c1", "u1")
	sync := e.join(t, c1, docID)
	s := e.hub.GetSession(docID)

	peer, err := e.broker.Join(docID, "peer")
	if err != nil {
		t.Fatal(err)
	}
	defer e.broker.Leave(docID, "peer")

	// A peer asking for state gets the full replica addressed to it.
	e.broker.Broadcast(ctx(), docID, "peer", ServerMessage{Type: MsgStateRequest, DocID: docID, ClientID: "peer"}.Encode())
	deadline := time.After(2 * time.Second)
	for answered := false; !answered; {
		select {
		case data := <-peer.C:
			var m ServerMessage
			json.Unmarshal(data, &m)
			if m.Type != MsgState {
				continue
			}
			if m.Target != "peer" || crdt.Load("peer", m.Ops).Materialize() != "hello" {
				t.Errorf("state = %+v", m)
			}
			answered = true
		case <-deadline:
			t.Fatal("state request not answered")
		}
	}

	// A state with ops the session missed is merged and clients resynced.
	remote := crdt.Load("remote", sync.Ops)
	remote.Insert(5, " world")
	e.broker.Broadcast(ctx(), docID, "peer", ServerMessage{Type: MsgState, DocID: docID, Ops: remote.State(), Target: s.id}.Encode())
	if m := recvType(t, c1, MsgSync); m.Content != "hello world" {
		t.Errorf("resync content = %q", m.Content)
	}

	// States addressed to other sessions are ignored.
	remote.Insert(0, "x")
	e.broker.Broadcast(ctx(), docID, "peer", ServerMessage{Type: MsgState, DocID: docID, Ops: remote.State(), Target: "someone-else"}.Encode())
	barrier(t, s, c1)
	if content := liveContent(t, s); content != "hello world" {
		t.Errorf("content = %q", content)
	}
}

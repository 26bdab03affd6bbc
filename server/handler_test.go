package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alimasry/go-collab-docs/crdt"
	"github.com/alimasry/go-collab-docs/store"
)

func setupTestServer(t *testing.T, cfg Config) (*httptest.Server, *testEnv) {
	t.Helper()
	e := newTestEnv(t, cfg)
	server := httptest.NewServer(NewHandler(e.hub, e.svc, zap.NewNop()))
	t.Cleanup(server.Close)
	return server, e
}

func wsConnect(t *testing.T, server *httptest.Server, query url.Values) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWsMsg(t *testing.T, conn *websocket.Conn) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func readWsType(t *testing.T, conn *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	for {
		if msg := readWsMsg(t, conn); msg.Type == typ {
			return msg
		}
	}
}

func TestHandler_JoinByMessage(t *testing.T) {
	server, e := setupTestServer(t, Config{})
	docID := e.createDoc(t, "u1", "hi", nil)

	conn := wsConnect(t, server, url.Values{"user": {"u1"}})
	if err := conn.WriteJSON(ClientMessage{Type: MsgJoin, DocID: docID}); err != nil {
		t.Fatal(err)
	}
	resp := readWsMsg(t, conn)
	if resp.Type != MsgSync || resp.Content != "hi" {
		t.Errorf("got %+v", resp)
	}

	conn.WriteJSON(ClientMessage{Type: MsgJoin, DocID: docID})
	if resp := readWsType(t, conn, MsgError); resp.Message != "already joined to a document" {
		t.Errorf("second join: %q", resp.Message)
	}
}

func TestHandler_ErrorsBeforeJoin(t *testing.T) {
	server, _ := setupTestServer(t, Config{})

	conn := wsConnect(t, server, url.Values{"user": {"u1"}})
	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	if resp := readWsMsg(t, conn); resp.Message != "invalid message format" {
		t.Errorf("got %+v", resp)
	}
	conn.WriteJSON(ClientMessage{Type: MsgOp})
	if resp := readWsMsg(t, conn); resp.Message != "not joined to a document" {
		t.Errorf("got %+v", resp)
	}
}

func TestHandler_TwoClientsCollaborate(t *testing.T) {
	server, e := setupTestServer(t, Config{})
	docID := e.createDoc(t, "u1", "", map[string]store.Role{"u2": store.RoleWriter})

	conn1 := wsConnect(t, server, url.Values{"user": {"u1"}, "doc": {docID}})
	sync1 := readWsType(t, conn1, MsgSync)
	conn2 := wsConnect(t, server, url.Values{"user": {"u2"}, "doc": {docID}, "name": {"Bob"}})
	sync2 := readWsType(t, conn2, MsgSync)

	if joined := readWsType(t, conn1, MsgJoin); joined.Name != "Bob" || joined.ClientID != sync2.ClientID {
		t.Errorf("join notification = %+v", joined)
	}

	r1 := crdt.Load(sync1.ClientID, sync1.Ops)
	op, _ := r1.Insert(0, "hello")
	conn1.WriteJSON(ClientMessage{Type: MsgOp, Epoch: sync1.Epoch, Op: &op})

	broadcast := readWsType(t, conn2, MsgOp)
	r2 := crdt.Load(sync2.ClientID, sync2.Ops)
	if broadcast.Op == nil || !r2.ApplyRemote(*broadcast.Op) || r2.Materialize() != "hello" {
		t.Errorf("c2 replica = %q after %+v", r2.Materialize(), broadcast)
	}

	// Disconnecting announces the leave.
	conn2.Close()
	if left := readWsType(t, conn1, MsgLeave); left.ClientID != sync2.ClientID {
		t.Errorf("leave for %q", left.ClientID)
	}
}

func TestHandler_IdentityFromHeader(t *testing.T) {
	server, e := setupTestServer(t, Config{})
	docID := e.createDoc(t, "u1", "", nil)

	u := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?doc=" + docID
	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"X-User-Id": {"u1"}})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if sync := readWsType(t, conn, MsgSync); sync.Role != store.RoleOwner {
		t.Errorf("role = %q", sync.Role)
	}

	anon := wsConnect(t, server, url.Values{"doc": {docID}})
	if resp := readWsMsg(t, anon); resp.Message != "forbidden" {
		t.Errorf("anonymous join: %+v", resp)
	}
}

func TestHandler_RateLimit(t *testing.T) {
	server, e := setupTestServer(t, Config{OpsPerSecond: 0.001, Burst: 1})
	docID := e.createDoc(t, "u1", "", nil)

	conn := wsConnect(t, server, url.Values{"user": {"u1"}, "doc": {docID}})
	sync := readWsType(t, conn, MsgSync)
	r := crdt.Load(sync.ClientID, sync.Ops)

	first, _ := r.Insert(0, "a")
	second, _ := r.Insert(1, "b")
	conn.WriteJSON(ClientMessage{Type: MsgOp, Op: &first})
	conn.WriteJSON(ClientMessage{Type: MsgOp, Op: &second})

	if resp := readWsType(t, conn, MsgError); !strings.HasPrefix(resp.Message, "rate limited") {
		t.Errorf("got %q", resp.Message)
	}
	conn.WriteJSON(ClientMessage{Type: MsgSync})
	if sync := readWsType(t, conn, MsgSync); sync.Content != "a" {
		t.Errorf("content = %q, want only the first edit", sync.Content)
	}
}

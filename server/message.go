package server

import (
	"encoding/json"

	"github.com/alimasry/go-collab-docs/crdt"
	"github.com/alimasry/go-collab-docs/presence"
	"github.com/alimasry/go-collab-docs/store"
)

// Message types exchanged over WebSocket.
const (
	MsgJoin      = "join"
	MsgLeave     = "leave"
	MsgOp        = "op"
	MsgEdit      = "edit"
	MsgAwareness = "awareness"
	MsgSync      = "sync"
	MsgReset     = "reset"
	MsgSave      = "save"
	MsgSaved     = "saved"
	MsgRole      = "role"
	MsgError     = "error"

	// Relayed between sessions only.
	MsgStateRequest = "state_request"
	MsgState        = "state"
)

// ClientMessage is a message from client to server.
//
// Clients that run their own replica send "op" with an operation minted for
// their client id. Thin clients send "edit" and let the session's replica
// mint the operation.
type ClientMessage struct {
	Type  string          `json:"type"`
	DocID string          `json:"docId,omitempty"`
	Epoch uint64          `json:"epoch"`
	Op    *crdt.Op        `json:"op,omitempty"`
	Edit  *crdt.Edit      `json:"edit,omitempty"`
	State *presence.State `json:"state,omitempty"`
}

// ServerMessage is a message from server to client. The same encoding is
// relayed between sessions through the broker.
type ServerMessage struct {
	Type     string          `json:"type"`
	DocID    string          `json:"docId,omitempty"`
	Epoch    uint64          `json:"epoch"`
	Content  string          `json:"content,omitempty"`
	Ops      []crdt.Op       `json:"ops,omitempty"`
	Op       *crdt.Op        `json:"op,omitempty"`
	ClientID string          `json:"clientId,omitempty"`
	Name     string          `json:"name,omitempty"`
	Color    string          `json:"color,omitempty"`
	Role     store.Role      `json:"role,omitempty"`
	State    *presence.State `json:"state,omitempty"`
	Hash     string          `json:"hash,omitempty"`
	Queued   bool            `json:"queued,omitempty"`
	Message  string          `json:"message,omitempty"`
	Clients  []ClientInfo    `json:"clients,omitempty"`
	// Target is the session a state message answers.
	Target string `json:"target,omitempty"`
}

// ClientInfo describes a connected user.
type ClientInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
}

// Encode serializes a ServerMessage to JSON bytes.
func (m ServerMessage) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}

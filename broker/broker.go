// Package broker relays messages between the sessions attached to the same
// document. It owns no document state.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by brokers that have been shut down.
var ErrClosed = errors.New("broker closed")

// Broker fans messages out to every session in a document room except the
// sender. Delivery is at-least-once per live subscriber with no ordering
// across senders; a subscriber that falls behind or disconnects loses
// messages and must resync from full state.
type Broker interface {
	Join(docID, sessionID string) (*Subscription, error)
	Leave(docID, sessionID string)
	Broadcast(ctx context.Context, docID, senderID string, payload []byte) error
	// Peers returns how many other sessions, here or in other processes,
	// are subscribed to the room.
	Peers(ctx context.Context, docID, sessionID string) (int, error)
	Close() error
}

// Subscription is one session's membership in a room. C is closed when the
// session leaves or the broker shuts down. Lost receives a value whenever a
// message for this subscription was dropped; the session must then resync
// from a peer's full state.
type Subscription struct {
	DocID     string
	SessionID string
	C         <-chan []byte
	Lost      <-chan struct{}
}

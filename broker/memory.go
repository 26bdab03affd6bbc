package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const subscriberBuffer = 256

type member struct {
	ch   chan []byte
	lost chan struct{}
}

// Memory is an in-process Broker.
type Memory struct {
	log *zap.Logger

	mu     sync.RWMutex
	rooms  map[string]map[string]*member
	closed bool
}

func NewMemory(log *zap.Logger) *Memory {
	return &Memory{
		log:   log.Named("broker"),
		rooms: make(map[string]map[string]*member),
	}
}

// Join adds a session to a room. Joining twice replaces the earlier
// subscription, whose channel is closed.
func (m *Memory) Join(docID, sessionID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	room := m.rooms[docID]
	if room == nil {
		room = make(map[string]*member)
		m.rooms[docID] = room
	}
	if old, ok := room[sessionID]; ok {
		close(old.ch)
	}
	mem := &member{ch: make(chan []byte, subscriberBuffer), lost: make(chan struct{}, 1)}
	room[sessionID] = mem
	return &Subscription{DocID: docID, SessionID: sessionID, C: mem.ch, Lost: mem.lost}, nil
}

// Leave removes a session and closes its channel. Unknown sessions are
// ignored.
func (m *Memory) Leave(docID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room := m.rooms[docID]
	mem, ok := room[sessionID]
	if !ok {
		return
	}
	close(mem.ch)
	delete(room, sessionID)
	if len(room) == 0 {
		delete(m.rooms, docID)
	}
}

// Broadcast delivers payload to every other member of the room.
func (m *Memory) Broadcast(_ context.Context, docID, senderID string, payload []byte) error {
	m.deliver(docID, senderID, payload)
	return nil
}

// deliver never blocks; members with a full buffer miss the message and
// are flagged through their Lost channel.
func (m *Memory) deliver(docID, senderID string, payload []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, mem := range m.rooms[docID] {
		if id == senderID {
			continue
		}
		select {
		case mem.ch <- payload:
		default:
			select {
			case mem.lost <- struct{}{}:
			default:
			}
			m.log.Debug("dropped message for slow member",
				zap.String("doc", docID), zap.String("session", id))
		}
	}
}

func (m *Memory) Peers(_ context.Context, docID, sessionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room := m.rooms[docID]
	n := len(room)
	if _, ok := room[sessionID]; ok {
		n--
	}
	return n, nil
}

// Members returns the session ids currently in a room.
func (m *Memory) Members(docID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rooms[docID]))
	for id := range m.rooms[docID] {
		ids = append(ids, id)
	}
	return ids
}

func (m *Memory) hasRoom(docID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms[docID]) > 0
}

// Close closes every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("close memory broker: %w", ErrClosed)
	}
	m.closed = true
	for docID, room := range m.rooms {
		for _, mem := range room {
			close(mem.ch)
		}
		delete(m.rooms, docID)
	}
	return nil
}

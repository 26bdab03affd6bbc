// Package presence tracks ephemeral per-session awareness state such as
// cursor positions and display colours. Nothing here is persisted.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
)

var palette = []string{"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6", "#1abc9c", "#e67e22", "#00bcd4", "#ff5722", "#8bc34a"}

// State is what a session advertises about itself.
type State struct {
	Name   string `json:"name"`
	Color  string `json:"color,omitempty"`
	Anchor int    `json:"anchor"`
	Head   int    `json:"head"`
}

// Record is the last known state of one session.
type Record struct {
	SessionID string `json:"sessionId"`
	State     State  `json:"state"`
	Local     bool   `json:"-"`
}

// Update is published whenever a record changes or is removed.
type Update struct {
	SessionID string `json:"sessionId"`
	State     State  `json:"state"`
	Removed   bool   `json:"removed,omitempty"`
	Local     bool   `json:"-"`
}

// ColorFor picks a palette colour for a session, stable across calls.
func ColorFor(sessionID string) string {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return palette[h.Sum32()%uint32(len(palette))]
}

// Tracker holds the awareness records of one document. Writes are
// last-write-wins per session.
type Tracker struct {
	mu      sync.Mutex
	records map[string]Record
	subs    map[int]chan Update
	nextSub int
}

func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]Record),
		subs:    make(map[int]chan Update),
	}
}

// SetLocal records this process's own session state and publishes it.
func (t *Tracker) SetLocal(sessionID string, s State) Record {
	return t.set(sessionID, s, true)
}

// ApplyRemote overwrites a peer's state.
func (t *Tracker) ApplyRemote(sessionID string, s State) Record {
	return t.set(sessionID, s, false)
}

func (t *Tracker) set(sessionID string, s State, local bool) Record {
	if s.Color == "" {
		s.Color = ColorFor(sessionID)
	}
	rec := Record{SessionID: sessionID, State: s, Local: local}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[sessionID] = rec
	t.publish(Update{SessionID: sessionID, State: s, Local: local})
	return rec
}

// Disconnect removes a session's record. It reports whether a record existed.
func (t *Tracker) Disconnect(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[sessionID]
	if !ok {
		return false
	}
	delete(t.records, sessionID)
	t.publish(Update{SessionID: sessionID, State: rec.State, Removed: true, Local: rec.Local})
	return true
}

// Get returns the record for a session.
func (t *Tracker) Get(sessionID string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[sessionID]
	return rec, ok
}

// Snapshot returns all records ordered by session id.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Subscribe returns a channel of updates and the function that cancels the
// subscription. Callers must cancel when they stop reading; a subscriber
// that falls behind misses updates rather than blocking writers.
func (t *Tracker) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 64)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (t *Tracker) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// publish must be called with t.mu held.
func (t *Tracker) publish(u Update) {
	for _, ch := range t.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

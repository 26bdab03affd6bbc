// Package crdt implements a replicated growable array (RGA) for plain text.
//
// Every character carries a unique ID and is inserted after a parent
// character. Concurrent inserts after the same parent are ordered by
// descending ID, deletes leave tombstones, and operations that arrive before
// their dependencies are buffered. Applying the same set of operations in any
// order, any number of times, yields the same text on every replica.
package crdt

import (
	"sort"
	"strings"
	"unicode/utf8"
)

type element struct {
	id       ID
	parent   ID
	r        rune
	deleted  bool
	children []ID // descending ID order
}

// Replica is one session's copy of a document. It is not safe for
// concurrent use; callers serialise access (the server does so with one
// goroutine per document).
type Replica struct {
	origin string
	clock  uint64

	elems      map[ID]*element
	waiting    map[ID][]Op     // inserts whose parent is unknown, by parent
	waitingDel map[ID]struct{} // deletes whose target is unknown

	// visible order cache
	order []ID
	text  string
	dirty bool
}

// NewReplica returns an empty replica minting ids for origin.
func NewReplica(origin string) *Replica {
	return &Replica{
		origin:     origin,
		elems:      map[ID]*element{{}: {}},
		waiting:    make(map[ID][]Op),
		waitingDel: make(map[ID]struct{}),
	}
}

// Seeded returns a replica whose content is a single insert of content.
func Seeded(origin, content string) *Replica {
	r := NewReplica(origin)
	if content != "" {
		r.Insert(0, content)
	}
	return r
}

// Load returns a replica built from a full-state export of another replica.
func Load(origin string, ops []Op) *Replica {
	r := NewReplica(origin)
	for _, op := range ops {
		r.ApplyRemote(op)
	}
	return r
}

// Origin returns the origin this replica mints ids for.
func (r *Replica) Origin() string { return r.origin }

// Edit is a local, position-based change. A non-empty Text inserts at Pos,
// otherwise Len characters are deleted starting at Pos.
type Edit struct {
	Pos  int    `json:"pos"`
	Text string `json:"text,omitempty"`
	Len  int    `json:"len,omitempty"`
}

// ApplyLocal applies a local edit and returns the operation to broadcast.
// It reports false when the edit is out of range or empty.
func (r *Replica) ApplyLocal(e Edit) (Op, bool) {
	if e.Text != "" {
		return r.Insert(e.Pos, e.Text)
	}
	return r.Delete(e.Pos, e.Len)
}

// Insert inserts text before the visible character at pos.
func (r *Replica) Insert(pos int, text string) (Op, bool) {
	if text == "" || !utf8.ValidString(text) {
		return Op{}, false
	}
	order := r.visible()
	if pos < 0 || pos > len(order) {
		return Op{}, false
	}
	if uint64(utf8.RuneCountInString(text)) > MaxCounter-r.clock {
		return Op{}, false
	}
	var parent ID
	if pos > 0 {
		parent = order[pos-1]
	}
	op := Op{
		Kind:   KindInsert,
		ID:     ID{Counter: r.clock + 1, Origin: r.origin},
		Parent: parent,
		Text:   text,
	}
	r.integrate(op)
	return op, true
}

// Delete removes n visible characters starting at pos.
func (r *Replica) Delete(pos, n int) (Op, bool) {
	order := r.visible()
	if pos < 0 || n <= 0 || pos+n > len(order) {
		return Op{}, false
	}
	ids := make([]ID, n)
	copy(ids, order[pos:pos+n])
	op := Op{Kind: KindDelete, Spans: spansOf(ids)}
	r.tombstone(op)
	return op, true
}

// ApplyRemote merges an operation from another replica. Malformed
// operations are rejected without touching state and reported as false;
// duplicates are accepted and ignored.
func (r *Replica) ApplyRemote(op Op) bool {
	if op.Validate() != nil {
		return false
	}
	if op.Kind == KindInsert {
		r.integrate(op)
	} else {
		r.tombstone(op)
	}
	return true
}

// Materialize returns the visible text.
func (r *Replica) Materialize() string {
	r.visible()
	return r.text
}

// Len returns the number of visible characters.
func (r *Replica) Len() int { return len(r.visible()) }

// Pending returns the number of buffered operations waiting on a dependency.
func (r *Replica) Pending() int {
	n := len(r.waitingDel)
	for _, ops := range r.waiting {
		n += len(ops)
	}
	return n
}

func (r *Replica) observe(op Op) {
	if c := op.last(); c > r.clock {
		r.clock = c
	}
}

// integrate inserts the runes of op, then replays any inserts that were
// waiting on the new characters.
func (r *Replica) integrate(op Op) {
	queue := []Op{op}
	for len(queue) > 0 {
		op := queue[0]
		queue = queue[1:]

		if _, ok := r.elems[op.Parent]; !ok {
			r.waiting[op.Parent] = append(r.waiting[op.Parent], op)
			continue
		}
		r.observe(op)

		parent := op.Parent
		i := 0
		for _, ch := range op.Text {
			id := op.ID.plus(i)
			i++
			if _, exists := r.elems[id]; !exists {
				r.link(&element{id: id, parent: parent, r: ch})
				if w, ok := r.waiting[id]; ok {
					delete(r.waiting, id)
					queue = append(queue, w...)
				}
			}
			parent = id
		}
	}
}

func (r *Replica) link(e *element) {
	if _, ok := r.waitingDel[e.id]; ok {
		delete(r.waitingDel, e.id)
		e.deleted = true
	}
	r.elems[e.id] = e
	p := r.elems[e.parent]
	i := sort.Search(len(p.children), func(i int) bool { return p.children[i].Less(e.id) })
	p.children = append(p.children, ID{})
	copy(p.children[i+1:], p.children[i:])
	p.children[i] = e.id
	r.dirty = true
}

func (r *Replica) tombstone(op Op) {
	r.observe(op)
	for _, s := range op.Spans {
		for i := 0; i < s.Len; i++ {
			id := s.ID.plus(i)
			e, ok := r.elems[id]
			if !ok {
				r.waitingDel[id] = struct{}{}
				continue
			}
			if !e.deleted {
				e.deleted = true
				r.dirty = true
			}
		}
	}
}

// walk visits every element except the head in document order.
func (r *Replica) walk(fn func(e *element)) {
	stack := make([]ID, 0, 16)
	pushChildren := func(e *element) {
		for i := len(e.children) - 1; i >= 0; i-- {
			stack = append(stack, e.children[i])
		}
	}
	pushChildren(r.elems[ID{}])
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e := r.elems[id]
		fn(e)
		pushChildren(e)
	}
}

func (r *Replica) visible() []ID {
	if !r.dirty && r.order != nil {
		return r.order
	}
	order := make([]ID, 0, len(r.elems))
	var b strings.Builder
	r.walk(func(e *element) {
		if !e.deleted {
			order = append(order, e.id)
			b.WriteRune(e.r)
		}
	})
	r.order, r.text, r.dirty = order, b.String(), false
	return r.order
}

// State exports every integrated character as insert operations in causal
// order, followed by one delete covering all tombstones. Loading the result
// into an empty replica reproduces this replica's structure, so later
// operations from peers still find their parents.
func (r *Replica) State() []Op {
	var (
		ops   []Op
		run   []rune
		cur   Op
		prev  ID
		tombs []ID
	)
	flush := func() {
		if len(run) > 0 {
			cur.Text = string(run)
			ops = append(ops, cur)
			run = run[:0]
		}
	}
	r.walk(func(e *element) {
		if e.deleted {
			tombs = append(tombs, e.id)
		}
		if len(run) > 0 && e.parent == prev &&
			e.id.Origin == prev.Origin && e.id.Counter == prev.Counter+1 {
			run = append(run, e.r)
			prev = e.id
			return
		}
		flush()
		cur = Op{Kind: KindInsert, ID: e.id, Parent: e.parent}
		run = append(run, e.r)
		prev = e.id
	})
	flush()
	if len(tombs) > 0 {
		sort.Slice(tombs, func(i, j int) bool {
			if tombs[i].Origin != tombs[j].Origin {
				return tombs[i].Origin < tombs[j].Origin
			}
			return tombs[i].Counter < tombs[j].Counter
		})
		ops = append(ops, Op{Kind: KindDelete, Spans: spansOf(tombs)})
	}
	return ops
}

package crdt

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxCounter bounds every id counter. Ops reaching past it are rejected so
// a peer cannot push a replica's clock to where local ids would wrap.
const MaxCounter uint64 = 1 << 53

// ID identifies a single character. Counter is a Lamport timestamp local to
// Origin; the zero ID is the head sentinel every document starts from.
type ID struct {
	Counter uint64 `json:"c"`
	Origin  string `json:"o"`
}

// Less orders ids by counter, then origin. Every replica breaks ties between
// concurrent inserts with this order.
func (a ID) Less(b ID) bool {
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.Origin < b.Origin
}

func (a ID) IsZero() bool { return a.Counter == 0 && a.Origin == "" }

func (a ID) String() string { return fmt.Sprintf("%d@%s", a.Counter, a.Origin) }

func (a ID) valid() bool { return a.Counter > 0 && a.Origin != "" }

func (a ID) plus(n int) ID { return ID{Counter: a.Counter + uint64(n), Origin: a.Origin} }

// Kind is the type of an operation.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Span is a run of Len consecutive ids from one origin starting at ID.
type Span struct {
	ID  ID  `json:"id"`
	Len int `json:"len"`
}

// Op is an atomic edit exchanged between replicas.
//
// An insert places Text after Parent. Rune i of Text gets id ID+i and is
// parented on rune i-1, so a run stays contiguous unless another insert
// lands inside it later. A delete tombstones every id covered by Spans.
type Op struct {
	Kind   Kind   `json:"kind"`
	ID     ID     `json:"id"`
	Parent ID     `json:"parent"`
	Text   string `json:"text,omitempty"`
	Spans  []Span `json:"spans,omitempty"`
}

var (
	errUnknownKind = errors.New("unknown op kind")
	errBadID       = errors.New("op id must have a positive counter and an origin")
	errEmptyText   = errors.New("insert text is empty")
	errBadText     = errors.New("insert text is not valid UTF-8")
	errSelfParent  = errors.New("insert is parented inside its own run")
	errBadParent   = errors.New("insert parent is malformed")
	errNoSpans     = errors.New("delete has no spans")
	errBadSpan     = errors.New("delete span is malformed")
	errOverflow    = errors.New("id counter exceeds MaxCounter")
)

// Validate reports why an operation cannot be applied, or nil.
func (op Op) Validate() error {
	switch op.Kind {
	case KindInsert:
		if !op.ID.valid() {
			return errBadID
		}
		if op.Text == "" {
			return errEmptyText
		}
		if !utf8.ValidString(op.Text) {
			return errBadText
		}
		n := utf8.RuneCountInString(op.Text)
		if op.ID.Counter > MaxCounter || uint64(n) > MaxCounter-op.ID.Counter {
			return errOverflow
		}
		if !op.Parent.IsZero() && !op.Parent.valid() {
			return errBadParent
		}
		if op.Parent.Origin == op.ID.Origin &&
			op.Parent.Counter >= op.ID.Counter &&
			op.Parent.Counter < op.ID.Counter+uint64(n) {
			return errSelfParent
		}
		return nil
	case KindDelete:
		if len(op.Spans) == 0 {
			return errNoSpans
		}
		for _, s := range op.Spans {
			if !s.ID.valid() || s.Len <= 0 {
				return errBadSpan
			}
			if s.ID.Counter > MaxCounter || uint64(s.Len) > MaxCounter-s.ID.Counter {
				return errOverflow
			}
		}
		return nil
	default:
		return errUnknownKind
	}
}

// last returns the highest counter covered by the op.
func (op Op) last() uint64 {
	switch op.Kind {
	case KindInsert:
		return op.ID.Counter + uint64(utf8.RuneCountInString(op.Text)) - 1
	case KindDelete:
		var m uint64
		for _, s := range op.Spans {
			if c := s.ID.Counter + uint64(s.Len) - 1; c > m {
				m = c
			}
		}
		return m
	}
	return 0
}

// spansOf groups ids into spans of consecutive counters from one origin.
func spansOf(ids []ID) []Span {
	var spans []Span
	for _, id := range ids {
		if n := len(spans); n > 0 {
			last := &spans[n-1]
			if last.ID.Origin == id.Origin && last.ID.Counter+uint64(last.Len) == id.Counter {
				last.Len++
				continue
			}
		}
		spans = append(spans, Span{ID: id, Len: 1})
	}
	return spans
}

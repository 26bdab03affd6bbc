package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/alimasry/go-collab-docs/errs"
	"github.com/alimasry/go-collab-docs/history"
	"github.com/alimasry/go-collab-docs/store"
)

// gatedBackend blocks Append while gate is set, and fails it while fail is set.
type gatedBackend struct {
	*history.MemoryBackend
	gate    atomic.Bool
	fail    atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedBackend() *gatedBackend {
	return &gatedBackend{
		MemoryBackend: history.NewMemoryBackend(),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
}

func (b *gatedBackend) Append(ctx context.Context, docID string, c history.Commit) error {
	if b.fail.Load() {
		return errors.New("disk full")
	}
	if b.gate.Load() {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.MemoryBackend.Append(ctx, docID, c)
}

type fakeLive struct {
	mu      sync.Mutex
	resets  map[string]string
	evicted []string
	roles   map[string]store.Role
}

func (f *fakeLive) Reset(_ context.Context, docID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resets == nil {
		f.resets = make(map[string]string)
	}
	f.resets[docID] = content
	return nil
}

func (f *fakeLive) Evict(docID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evicted = append(f.evicted, docID)
}

func (f *fakeLive) RoleChanged(docID, userID string, role store.Role) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roles == nil {
		f.roles = make(map[string]store.Role)
	}
	f.roles[docID+"/"+userID] = role
}

type fixture struct {
	docs    *store.MemoryStore
	backend *gatedBackend
	hist    *history.Store
	coord   *Coordinator
	live    *fakeLive
	c0      history.Commit
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		docs:    store.NewMemoryStore(),
		backend: newGatedBackend(),
		live:    &fakeLive{},
	}
	f.hist = history.New(f.backend, zap.NewNop())
	f.coord = New(f.docs, f.hist, zap.NewNop())
	f.coord.SetLive(f.live)

	if err := f.docs.Create(ctx, store.Document{ID: "notes", Name: "Notes", OwnerID: "u1"}); err != nil {
		t.Fatal(err)
	}
	c0, err := f.hist.Init(ctx, "notes", "u1")
	if err != nil {
		t.Fatal(err)
	}
	f.c0 = c0
	f.docs.SetGrant(ctx, store.Grant{DocID: "notes", UserID: "u2", Role: store.RoleWriter})
	f.docs.SetGrant(ctx, store.Grant{DocID: "notes", UserID: "r", Role: store.RoleReader})
	return f
}

func (f *fixture) logLen(t *testing.T) int {
	t.Helper()
	log, err := f.hist.Log(context.Background(), "notes")
	if err != nil {
		t.Fatal(err)
	}
	return len(log)
}

func TestRequestSave_Commits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.coord.RequestSave(ctx, "notes", "Hello", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Queued || !res.Committed {
		t.Errorf("unexpected result: %+v", res)
	}
	doc, _ := f.docs.Get(ctx, "notes")
	if doc.Content != "Hello" {
		t.Errorf("live content = %q", doc.Content)
	}
	head, _ := f.hist.Head(ctx, "notes")
	if head.Hash != res.Hash || head.Content != "Hello" || head.Author != "u1" {
		t.Errorf("head = %+v", head)
	}
}

func TestRequestSave_NoOp(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.coord.RequestSave(ctx, "notes", "Hello", "u1")
	res, err := f.coord.RequestSave(ctx, "notes", "Hello", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Committed {
		t.Errorf("unexpected result: %+v", res)
	}
	if n := f.logLen(t); n != 2 {
		t.Errorf("log length = %d, want 2", n)
	}
}

func TestRequestSave_Permissions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	for _, user := range []string{"r", "stranger", ""} {
		_, err := f.coord.RequestSave(ctx, "notes", "nope", user)
		if !errors.Is(err, errs.Forbidden) {
			t.Errorf("user %q: err = %v, want forbidden", user, err)
		}
	}
	if n := f.logLen(t); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}
	if doc, _ := f.docs.Get(ctx, "notes"); doc.Content != "" {
		t.Errorf("forbidden save wrote content %q", doc.Content)
	}

	_, err := f.coord.RequestSave(ctx, "missing", "x", "u1")
	if !errors.Is(err, errs.NotFound) {
		t.Errorf("missing doc: err = %v, want not found", err)
	}
}

func TestRequestSave_SingleFlight(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.backend.gate.Store(true)

	first := make(chan SaveResult, 1)
	go func() {
		res, err := f.coord.RequestSave(ctx, "notes", "first", "u1")
		if err != nil {
			t.Error(err)
		}
		first <- res
	}()
	<-f.backend.entered

	res, err := f.coord.RequestSave(ctx, "notes", "second", "u2")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || !res.Queued || res.Committed {
		t.Errorf("concurrent save result = %+v, want coalesced", res)
	}

	f.backend.gate.Store(false)
	close(f.backend.release)
	if res := <-first; !res.Committed {
		t.Errorf("first save result = %+v", res)
	}
	if n := f.logLen(t); n != 2 {
		t.Errorf("log length = %d, want exactly one new commit", n)
	}
}

func TestRequestSave_LockReleasedOnFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.backend.fail.Store(true)
	_, err := f.coord.RequestSave(ctx, "notes", "Hello", "u1")
	if !errors.Is(err, errs.Storage) {
		t.Fatalf("err = %v, want storage failure", err)
	}
	// Live content is left as written.
	if doc, _ := f.docs.Get(ctx, "notes"); doc.Content != "Hello" {
		t.Errorf("content = %q", doc.Content)
	}

	f.backend.fail.Store(false)
	res, err := f.coord.RequestSave(ctx, "notes", "Hello", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued || !res.Committed {
		t.Errorf("retry result = %+v, want committed", res)
	}
}

func TestRequestSave_Guard(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res, err := f.coord.RequestSave(ctx, "notes", "stale", "u1", WithGuard(func() bool { return false }))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted || res.Committed {
		t.Errorf("guarded save result = %+v", res)
	}
	if n := f.logLen(t); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}

	res, _ = f.coord.RequestSave(ctx, "notes", "fresh", "u1", WithGuard(func() bool { return true }), WithMessage("Autosave"))
	if !res.Committed {
		t.Errorf("passing guard result = %+v", res)
	}
	head, _ := f.hist.Head(ctx, "notes")
	if head.Message != "Autosave" {
		t.Errorf("message = %q", head.Message)
	}
}

func TestRequestRollback_Scenario(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r1, _ := f.coord.RequestSave(ctx, "notes", "Hello", "u1")
	r2, _ := f.coord.RequestSave(ctx, "notes", "Hello World", "u2")

	log, _ := f.hist.Log(ctx, "notes")
	if len(log) != 3 || log[0].Hash != r2.Hash || log[1].Hash != r1.Hash || log[2].Hash != f.c0.Hash {
		t.Fatalf("log before rollback = %v", log)
	}

	res, err := f.coord.RequestRollback(ctx, "notes", r1.Hash, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewContent != "Hello" {
		t.Errorf("new content = %q", res.NewContent)
	}
	if res.Commit.Message != "Rollback to "+history.ShortHash(r1.Hash) {
		t.Errorf("message = %q", res.Commit.Message)
	}

	log, _ = f.hist.Log(ctx, "notes")
	if len(log) != 4 || log[0].Hash != res.Commit.Hash || log[0].Content != "Hello" || log[1].Hash != r2.Hash {
		t.Errorf("log after rollback = %v", log)
	}
	if doc, _ := f.docs.Get(ctx, "notes"); doc.Content != "Hello" {
		t.Errorf("live content = %q", doc.Content)
	}
	if f.live.resets["notes"] != "Hello" {
		t.Errorf("live replicas not reset: %v", f.live.resets)
	}

	// Rolling back to the commit before the rollback restores its content.
	res, err = f.coord.RequestRollback(ctx, "notes", r2.Hash, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if res.NewContent != "Hello World" {
		t.Errorf("reverse rollback content = %q", res.NewContent)
	}
	if n := f.logLen(t); n != 5 {
		t.Errorf("log length = %d, want 5", n)
	}
}

func TestRequestRollback_SameContentStillCommits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	r1, _ := f.coord.RequestSave(ctx, "notes", "Hello", "u1")
	if _, err := f.coord.RequestRollback(ctx, "notes", r1.Hash, "u1"); err != nil {
		t.Fatal(err)
	}
	if n := f.logLen(t); n != 3 {
		t.Errorf("log length = %d, want 3", n)
	}
}

func TestRequestRollback_Errors(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.coord.RequestRollback(ctx, "notes", f.c0.Hash, "r"); !errors.Is(err, errs.Forbidden) {
		t.Errorf("reader rollback: err = %v", err)
	}
	if _, err := f.coord.RequestRollback(ctx, "notes", "deadbeef", "u1"); !errors.Is(err, errs.NotFound) {
		t.Errorf("unknown hash: err = %v", err)
	}
	if _, err := f.coord.RequestRollback(ctx, "missing", f.c0.Hash, "u1"); !errors.Is(err, errs.NotFound) {
		t.Errorf("missing doc: err = %v", err)
	}
	if n := f.logLen(t); n != 1 {
		t.Errorf("log length = %d, want 1", n)
	}
	if len(f.live.resets) != 0 {
		t.Errorf("failed rollback reset replicas: %v", f.live.resets)
	}
}

func TestRequestRollback_WaitsForSave(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.backend.gate.Store(true)

	saved := make(chan struct{})
	go func() {
		defer close(saved)
		if _, err := f.coord.RequestSave(ctx, "notes", "in flight", "u1"); err != nil {
			t.Error(err)
		}
	}()
	<-f.backend.entered

	rolled := make(chan RollbackResult, 1)
	go func() {
		res, err := f.coord.RequestRollback(ctx, "notes", f.c0.Hash, "u2")
		if err != nil {
			t.Error(err)
		}
		rolled <- res
	}()

	select {
	case <-rolled:
		t.Fatal("rollback ran while a save was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	f.backend.gate.Store(false)
	close(f.backend.release)
	<-saved
	res := <-rolled

	log, _ := f.hist.Log(ctx, "notes")
	if len(log) != 3 || log[0].Hash != res.Commit.Hash || log[1].Content != "in flight" {
		t.Errorf("log = %v", log)
	}
	if res.NewContent != "" {
		t.Errorf("rollback content = %q", res.NewContent)
	}
}

func TestRequestRollback_ContextCanceled(t *testing.T) {
	f := setup(t)
	f.backend.gate.Store(true)

	go f.coord.RequestSave(context.Background(), "notes", "in flight", "u1")
	<-f.backend.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.coord.RequestRollback(ctx, "notes", f.c0.Hash, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	f.backend.gate.Store(false)
	close(f.backend.release)
}

func TestExclusiveAndEvict(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.coord.Exclusive(ctx, "notes", func(ctx context.Context) error {
		// A save against the locked document is coalesced.
		res, err := f.coord.RequestSave(ctx, "notes", "x", "u1")
		if err != nil {
			return err
		}
		if !res.Queued {
			t.Errorf("save under exclusive lock = %+v", res)
		}
		f.coord.Evict("notes")
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.live.evicted) != 1 || f.live.evicted[0] != "notes" {
		t.Errorf("evicted = %v", f.live.evicted)
	}
}

func TestRequestSave_LiveReset(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.coord.RequestSave(ctx, "notes", "from a session", "u1"); err != nil {
		t.Fatal(err)
	}
	if len(f.live.resets) != 0 {
		t.Errorf("plain save reset replicas: %v", f.live.resets)
	}

	res, err := f.coord.RequestSave(ctx, "notes", "from the api", "u2", WithLiveReset())
	if err != nil || !res.Committed {
		t.Fatalf("save: %+v, %v", res, err)
	}
	if f.live.resets["notes"] != "from the api" {
		t.Errorf("live resets = %v", f.live.resets)
	}

	// Content equal to the head still resets diverged replicas.
	delete(f.live.resets, "notes")
	res, err = f.coord.RequestSave(ctx, "notes", "from the api", "u2", WithLiveReset())
	if err != nil || res.Committed {
		t.Fatalf("no-op save: %+v, %v", res, err)
	}
	if f.live.resets["notes"] != "from the api" {
		t.Errorf("no-op save did not reset: %v", f.live.resets)
	}

	if _, err := f.coord.RequestSave(ctx, "notes", "nope", "r", WithLiveReset()); !errors.Is(err, errs.Forbidden) {
		t.Errorf("reader save: err = %v", err)
	}
	if f.live.resets["notes"] != "from the api" {
		t.Errorf("rejected save reset replicas: %v", f.live.resets)
	}
}

func TestRoleChanged(t *testing.T) {
	f := setup(t)
	f.coord.RoleChanged("notes", "u2", store.RoleReader)
	if f.live.roles["notes/u2"] != store.RoleReader {
		t.Errorf("roles = %v", f.live.roles)
	}
}

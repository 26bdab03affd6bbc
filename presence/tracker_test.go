package presence

import (
	"testing"
	"time"
)

func recvUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for update")
		return Update{}
	}
}

func TestTracker_LastWriteWins(t *testing.T) {
	tr := NewTracker()
	tr.ApplyRemote("s1", State{Name: "Red Fox", Anchor: 1, Head: 1})
	tr.ApplyRemote("s1", State{Name: "Red Fox", Anchor: 4, Head: 6})

	rec, ok := tr.Get("s1")
	if !ok {
		t.Fatal("record missing")
	}
	if rec.State.Anchor != 4 || rec.State.Head != 6 {
		t.Errorf("state = %+v, want the latest write", rec.State)
	}
	if len(tr.Snapshot()) != 1 {
		t.Errorf("snapshot has %d records, want 1", len(tr.Snapshot()))
	}
}

func TestTracker_AssignsColor(t *testing.T) {
	tr := NewTracker()
	rec := tr.SetLocal("s1", State{Name: "me"})
	if rec.State.Color == "" {
		t.Fatal("no colour assigned")
	}
	if rec.State.Color != ColorFor("s1") {
		t.Errorf("colour %q not stable", rec.State.Color)
	}
	if !rec.Local {
		t.Error("SetLocal record should be marked local")
	}

	rec = tr.ApplyRemote("s2", State{Name: "peer", Color: "#123456"})
	if rec.State.Color != "#123456" {
		t.Errorf("explicit colour overwritten: %q", rec.State.Color)
	}
}

func TestTracker_SubscribeAndDisconnect(t *testing.T) {
	tr := NewTracker()
	updates, cancel := tr.Subscribe()
	defer cancel()

	tr.SetLocal("s1", State{Name: "a"})
	if u := recvUpdate(t, updates); u.SessionID != "s1" || u.Removed || !u.Local {
		t.Errorf("unexpected update %+v", u)
	}

	if !tr.Disconnect("s1") {
		t.Fatal("Disconnect reported no record")
	}
	if u := recvUpdate(t, updates); u.SessionID != "s1" || !u.Removed {
		t.Errorf("expected removal, got %+v", u)
	}
	if _, ok := tr.Get("s1"); ok {
		t.Error("record still present after disconnect")
	}
	if tr.Disconnect("s1") {
		t.Error("second Disconnect should report false")
	}
}

func TestTracker_UnsubscribeReleasesListener(t *testing.T) {
	tr := NewTracker()
	updates, cancel := tr.Subscribe()
	if tr.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", tr.Subscribers())
	}
	cancel()
	cancel() // safe to call twice

	if tr.Subscribers() != 0 {
		t.Errorf("subscribers = %d after cancel", tr.Subscribers())
	}
	if _, ok := <-updates; ok {
		t.Error("channel should be closed")
	}

	// Publishing with no subscribers must not block.
	tr.ApplyRemote("s1", State{Name: "a"})
}

func TestTracker_SlowSubscriberDoesNotBlock(t *testing.T) {
	tr := NewTracker()
	_, cancel := tr.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			tr.ApplyRemote("s1", State{Anchor: i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on an unread subscription")
	}
	if rec, _ := tr.Get("s1"); rec.State.Anchor != 499 {
		t.Errorf("anchor = %d, want 499", rec.State.Anchor)
	}
}

package core

import (
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/jamsync/internal/domain"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []Frame
	full   bool
	closed string
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("full")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = reason
}

func TestEntryLocalIDStableAcrossReconnect(t *testing.T) {
	e := NewEntry("s1", "owner")
	first, err := e.Attach("alice", "Alice", &fakeConn{})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !first.Fresh || first.Previous != nil {
		t.Fatalf("first attach should be fresh: %+v", first)
	}

	newer := &fakeConn{}
	second, _ := e.Attach("alice", "Alice", newer)
	if second.Fresh || second.Previous == nil {
		t.Fatalf("second attach should supersede: %+v", second)
	}
	if second.LocalID != first.LocalID {
		t.Fatalf("local id changed on reconnect: %s -> %s", first.LocalID, second.LocalID)
	}

	// leave and come back: still the same id for the lifetime of the entry
	if _, _, ok := e.Detach("alice", nil); !ok {
		t.Fatalf("detach failed")
	}
	third, _ := e.Attach("alice", "Alice", &fakeConn{})
	if third.LocalID != first.LocalID || !third.Fresh {
		t.Fatalf("unexpected third attach %+v", third)
	}
}

func TestEntryOwnerLocalIDFixedAtCreation(t *testing.T) {
	e := NewEntry("s1", "owner")
	want := e.OwnerLocalID()
	res, _ := e.Attach("owner", "Olga", &fakeConn{})
	if res.LocalID != want {
		t.Fatalf("owner local id %s, want %s", res.LocalID, want)
	}
	if uid, ok := e.UserOf(want); !ok || uid != "owner" {
		t.Fatalf("reverse lookup failed")
	}
}

func TestEntryDetachIgnoresSupersededConn(t *testing.T) {
	e := NewEntry("s1", "owner")
	old := &fakeConn{}
	e.Attach("alice", "Alice", old)
	e.Attach("alice", "Alice", &fakeConn{})
	if _, _, ok := e.Detach("alice", old); ok {
		t.Fatalf("superseded connection must not detach the participant")
	}
	if !e.IsParticipant("alice") {
		t.Fatalf("alice should still be attached")
	}
}

func TestEntryDetachDropsPresenceState(t *testing.T) {
	e := NewEntry("s1", "owner")
	res, _ := e.Attach("alice", "Alice", &fakeConn{})
	e.SetMuted("alice", true)
	e.SetPingDelay("alice", 12)
	e.SetMicLevel("alice", 0.5)
	e.Detach("alice", nil)

	e.Attach("owner", "Olga", &fakeConn{})
	view, ok := e.Setup("owner")
	if !ok {
		t.Fatalf("setup for owner failed")
	}
	if _, ok := view.Muted[res.LocalID]; ok {
		t.Fatalf("mute flag survived detach")
	}
	if _, ok := view.PingDelays[res.LocalID]; ok {
		t.Fatalf("ping delay survived detach")
	}
}

func TestEntryIconInSetupUntilDetach(t *testing.T) {
	e := NewEntry("s1", "owner")
	e.Attach("owner", "Olga", &fakeConn{})
	res, _ := e.Attach("alice", "Alice", &fakeConn{})
	if _, ok := e.SetIcon("ghost", "cat"); ok {
		t.Fatalf("icon accepted from a non participant")
	}
	local, ok := e.SetIcon("alice", "cat")
	if !ok || local != res.LocalID {
		t.Fatalf("set icon returned %q %v", local, ok)
	}
	view, _ := e.Setup("owner")
	if view.Icons[res.LocalID] != "cat" {
		t.Fatalf("icon missing from setup: %v", view.Icons)
	}
	e.Detach("alice", nil)
	view, _ = e.Setup("owner")
	if _, ok := view.Icons[res.LocalID]; ok {
		t.Fatalf("icon survived detach")
	}
}

func TestEntryBroadcastReportsDropped(t *testing.T) {
	e := NewEntry("s1", "owner")
	e.Attach("owner", "Olga", &fakeConn{})
	e.Attach("alice", "Alice", &fakeConn{full: true})
	bob := &fakeConn{}
	e.Attach("bob", "Bob", bob)

	res := e.Broadcast("owner", Frame(`{}`))
	if res.SendTo != 1 {
		t.Fatalf("sent to %d, want 1", res.SendTo)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != "alice" {
		t.Fatalf("dropped %v, want [alice]", res.Dropped)
	}

	res = e.Broadcast("", Frame(`{}`))
	if res.SendTo != 2 {
		t.Fatalf("broadcast to all reached %d", res.SendTo)
	}
	if len(bob.frames) != 2 {
		t.Fatalf("bob got %d frames", len(bob.frames))
	}
}

func TestEntryUploadOnce(t *testing.T) {
	e := NewEntry("s1", "owner")
	if err := e.ReserveUpload("alice"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := e.ReserveUpload("alice"); !errors.Is(err, domain.ErrAlreadyUploaded) {
		t.Fatalf("second reserve: %v", err)
	}
	e.ReleaseUpload("alice")
	if err := e.ReserveUpload("alice"); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	e.ResetUploads()
	if err := e.ReserveUpload("alice"); err != nil {
		t.Fatalf("reserve after reset: %v", err)
	}
}

func TestEntryMicLevelsDrainOnlyWhenChanged(t *testing.T) {
	e := NewEntry("s1", "owner")
	e.Attach("alice", "Alice", &fakeConn{})
	if _, ok := e.DrainMicLevels(); ok {
		t.Fatalf("nothing to drain yet")
	}
	e.SetMicLevel("alice", 0.3)
	levels, ok := e.DrainMicLevels()
	if !ok || len(levels) != 1 {
		t.Fatalf("expected one level, got %v %v", levels, ok)
	}
	e.SetMicLevel("alice", 0.3)
	if _, ok := e.DrainMicLevels(); ok {
		t.Fatalf("unchanged level must not be drained again")
	}
	if e.SetMicLevel("ghost", 1) {
		t.Fatalf("non participant level accepted")
	}
}

func TestEntryCloseOnceAndStopsLoop(t *testing.T) {
	e := NewEntry("s1", "owner")
	ownerConn := &fakeConn{}
	e.Attach("owner", "Olga", ownerConn)
	e.Attach("alice", "Alice", &fakeConn{})
	stops := 0
	e.SetStop(func() { stops++ })

	if _, _, ok := e.Close(&fakeConn{}); ok {
		t.Fatalf("close with a stranger conn must be ignored")
	}
	members, conns, ok := e.Close(ownerConn)
	if !ok || len(members) != 2 || len(conns) != 2 {
		t.Fatalf("close returned %d members %d conns ok=%v", len(members), len(conns), ok)
	}
	if _, _, ok := e.Close(nil); ok {
		t.Fatalf("second close must be a no-op")
	}
	e.StopLoop()
	if stops != 1 {
		t.Fatalf("loop stopped %d times", stops)
	}
	if _, err := e.Attach("bob", "Bob", &fakeConn{}); !errors.Is(err, domain.ErrEntryClosed) {
		t.Fatalf("attach to closed entry: %v", err)
	}
}

func TestEntryCloseIfEmpty(t *testing.T) {
	e := NewEntry("s1", "owner")
	stops := 0
	e.SetStop(func() { stops++ })
	e.Attach("alice", "Alice", &fakeConn{})
	if e.CloseIfEmpty() {
		t.Fatalf("closed an entry with a participant")
	}
	e.Detach("alice", nil)
	if !e.CloseIfEmpty() || !e.Abandoned() || stops != 1 {
		t.Fatalf("empty entry: abandoned=%v stops=%d", e.Abandoned(), stops)
	}
	if e.CloseIfEmpty() {
		t.Fatalf("second close must be a no-op")
	}
	if _, err := e.Attach("owner", "Olga", &fakeConn{}); !errors.Is(err, domain.ErrEntryClosed) {
		t.Fatalf("attach to abandoned entry: %v", err)
	}

	owned := NewEntry("s2", "owner")
	owned.Close(nil)
	if owned.Abandoned() {
		t.Fatalf("owner close marked the entry abandoned")
	}
}

package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/jamsync/internal/domain"
)

func TestSessionPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	rec := domain.NewSessionRecord("s1", "owner", time.Unix(0, 0))
	if err := s.CreateSession(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, rec); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := s.GetSession(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddCollaboratorConditions(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.CreateSession(ctx, domain.NewSessionRecord("s1", "owner", time.Unix(0, 0)))

	if err := s.AddCollaborator(ctx, "s1", "a", time.Unix(1, 0), 2); !errors.Is(err, domain.ErrConditionFailed) {
		t.Fatalf("initialized session accepted a collaborator: %v", err)
	}
	if err := s.AdvanceStatus(ctx, "s1", domain.StatusActive); err != nil {
		t.Fatal(err)
	}
	for _, uid := range []domain.UserID{"a", "b"} {
		if err := s.AddCollaborator(ctx, "s1", uid, time.Unix(1, 0), 2); err != nil {
			t.Fatalf("add %s: %v", uid, err)
		}
	}
	if err := s.AddCollaborator(ctx, "s1", "c", time.Unix(2, 0), 2); !errors.Is(err, domain.ErrConditionFailed) {
		t.Fatalf("full session accepted c: %v", err)
	}
	// an existing collaborator is idempotent and keeps its join time
	if err := s.AddCollaborator(ctx, "s1", "a", time.Unix(9, 0), 2); err != nil {
		t.Fatalf("re-add a: %v", err)
	}
	rec, _ := s.GetSession(ctx, "s1")
	if !rec.Collaborators["a"].JoinedAt.Equal(time.Unix(1, 0)) {
		t.Fatalf("join time overwritten")
	}
}

func TestAdvanceStatusForwardOnly(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	s.CreateSession(ctx, domain.NewSessionRecord("s1", "owner", time.Unix(0, 0)))
	if err := s.AdvanceStatus(ctx, "s1", domain.StatusFinished); err != nil {
		t.Fatal(err)
	}
	if err := s.AdvanceStatus(ctx, "s1", domain.StatusActive); !errors.Is(err, domain.ErrConditionFailed) {
		t.Fatalf("status moved backwards: %v", err)
	}
}

func TestClearCurrentSessionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	acc, _ := domain.NewAccount("alice")
	s.CreateAccount(ctx, acc)
	s.SetCurrentSession(ctx, acc.ID, "s2")

	if err := s.ClearCurrentSession(ctx, acc.ID, "s1"); !errors.Is(err, domain.ErrConditionFailed) {
		t.Fatalf("cleared a pointer naming another session: %v", err)
	}
	if err := s.ClearCurrentSession(ctx, acc.ID, "s2"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetAccount(ctx, acc.ID)
	if got.CurrentSession != "" {
		t.Fatalf("pointer not cleared")
	}
}

func TestObjectsListHeadPresign(t *testing.T) {
	ctx := context.Background()
	o := NewObjects()
	body := "riff"
	err := o.Put(ctx, "recordings/s1/alice-1.webm", strings.NewReader(body), int64(len(body)), "audio/webm",
		map[string]string{"UploaderName": "alice", "duration": "3.2"})
	if err != nil {
		t.Fatal(err)
	}
	o.Put(ctx, "recordings/s2/bob-1.webm", strings.NewReader("x"), 1, "audio/webm", nil)

	list, _ := o.List(ctx, "recordings/s1/")
	if len(list) != 1 || list[0].Size != 4 {
		t.Fatalf("unexpected list %+v", list)
	}
	info, err := o.Head(ctx, list[0].Key)
	if err != nil || info.Metadata["uploadername"] != "alice" {
		t.Fatalf("head: %+v %v", info, err)
	}
	url, err := o.PresignGet(ctx, list[0].Key, time.Minute)
	if err != nil || !strings.HasPrefix(url, "mem://recordings/s1/") {
		t.Fatalf("presign: %q %v", url, err)
	}
	if _, err := o.Head(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("head missing: %v", err)
	}
}

package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/jamsync/internal/adapters/storage/memory"
	"github.com/dkeye/jamsync/internal/app"
	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/dkeye/jamsync/pkg/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	full   bool
	closed bool
	reason string
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.full {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
	}
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// messages decodes everything received so far.
func (c *fakeConn) messages(t *testing.T) []any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, 0, len(c.frames))
	for _, f := range c.frames {
		m, err := protocol.DecodeServer(f)
		if err != nil {
			t.Fatalf("undecodable frame %s: %v", f, err)
		}
		out = append(out, m)
	}
	return out
}

func lastOf[T any](t *testing.T, c *fakeConn) T {
	t.Helper()
	msgs := c.messages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if m, ok := msgs[i].(T); ok {
			return m
		}
	}
	var zero T
	t.Fatalf("no %T received", zero)
	return zero
}

func countOf[T any](t *testing.T, c *fakeConn) int {
	t.Helper()
	n := 0
	for _, m := range c.messages(t) {
		if _, ok := m.(T); ok {
			n++
		}
	}
	return n
}

type fixture struct {
	o       *Orchestrator
	store   *memory.Store
	objects *memory.Objects
	now     time.Time
	users   map[string]domain.UserID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   memory.NewStore(),
		objects: memory.NewObjects(),
		now:     time.UnixMilli(1_700_000_000_000),
		users:   make(map[string]domain.UserID),
	}
	f.o = &Orchestrator{
		Registry:         app.NewRegistry(),
		Sessions:         f.store,
		Accounts:         f.store,
		UserSessions:     f.store,
		Objects:          f.objects,
		Policy:           app.SimplePolicy{Action: app.DropFrame},
		Clock:            func() time.Time { return f.now },
		MaxParticipants:  3,
		Countdown:        10 * time.Second,
		MicLevelInterval: time.Hour,
	}
	for _, name := range []string{"olga", "alice", "bob", "carol"} {
		acc, err := domain.NewAccount(name)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.store.CreateAccount(context.Background(), acc); err != nil {
			t.Fatal(err)
		}
		f.users[name] = acc.ID
	}
	return f
}

func (f *fixture) createSession(t *testing.T) domain.SessionID {
	t.Helper()
	sid, err := f.o.CreateSession(context.Background(), f.users["olga"])
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sid
}

func (f *fixture) connect(t *testing.T, sid domain.SessionID, name string) *fakeConn {
	t.Helper()
	c := &fakeConn{}
	if err := f.o.Connect(context.Background(), sid, f.users[name], name, c); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	return c
}

func (f *fixture) pointer(t *testing.T, name string) domain.SessionID {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), f.users[name])
	if err != nil {
		t.Fatal(err)
	}
	return acc.CurrentSession
}

func (f *fixture) status(t *testing.T, sid domain.SessionID) (domain.Status, bool) {
	t.Helper()
	rec, err := f.store.GetSession(context.Background(), sid)
	if errors.Is(err, domain.ErrNotFound) {
		return "", false
	}
	if err != nil {
		t.Fatal(err)
	}
	return rec.Status, true
}

// hook runs fn at most once and tolerates re-entry from fn itself.
type hook struct {
	mu sync.Mutex
	fn func()
}

func (h *hook) fire() {
	h.mu.Lock()
	fn := h.fn
	h.fn = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

type hookedObjects struct {
	core.ObjectStore
	beforeList hook
}

func (h *hookedObjects) List(ctx context.Context, prefix string) ([]core.ObjectInfo, error) {
	h.beforeList.fire()
	return h.ObjectStore.List(ctx, prefix)
}

type hookedSessions struct {
	core.SessionStore
	beforeFinish hook
}

func (h *hookedSessions) AdvanceStatus(ctx context.Context, id domain.SessionID, to domain.Status) error {
	if to == domain.StatusFinished {
		h.beforeFinish.fire()
	}
	return h.SessionStore.AdvanceStatus(ctx, id, to)
}

type hookedAccounts struct {
	core.AccountStore
	uid       domain.UserID
	beforeGet hook
}

func (h *hookedAccounts) GetAccount(ctx context.Context, id domain.UserID) (*domain.Account, error) {
	if id == h.uid {
		h.beforeGet.fire()
	}
	return h.AccountStore.GetAccount(ctx, id)
}

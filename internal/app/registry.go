package app

import (
	"sort"
	"sync"

	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry maps live session ids to their in-memory entries.
type Registry struct {
	mu      sync.RWMutex
	entries map[domain.SessionID]*core.Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.SessionID]*core.Entry)}
}

// GetOrCreate returns the live entry for sid, creating it for owner when
// absent. created reports whether this call made the entry.
func (r *Registry) GetOrCreate(sid domain.SessionID, owner domain.UserID) (*core.Entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[sid]
	r.mu.RUnlock()
	if ok {
		return e, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[sid]; ok {
		return e, false
	}
	e = core.NewEntry(sid, owner)
	r.entries[sid] = e
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("owner", string(owner)).Msg("created entry")
	return e, true
}

func (r *Registry) Get(sid domain.SessionID) (*core.Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sid]
	return e, ok
}

// Remove deletes sid only while it still maps to e, so a closing entry
// never evicts its replacement.
func (r *Registry) Remove(sid domain.SessionID, e *core.Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[sid]; !ok || cur != e {
		return false
	}
	delete(r.entries, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("removed entry")
	return true
}

type EntryInfo struct {
	ID           domain.SessionID `json:"id"`
	Participants int              `json:"participants"`
}

func (r *Registry) List() []EntryInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EntryInfo, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, EntryInfo{ID: id, Participants: e.ParticipantCount()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Entries() []*core.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*core.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

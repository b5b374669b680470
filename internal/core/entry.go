package core

import (
	"sort"
	"sync"

	"github.com/dkeye/jamsync/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type participant struct {
	member *domain.Member
	conn   SignalConnection
}

// Entry is the live, in-memory state of one session.
// Every mutation happens under mu; it never closes adapter-owned resources,
// it only hands them back to the caller.
type Entry struct {
	id         domain.SessionID
	owner      domain.UserID
	ownerLocal domain.LocalID

	mu           sync.Mutex
	closed       bool
	abandoned    bool
	localIDs     map[domain.UserID]domain.LocalID
	byLocal      map[domain.LocalID]domain.UserID
	participants map[domain.UserID]*participant
	micLevels    map[domain.LocalID]float64
	micDirty     bool
	muted        map[domain.LocalID]bool
	delays       map[domain.LocalID]float64
	icons        map[domain.LocalID]string
	uploads      map[domain.UserID]struct{}

	stopOnce sync.Once
	stop     func()
}

func NewEntry(id domain.SessionID, owner domain.UserID) *Entry {
	e := &Entry{
		id:           id,
		owner:        owner,
		localIDs:     make(map[domain.UserID]domain.LocalID),
		byLocal:      make(map[domain.LocalID]domain.UserID),
		participants: make(map[domain.UserID]*participant),
		micLevels:    make(map[domain.LocalID]float64),
		muted:        make(map[domain.LocalID]bool),
		delays:       make(map[domain.LocalID]float64),
		icons:        make(map[domain.LocalID]string),
		uploads:      make(map[domain.UserID]struct{}),
	}
	e.ownerLocal = e.localFor(owner)
	return e
}

func (e *Entry) ID() domain.SessionID         { return e.id }
func (e *Entry) Owner() domain.UserID         { return e.owner }
func (e *Entry) OwnerLocalID() domain.LocalID { return e.ownerLocal }

// localFor must be called with mu held (or before the entry is shared).
func (e *Entry) localFor(uid domain.UserID) domain.LocalID {
	if l, ok := e.localIDs[uid]; ok {
		return l
	}
	l := domain.LocalID(uuid.NewString())
	e.localIDs[uid] = l
	e.byLocal[l] = uid
	return l
}

// SetStop registers the function that stops the entry's background loop.
func (e *Entry) SetStop(stop func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stop = stop
}

// StopLoop runs the registered stop function at most once.
func (e *Entry) StopLoop() {
	e.mu.Lock()
	stop := e.stop
	e.mu.Unlock()
	e.stopOnce.Do(func() {
		if stop != nil {
			stop()
		}
	})
}

// Attach binds conn as the user's live connection. A local id issued earlier
// in this entry's lifetime is reused.
func (e *Entry) Attach(uid domain.UserID, name string, conn SignalConnection) (AttachResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return AttachResult{}, domain.ErrEntryClosed
	}
	local := e.localFor(uid)
	res := AttachResult{LocalID: local, Fresh: true}
	if p, ok := e.participants[uid]; ok {
		res.Previous = p.conn
		res.Fresh = false
		p.conn = conn
		p.member.Name = name
	} else {
		e.participants[uid] = &participant{member: domain.NewMember(uid, local, name), conn: conn}
	}
	log.Info().Str("module", "core.entry").Str("sid", string(e.id)).Str("user", string(uid)).Bool("fresh", res.Fresh).Msg("participant attached")
	return res, nil
}

// Detach removes the user when conn is its current connection, or
// unconditionally when conn is nil.
func (e *Entry) Detach(uid domain.UserID, conn SignalConnection) (*domain.Member, SignalConnection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[uid]
	if !ok || (conn != nil && p.conn != conn) {
		return nil, nil, false
	}
	delete(e.participants, uid)
	local := p.member.LocalID
	delete(e.micLevels, local)
	delete(e.muted, local)
	delete(e.delays, local)
	delete(e.icons, local)
	log.Info().Str("module", "core.entry").Str("sid", string(e.id)).Str("user", string(uid)).Msg("participant detached")
	return p.member, p.conn, true
}

// Close marks the entry closed and hands back every live participant.
// When expect is non-nil the close only happens if it is the owner's
// current connection.
func (e *Entry) Close(expect SignalConnection) ([]*domain.Member, []SignalConnection, bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, false
	}
	if expect != nil {
		if p, ok := e.participants[e.owner]; !ok || p.conn != expect {
			e.mu.Unlock()
			return nil, nil, false
		}
	}
	e.closed = true
	members := make([]*domain.Member, 0, len(e.participants))
	conns := make([]SignalConnection, 0, len(e.participants))
	for uid, p := range e.participants {
		members = append(members, p.member)
		conns = append(conns, p.conn)
		delete(e.participants, uid)
	}
	e.mu.Unlock()

	e.StopLoop()
	log.Info().Str("module", "core.entry").Str("sid", string(e.id)).Int("participants", len(conns)).Msg("entry closed")
	return members, conns, true
}

// CloseIfEmpty closes an entry nobody is attached to. An entry closed this
// way is abandoned: it may be replaced by a fresh one.
func (e *Entry) CloseIfEmpty() bool {
	e.mu.Lock()
	if e.closed || len(e.participants) > 0 {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	e.abandoned = true
	e.mu.Unlock()

	e.StopLoop()
	log.Info().Str("module", "core.entry").Str("sid", string(e.id)).Msg("empty entry closed")
	return true
}

func (e *Entry) Abandoned() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.abandoned
}

func (e *Entry) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Entry) ConnOf(uid domain.UserID) (SignalConnection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.participants[uid]; ok {
		return p.conn, true
	}
	return nil, false
}

func (e *Entry) IsParticipant(uid domain.UserID) bool {
	_, ok := e.ConnOf(uid)
	return ok
}

// Member returns the participant's metadata while it is attached.
func (e *Entry) Member(uid domain.UserID) (domain.Member, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.participants[uid]; ok {
		return *p.member, true
	}
	return domain.Member{}, false
}

func (e *Entry) UserOf(local domain.LocalID) (domain.UserID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	uid, ok := e.byLocal[local]
	return uid, ok
}

func (e *Entry) ParticipantCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.participants)
}

func (e *Entry) membersLocked() []MemberDTO {
	out := make([]MemberDTO, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, MemberDTO{LocalID: p.member.LocalID, UserName: p.member.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalID < out[j].LocalID })
	return out
}

func (e *Entry) MembersSnapshot() []MemberDTO {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.membersLocked()
}

// Setup builds the initial view for uid.
func (e *Entry) Setup(uid domain.UserID) (SetupView, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[uid]
	if !ok {
		return SetupView{}, false
	}
	return SetupView{
		LocalID:      p.member.LocalID,
		OwnerLocalID: e.ownerLocal,
		Users:        e.membersLocked(),
		Muted:        copyMap(e.muted),
		PingDelays:   copyMap(e.delays),
		Icons:        copyMap(e.icons),
	}, true
}

func (e *Entry) SetMicLevel(uid domain.UserID, level float64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[uid]
	if !ok {
		return false
	}
	if cur, seen := e.micLevels[p.member.LocalID]; !seen || cur != level {
		e.micLevels[p.member.LocalID] = level
		e.micDirty = true
	}
	return true
}

// DrainMicLevels returns a copy of the levels if any changed since the
// previous drain.
func (e *Entry) DrainMicLevels() (map[domain.LocalID]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.micDirty {
		return nil, false
	}
	e.micDirty = false
	return copyMap(e.micLevels), true
}

func (e *Entry) SetMuted(uid domain.UserID, muted bool) (map[domain.LocalID]bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[uid]
	if !ok {
		return nil, false
	}
	e.muted[p.member.LocalID] = muted
	return copyMap(e.muted), true
}

func (e *Entry) SetPingDelay(uid domain.UserID, delay float64) (map[domain.LocalID]float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[uid]
	if !ok {
		return nil, false
	}
	e.delays[p.member.LocalID] = delay
	return copyMap(e.delays), true
}

// SetIcon records the participant's avatar and returns its local id.
func (e *Entry) SetIcon(uid domain.UserID, icon string) (domain.LocalID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[uid]
	if !ok {
		return "", false
	}
	e.icons[p.member.LocalID] = icon
	return p.member.LocalID, true
}

// KnowsUser reports whether uid was ever attached during this entry's lifetime.
func (e *Entry) KnowsUser(uid domain.UserID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.localIDs[uid]
	return ok
}

// ReserveUpload claims the user's single upload slot for the current take.
func (e *Entry) ReserveUpload(uid domain.UserID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.uploads[uid]; ok {
		return domain.ErrAlreadyUploaded
	}
	e.uploads[uid] = struct{}{}
	return nil
}

func (e *Entry) ReleaseUpload(uid domain.UserID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.uploads, uid)
}

func (e *Entry) ResetUploads() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.uploads)
}

// SendTo delivers a frame to a single participant.
func (e *Entry) SendTo(uid domain.UserID, data Frame) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[uid]
	if !ok {
		return domain.ErrNotMember
	}
	return p.conn.TrySend(data)
}

// Broadcast sends data to every participant except from. An empty from
// reaches everybody.
func (e *Entry) Broadcast(from domain.UserID, data Frame) PublishResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := PublishResult{}
	for uid, p := range e.participants {
		if from != "" && uid == from {
			continue
		}
		if err := p.conn.TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, uid)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.entry").Str("sid", string(e.id)).Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package domain

import "time"

type SessionID string

type Status string

const (
	StatusInitialized Status = "initialized"
	StatusActive      Status = "active"
	StatusFinished    Status = "finished"
)

func (s Status) rank() int {
	switch s {
	case StatusInitialized:
		return 0
	case StatusActive:
		return 1
	case StatusFinished:
		return 2
	}
	return -1
}

func (s Status) Valid() bool { return s.rank() >= 0 }

// Before reports whether s strictly precedes o. Status only moves forward.
func (s Status) Before(o Status) bool {
	return s.Valid() && o.Valid() && s.rank() < o.rank()
}

// Preceding lists every status that may legally advance to s.
func (s Status) Preceding() []Status {
	var out []Status
	for _, c := range []Status{StatusInitialized, StatusActive, StatusFinished} {
		if c.Before(s) {
			out = append(out, c)
		}
	}
	return out
}

type CollaboratorMeta struct {
	JoinedAt time.Time `json:"joinedAt"`
}

// SessionRecord is the durable description of a recording session.
type SessionRecord struct {
	ID            SessionID                   `json:"id"`
	Owner         UserID                      `json:"owner"`
	Collaborators map[UserID]CollaboratorMeta `json:"collaborators"`
	Status        Status                      `json:"status"`
	CreatedAt     time.Time                   `json:"createdAt"`
}

func NewSessionRecord(id SessionID, owner UserID, now time.Time) *SessionRecord {
	return &SessionRecord{
		ID:            id,
		Owner:         owner,
		Collaborators: make(map[UserID]CollaboratorMeta),
		Status:        StatusInitialized,
		CreatedAt:     now,
	}
}

func (r *SessionRecord) IsCollaborator(uid UserID) bool {
	_, ok := r.Collaborators[uid]
	return ok
}

func (r *SessionRecord) IsMember(uid UserID) bool {
	return uid == r.Owner || r.IsCollaborator(uid)
}

// CanAdmit reports whether a new collaborator fits under limit.
func (r *SessionRecord) CanAdmit(uid UserID, limit int) bool {
	return r.IsCollaborator(uid) || len(r.Collaborators) < limit
}

func (r *SessionRecord) Clone() *SessionRecord {
	cp := *r
	cp.Collaborators = make(map[UserID]CollaboratorMeta, len(r.Collaborators))
	for k, v := range r.Collaborators {
		cp.Collaborators[k] = v
	}
	return &cp
}

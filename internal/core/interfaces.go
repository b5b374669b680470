package core

import "github.com/dkeye/jamsync/internal/domain"

// Frame is one encoded protocol message.
type Frame []byte

// SignalConnection abstracts a participant's messaging transport.
// Owned by the adapter; Close ends the transport with a human readable reason.
type SignalConnection interface {
	TrySend(Frame) error
	Close(reason string)
}

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []domain.UserID
}

// MemberDTO is a read-only view for the wire (no transport fields).
type MemberDTO struct {
	LocalID  domain.LocalID `json:"localId"`
	UserName string         `json:"userName"`
}

// SetupView is everything a freshly attached connection needs to render
// the session.
type SetupView struct {
	LocalID      domain.LocalID
	OwnerLocalID domain.LocalID
	Users        []MemberDTO
	Muted        map[domain.LocalID]bool
	PingDelays   map[domain.LocalID]float64
	Icons        map[domain.LocalID]string
}

type AttachResult struct {
	LocalID domain.LocalID
	// Previous is the superseded connection of the same user, if any.
	// The caller closes it; disconnect cleanup must not run for it.
	Previous SignalConnection
	// Fresh is true when the user had no live connection in the entry.
	Fresh bool
}

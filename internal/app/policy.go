package app

import (
	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

func ParseBackpressure(s string) BackpressureAction {
	if s == "kick" {
		return KickMember
	}
	return DropFrame
}

type Policy interface {
	OnBackPressure(entry *core.Entry, uid domain.UserID) BackpressureAction
}

// SimplePolicy applies Action to slow collaborators. The owner is never
// kicked; losing the owner would end the session.
type SimplePolicy struct {
	Action BackpressureAction
}

func (p SimplePolicy) OnBackPressure(entry *core.Entry, uid domain.UserID) BackpressureAction {
	if p.Action == KickMember && uid == entry.Owner() {
		return DropFrame
	}
	return p.Action
}

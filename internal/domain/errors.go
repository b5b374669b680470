package domain

import "errors"

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUsernameEmpty   = errors.New("username empty")

	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrConditionFailed = errors.New("condition failed")

	ErrSessionFull      = errors.New("session is full")
	ErrSessionNotActive = errors.New("session is not active")
	ErrSessionFinished  = errors.New("session is finished")
	ErrAlreadyInSession = errors.New("already in a session")
	ErrAlreadyUploaded  = errors.New("recording already uploaded")
	ErrNotOwner         = errors.New("not the session owner")
	ErrNotMember        = errors.New("not a session member")
	ErrKickOwner        = errors.New("owner cannot be kicked")
	ErrEntryClosed      = errors.New("session entry closed")
)

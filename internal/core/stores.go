package core

import (
	"context"
	"io"
	"time"

	"github.com/dkeye/jamsync/internal/domain"
)

// SessionStore persists session records. Conditional operations return
// domain.ErrConditionFailed when their guard does not hold.
type SessionStore interface {
	// CreateSession is put-if-absent; domain.ErrAlreadyExists on collision.
	CreateSession(ctx context.Context, rec *domain.SessionRecord) error
	GetSession(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
	// AddCollaborator succeeds when the session is active and uid is either
	// already a collaborator or fits under limit.
	AddCollaborator(ctx context.Context, id domain.SessionID, uid domain.UserID, joinedAt time.Time, limit int) error
	RemoveCollaborator(ctx context.Context, id domain.SessionID, uid domain.UserID) error
	// AdvanceStatus moves the status forward only.
	AdvanceStatus(ctx context.Context, id domain.SessionID, to domain.Status) error
	DeleteSession(ctx context.Context, id domain.SessionID) error
}

type AccountStore interface {
	CreateAccount(ctx context.Context, acc *domain.Account) error
	GetAccount(ctx context.Context, id domain.UserID) (*domain.Account, error)
	SetCurrentSession(ctx context.Context, id domain.UserID, sid domain.SessionID) error
	// ClearCurrentSession clears the pointer only while it still names expected.
	ClearCurrentSession(ctx context.Context, id domain.UserID, expected domain.SessionID) error
}

type UserSessionStore interface {
	CreateUserSession(ctx context.Context, us *domain.UserSession) error
	GetUserSession(ctx context.Context, token string) (*domain.UserSession, error)
	TouchUserSession(ctx context.Context, token string, at time.Time) error
}

type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta map[string]string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/adapters/signal"
	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
)

var wsPath = regexp.MustCompile(`^/session/([^/]+)/ws$`)

var (
	errBadPath  = errors.New("path does not name a session socket")
	errNoCookie = errors.New("missing user session cookie")
)

// Gate admits websocket upgrades. A request passes only when its path names
// a session, its cookie resolves to a user session and account, and the
// session exists.
type Gate struct {
	Sessions     core.SessionStore
	Accounts     core.AccountStore
	UserSessions core.UserSessionStore
	CookieName   string
	Clock        func() time.Time
}

func (g *Gate) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

func (g *Gate) Admit(ctx context.Context, r *http.Request) (signal.Peer, error) {
	m := wsPath.FindStringSubmatch(r.URL.Path)
	if m == nil {
		return signal.Peer{}, errBadPath
	}
	sid := domain.SessionID(m[1])

	ck, err := r.Cookie(g.CookieName)
	if err != nil || ck.Value == "" {
		return signal.Peer{}, errNoCookie
	}
	us, err := g.UserSessions.GetUserSession(ctx, ck.Value)
	if err != nil {
		return signal.Peer{}, fmt.Errorf("user session: %w", err)
	}
	acc, err := g.Accounts.GetAccount(ctx, us.UserID)
	if err != nil {
		return signal.Peer{}, fmt.Errorf("account: %w", err)
	}
	if _, err := g.Sessions.GetSession(ctx, sid); err != nil {
		return signal.Peer{}, fmt.Errorf("session: %w", err)
	}
	if err := g.UserSessions.TouchUserSession(ctx, us.Token, g.now()); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("user", string(acc.ID)).Msg("touch user session")
	}
	return signal.Peer{SessionID: sid, UserID: acc.ID, Username: acc.Username}, nil
}

// destroy drops the underlying connection without writing a response.
func destroy(c *gin.Context) {
	c.Abort()
	conn, _, err := c.Writer.Hijack()
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("hijack")
		c.Status(http.StatusBadRequest)
		return
	}
	_ = conn.Close()
}

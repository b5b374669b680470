package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/app/orch"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/dkeye/jamsync/pkg/protocol"
)

const (
	ctxUserID   = "user_id"
	ctxUsername = "username"

	cookieMaxAge = 3600 * 24 * 30
)

type loginRequest struct {
	Username string `json:"username"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
}

type sessionResponse struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error,omitempty"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionFull),
		errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrSessionFinished),
		errors.Is(err, domain.ErrAlreadyInSession),
		errors.Is(err, domain.ErrAlreadyUploaded),
		errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWith(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// requireUser resolves the user session cookie into an account.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(s.Cfg.Session.CookieName)
		if err != nil || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not logged in"})
			return
		}
		ctx := c.Request.Context()
		us, err := s.Orch.UserSessions.GetUserSession(ctx, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown user session"})
			return
		}
		acc, err := s.Orch.Accounts.GetAccount(ctx, us.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown account"})
			return
		}
		c.Set(ctxUserID, acc.ID)
		c.Set(ctxUsername, acc.Username)
		c.Next()
	}
}

func userOf(c *gin.Context) domain.UserID {
	uid, _ := c.Get(ctxUserID)
	id, _ := uid.(domain.UserID)
	return id
}

// devLogin creates an account and a user session without an identity provider.
func (s *Server) devLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	acc, err := domain.NewAccount(req.Username)
	if err != nil {
		abortWith(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := s.Orch.Accounts.CreateAccount(ctx, acc); err != nil {
		abortWith(c, err)
		return
	}
	us := domain.NewUserSession(acc.ID, time.Now())
	if err := s.Orch.UserSessions.CreateUserSession(ctx, us); err != nil {
		abortWith(c, err)
		return
	}
	c.SetCookie(s.Cfg.Session.CookieName, us.Token, cookieMaxAge, "/", "", false, true)
	log.Info().Str("module", "adapters.http").Str("user", string(acc.ID)).Msg("dev login")
	c.JSON(http.StatusOK, gin.H{"userId": acc.ID, "username": acc.Username})
}

func (s *Server) createSession(c *gin.Context) {
	sid, err := s.Orch.CreateSession(c.Request.Context(), userOf(c))
	if errors.Is(err, domain.ErrAlreadyInSession) {
		c.JSON(http.StatusConflict, sessionResponse{SessionID: string(sid), Error: err.Error()})
		return
	}
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, sessionResponse{SessionID: string(sid)})
}

func (s *Server) preJoin(c *gin.Context) {
	sid, err := s.Orch.PreJoin(c.Request.Context(), userOf(c))
	if errors.Is(err, domain.ErrAlreadyInSession) {
		c.JSON(http.StatusConflict, sessionResponse{SessionID: string(sid), Error: err.Error()})
		return
	}
	if err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusOK)
}

func (s *Server) joinSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing sessionId"})
		return
	}
	sid := domain.SessionID(req.SessionID)
	if err := s.Orch.Join(c.Request.Context(), sid, userOf(c)); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionResponse{SessionID: req.SessionID})
}

// leaveSession leaves the named session, or the caller's current one.
func (s *Server) leaveSession(c *gin.Context) {
	var req sessionRequest
	_ = c.ShouldBindJSON(&req)
	uid := userOf(c)
	ctx := c.Request.Context()

	sid := domain.SessionID(req.SessionID)
	if sid == "" {
		cur, err := s.Orch.PreJoin(ctx, uid)
		if err != nil && !errors.Is(err, domain.ErrAlreadyInSession) {
			abortWith(c, err)
			return
		}
		sid = cur
	}
	if sid == "" {
		c.Status(http.StatusNoContent)
		return
	}
	if err := s.Orch.Leave(ctx, sid, uid, protocol.ReasonLeft); err != nil {
		abortWith(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) uploadRecording(c *gin.Context) {
	if limit := s.Cfg.Recording.MaxUploadBytes; limit > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	key, err := s.Orch.Upload(c.Request.Context(), domain.SessionID(c.Param("id")), userOf(c), orch.Upload{
		Body:        f,
		Size:        fh.Size,
		ContentType: fh.Header.Get("Content-Type"),
		Duration:    c.PostForm("duration"),
	})
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key})
}

func (s *Server) listRecordings(c *gin.Context) {
	recs, err := s.Orch.Recordings(c.Request.Context(), domain.SessionID(c.Param("id")), userOf(c))
	if err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recordings": recs})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": s.Orch.Registry.List()})
}

package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/dkeye/jamsync/pkg/protocol"
)

const createAttempts = 3

// currentSession returns the session the account points at, clearing
// pointers that name a deleted or finished session.
func (o *Orchestrator) currentSession(ctx context.Context, acc *domain.Account) domain.SessionID {
	if acc.CurrentSession == "" {
		return ""
	}
	rec, err := o.Sessions.GetSession(ctx, acc.CurrentSession)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		// unknown state, keep honouring the pointer
		return acc.CurrentSession
	case rec.Status != domain.StatusFinished && rec.IsMember(acc.ID):
		return acc.CurrentSession
	}
	if err := o.Accounts.ClearCurrentSession(ctx, acc.ID, acc.CurrentSession); err != nil && !errors.Is(err, domain.ErrConditionFailed) {
		log.Warn().Err(err).Str("module", "orch").Str("user", string(acc.ID)).Msg("clear stale session pointer")
	}
	return ""
}

// CreateSession creates a new session owned by owner and points the owner at it.
func (o *Orchestrator) CreateSession(ctx context.Context, owner domain.UserID) (domain.SessionID, error) {
	ctx, span := o.startSpan(ctx, "orch.CreateSession", "", owner)
	defer span.End()

	acc, err := o.Accounts.GetAccount(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	if cur := o.currentSession(ctx, acc); cur != "" {
		return cur, domain.ErrAlreadyInSession
	}

	for i := 0; i < createAttempts; i++ {
		rec := domain.NewSessionRecord(domain.SessionID(uuid.NewString()), owner, o.now())
		err = o.Sessions.CreateSession(ctx, rec)
		if errors.Is(err, domain.ErrAlreadyExists) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create session: %w", err)
		}
		if err := o.Accounts.SetCurrentSession(ctx, owner, rec.ID); err != nil {
			return "", fmt.Errorf("set current session: %w", err)
		}
		log.Info().Str("module", "orch").Str("sid", string(rec.ID)).Str("owner", string(owner)).Msg("session created")
		return rec.ID, nil
	}
	return "", fmt.Errorf("create session: %w", err)
}

// PreJoin reports the session a user is already part of, if any.
func (o *Orchestrator) PreJoin(ctx context.Context, uid domain.UserID) (domain.SessionID, error) {
	acc, err := o.Accounts.GetAccount(ctx, uid)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	if cur := o.currentSession(ctx, acc); cur != "" {
		return cur, domain.ErrAlreadyInSession
	}
	return "", nil
}

// Join admits uid into the durable membership of sid. It never activates
// the session; that happens when the owner's socket connects.
func (o *Orchestrator) Join(ctx context.Context, sid domain.SessionID, uid domain.UserID) error {
	_, err := o.join(ctx, sid, uid, false)
	return err
}

func (o *Orchestrator) join(ctx context.Context, sid domain.SessionID, uid domain.UserID, activate bool) (*domain.SessionRecord, error) {
	ctx, span := o.startSpan(ctx, "orch.Join", sid, uid)
	defer span.End()

	rec, err := o.Sessions.GetSession(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if rec.Status == domain.StatusFinished {
		return nil, domain.ErrSessionFinished
	}

	acc, err := o.Accounts.GetAccount(ctx, uid)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	if cur := o.currentSession(ctx, acc); cur != "" && cur != sid {
		return nil, domain.ErrAlreadyInSession
	}

	if uid == rec.Owner {
		if activate && rec.Status == domain.StatusInitialized {
			err := o.Sessions.AdvanceStatus(ctx, sid, domain.StatusActive)
			if err != nil && !errors.Is(err, domain.ErrConditionFailed) {
				return nil, fmt.Errorf("activate session: %w", err)
			}
			rec.Status = domain.StatusActive
			log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("session activated")
		}
	} else {
		if rec.Status != domain.StatusActive {
			return nil, domain.ErrSessionNotActive
		}
		if !rec.IsCollaborator(uid) {
			err := o.Sessions.AddCollaborator(ctx, sid, uid, o.now(), o.maxParticipants()-1)
			if errors.Is(err, domain.ErrConditionFailed) {
				return nil, o.explainRefusal(ctx, sid)
			}
			if err != nil {
				return nil, fmt.Errorf("add collaborator: %w", err)
			}
			log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Msg("collaborator joined")
		}
	}

	if acc.CurrentSession != sid {
		if err := o.Accounts.SetCurrentSession(ctx, uid, sid); err != nil {
			return nil, fmt.Errorf("set current session: %w", err)
		}
	}
	return rec, nil
}

// explainRefusal re-reads the session after a failed conditional add.
func (o *Orchestrator) explainRefusal(ctx context.Context, sid domain.SessionID) error {
	rec, err := o.Sessions.GetSession(ctx, sid)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	switch rec.Status {
	case domain.StatusFinished:
		return domain.ErrSessionFinished
	case domain.StatusInitialized:
		return domain.ErrSessionNotActive
	}
	return domain.ErrSessionFull
}

// Connect admits a live socket into the session. The owner's first
// connection activates it. On failure conn is closed.
func (o *Orchestrator) Connect(ctx context.Context, sid domain.SessionID, uid domain.UserID, username string, conn core.SignalConnection) error {
	rec, err := o.join(ctx, sid, uid, true)
	if err != nil {
		conn.Close(err.Error())
		return err
	}

	entry, res, err := o.attach(sid, rec.Owner, uid, username, conn)
	if err != nil {
		conn.Close(err.Error())
		o.clearPointer(ctx, uid, sid)
		return err
	}
	if res.Previous != nil {
		res.Previous.Close("superseded")
	}

	// the owner may have ended the session between join and attach
	if o.sessionOver(ctx, sid) {
		entry.Detach(uid, conn)
		conn.Close(domain.ErrSessionFinished.Error())
		o.clearPointer(ctx, uid, sid)
		o.dropIfAbandoned(entry)
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Msg("connect raced with session end")
		return domain.ErrSessionFinished
	}

	if view, ok := entry.Setup(uid); ok {
		o.sendTo(conn, setupMessage(view))
	}
	if res.Fresh {
		o.broadcast(entry, uid, protocol.Join{
			Type:     protocol.KindJoin,
			UserName: username,
			LocalID:  string(res.LocalID),
		})
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Str("local", string(res.LocalID)).Msg("connected")
	return nil
}

// attach binds conn to the live entry of sid. An abandoned entry is
// replaced; one closed by its owner refuses until the close completes.
func (o *Orchestrator) attach(sid domain.SessionID, owner, uid domain.UserID, username string, conn core.SignalConnection) (*core.Entry, core.AttachResult, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		entry, created := o.Registry.GetOrCreate(sid, owner)
		if created {
			o.startMicLevels(entry)
		}
		res, err := entry.Attach(uid, username, conn)
		if err == nil {
			return entry, res, nil
		}
		if !errors.Is(err, domain.ErrEntryClosed) || !entry.Abandoned() {
			return nil, core.AttachResult{}, domain.ErrSessionFinished
		}
		o.Registry.Remove(sid, entry)
	}
	return nil, core.AttachResult{}, domain.ErrEntryClosed
}

// sessionOver reports whether the durable record is finished or gone.
// Store errors count as not over.
func (o *Orchestrator) sessionOver(ctx context.Context, sid domain.SessionID) bool {
	rec, err := o.Sessions.GetSession(ctx, sid)
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("connect: re-read session")
		return false
	}
	return rec.Status == domain.StatusFinished
}

// dropIfAbandoned retires an entry whose last participant is gone.
func (o *Orchestrator) dropIfAbandoned(entry *core.Entry) {
	if entry.CloseIfEmpty() {
		o.Registry.Remove(entry.ID(), entry)
		log.Info().Str("module", "orch").Str("sid", string(entry.ID())).Msg("abandoned entry dropped")
	}
}

func setupMessage(v core.SetupView) protocol.Setup {
	msg := protocol.Setup{
		Type:         protocol.KindSetup,
		LocalID:      string(v.LocalID),
		OwnerLocalID: string(v.OwnerLocalID),
		Users:        make([]protocol.User, 0, len(v.Users)),
		Muted:        make(map[string]bool, len(v.Muted)),
		PingDelays:   make(map[string]float64, len(v.PingDelays)),
		Icons:        make(map[string]string, len(v.Icons)),
	}
	for _, u := range v.Users {
		msg.Users = append(msg.Users, protocol.User{LocalID: string(u.LocalID), UserName: u.UserName})
	}
	for k, m := range v.Muted {
		msg.Muted[string(k)] = m
	}
	for k, d := range v.PingDelays {
		msg.PingDelays[string(k)] = d
	}
	for k, i := range v.Icons {
		msg.Icons[string(k)] = i
	}
	return msg
}

// Disconnect handles a socket that went away. It is a no-op for a
// connection that was already superseded, and then reports true: the user
// is still live on a newer socket.
func (o *Orchestrator) Disconnect(ctx context.Context, sid domain.SessionID, uid domain.UserID, conn core.SignalConnection) (superseded bool) {
	entry, ok := o.Registry.Get(sid)
	if !ok {
		return false
	}
	cur, ok := entry.ConnOf(uid)
	if !ok {
		return false
	}
	if cur != conn {
		log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Msg("stale disconnect ignored")
		return true
	}
	o.leave(ctx, sid, uid, protocol.ReasonDisconnect, conn)
	return false
}

// Leave removes uid from sid. When uid owns the session, the session ends.
func (o *Orchestrator) Leave(ctx context.Context, sid domain.SessionID, uid domain.UserID, reason string) error {
	return o.leave(ctx, sid, uid, reason, nil)
}

// Kick removes the participant known as local. Only the owner may kick.
func (o *Orchestrator) Kick(ctx context.Context, sid domain.SessionID, by domain.UserID, local domain.LocalID) error {
	entry, ok := o.Registry.Get(sid)
	if !ok {
		return domain.ErrNotFound
	}
	if by != entry.Owner() {
		return domain.ErrNotOwner
	}
	target, ok := entry.UserOf(local)
	if !ok || !entry.IsParticipant(target) {
		return domain.ErrNotMember
	}
	if target == entry.Owner() {
		return domain.ErrKickOwner
	}
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(target)).Msg("kick")
	return o.leave(ctx, sid, target, protocol.ReasonKicked, nil)
}

func (o *Orchestrator) leave(ctx context.Context, sid domain.SessionID, uid domain.UserID, reason string, conn core.SignalConnection) error {
	ctx, span := o.startSpan(ctx, "orch.Leave", sid, uid)
	defer span.End()

	entry, live := o.Registry.Get(sid)
	if live && entry.Abandoned() {
		live = false
	}
	if live && uid == entry.Owner() {
		return o.closeSession(ctx, entry, conn)
	}

	if live {
		member, mconn, ok := entry.Detach(uid, conn)
		if !ok && conn != nil {
			return nil
		}
		if ok {
			o.sendTo(mconn, protocol.NewRemoved(string(member.LocalID), reason))
			mconn.Close(reason)
			o.broadcast(entry, "", protocol.NewRemoved(string(member.LocalID), reason))
			o.dropIfAbandoned(entry)
		}
	}

	rec, err := o.Sessions.GetSession(ctx, sid)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.clearPointer(ctx, uid, sid)
			return nil
		}
		log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("leave: get session")
		return nil
	}
	if !live && uid == rec.Owner {
		o.finishDurable(ctx, rec)
		return nil
	}
	if rec.IsCollaborator(uid) {
		if err := o.Sessions.RemoveCollaborator(ctx, sid, uid); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Msg("leave: remove collaborator")
		}
	}
	o.clearPointer(ctx, uid, sid)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Str("reason", reason).Msg("left")
	return nil
}

// closeSession ends a live session: every socket is told and closed, the
// durable record is finished or deleted, then the entry is dropped. The
// closed entry stays registered until then so reconnects are refused.
func (o *Orchestrator) closeSession(ctx context.Context, entry *core.Entry, conn core.SignalConnection) error {
	members, conns, ok := entry.Close(conn)
	if !ok {
		return nil
	}
	defer o.Registry.Remove(entry.ID(), entry)
	for i, c := range conns {
		o.sendTo(c, protocol.NewRemoved(string(members[i].LocalID), protocol.ReasonClosed))
		c.Close("Owner ended session")
	}
	log.Info().Str("module", "orch").Str("sid", string(entry.ID())).Int("closed", len(conns)).Msg("session closed by owner")

	rec, err := o.Sessions.GetSession(ctx, entry.ID())
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(entry.ID())).Msg("close: get session")
		o.clearPointer(ctx, entry.Owner(), entry.ID())
		return nil
	}
	o.finishDurable(ctx, rec)
	return nil
}

// finishDurable finishes the session and deletes it when it holds no
// recordings, then releases every member's pointer to it.
func (o *Orchestrator) finishDurable(ctx context.Context, rec *domain.SessionRecord) {
	o.advance(ctx, rec.ID, domain.StatusFinished)
	objs, err := o.Objects.List(ctx, o.recordingPrefix(rec.ID))
	switch {
	case err != nil:
		log.Error().Err(err).Str("module", "orch").Str("sid", string(rec.ID)).Msg("close: list recordings")
	case len(objs) == 0:
		if err := o.Sessions.DeleteSession(ctx, rec.ID); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("sid", string(rec.ID)).Msg("close: delete session")
		} else {
			log.Info().Str("module", "orch").Str("sid", string(rec.ID)).Msg("empty session deleted")
		}
	}

	o.clearPointer(ctx, rec.Owner, rec.ID)
	for uid := range rec.Collaborators {
		o.clearPointer(ctx, uid, rec.ID)
	}
}

func (o *Orchestrator) advance(ctx context.Context, sid domain.SessionID, to domain.Status) {
	err := o.Sessions.AdvanceStatus(ctx, sid, to)
	if err != nil && !errors.Is(err, domain.ErrConditionFailed) {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("status", string(to)).Msg("advance status")
	}
}

func (o *Orchestrator) clearPointer(ctx context.Context, uid domain.UserID, sid domain.SessionID) {
	err := o.Accounts.ClearCurrentSession(ctx, uid, sid)
	if err != nil && !errors.Is(err, domain.ErrConditionFailed) && !errors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("user", string(uid)).Msg("clear session pointer")
	}
}

package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/dkeye/jamsync/pkg/protocol"
)

// Dispatch routes one decoded client message. Messages failing their
// sender guard are dropped without a reply.
func (o *Orchestrator) Dispatch(ctx context.Context, sid domain.SessionID, uid domain.UserID, conn core.SignalConnection, msg protocol.Inbound) {
	if p, ok := msg.(protocol.Ping); ok {
		o.sendTo(conn, protocol.NewPong(o.now().UnixMilli(), p.ClientTime))
		return
	}

	entry, ok := o.Registry.Get(sid)
	if !ok {
		log.Debug().Str("module", "orch.dispatch").Str("sid", string(sid)).Str("type", string(msg.Kind())).Msg("no live session")
		return
	}
	kind := msg.Kind()
	if kind.OwnerOnly() && uid != entry.Owner() {
		log.Debug().Str("module", "orch.dispatch").Str("sid", string(sid)).Str("user", string(uid)).Str("type", string(kind)).Msg("owner only, dropped")
		return
	}
	if kind.MemberOnly() {
		if cur, ok := entry.ConnOf(uid); !ok || cur != conn {
			log.Debug().Str("module", "orch.dispatch").Str("sid", string(sid)).Str("user", string(uid)).Str("type", string(kind)).Msg("not a member, dropped")
			return
		}
	}

	switch m := msg.(type) {
	case protocol.StartRecording:
		o.startRecording(entry)
	case protocol.StopRecording:
		o.stopRecording(entry)
	case protocol.KickUser:
		if err := o.Kick(ctx, sid, uid, domain.LocalID(m.LocalID)); err != nil {
			log.Debug().Err(err).Str("module", "orch.dispatch").Str("sid", string(sid)).Str("local", m.LocalID).Msg("kick refused")
		}
	case protocol.PingUpdate:
		o.pingUpdate(entry, uid, m.Delay)
	case protocol.MicLevel:
		entry.SetMicLevel(uid, m.Level)
	case protocol.Mute:
		o.mute(entry, uid, m.Muted)
	case protocol.ChangeIcon:
		o.changeIcon(entry, uid, m.Icon)
	default:
		log.Warn().Str("module", "orch.dispatch").Str("type", string(kind)).Msg("unhandled message")
	}
}

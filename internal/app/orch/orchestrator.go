package orch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dkeye/jamsync/internal/app"
	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/dkeye/jamsync/pkg/protocol"
)

const (
	DefaultCountdown        = 10 * time.Second
	DefaultMicLevelInterval = 100 * time.Millisecond
	DefaultPresignTTL       = time.Hour
	DefaultRecordingPrefix  = "recordings"
	DefaultMaxParticipants  = 4
)

// Orchestrator ties the live registry to the durable stores. It owns every
// session lifecycle transition.
type Orchestrator struct {
	Registry     *app.Registry
	Sessions     core.SessionStore
	Accounts     core.AccountStore
	UserSessions core.UserSessionStore
	Objects      core.ObjectStore
	Policy       app.Policy

	// Clock returns the server time. Defaults to time.Now.
	Clock func() time.Time

	MaxParticipants  int
	Countdown        time.Duration
	MicLevelInterval time.Duration
	PresignTTL       time.Duration
	RecordingPrefix  string
}

func (o *Orchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

func (o *Orchestrator) maxParticipants() int {
	if o.MaxParticipants > 0 {
		return o.MaxParticipants
	}
	return DefaultMaxParticipants
}

func (o *Orchestrator) countdown() time.Duration {
	if o.Countdown > 0 {
		return o.Countdown
	}
	return DefaultCountdown
}

func (o *Orchestrator) micLevelInterval() time.Duration {
	if o.MicLevelInterval > 0 {
		return o.MicLevelInterval
	}
	return DefaultMicLevelInterval
}

func (o *Orchestrator) presignTTL() time.Duration {
	if o.PresignTTL > 0 {
		return o.PresignTTL
	}
	return DefaultPresignTTL
}

func (o *Orchestrator) recordingPrefix(sid domain.SessionID) string {
	p := o.RecordingPrefix
	if p == "" {
		p = DefaultRecordingPrefix
	}
	return p + "/" + string(sid) + "/"
}

func (o *Orchestrator) startSpan(ctx context.Context, name string, sid domain.SessionID, uid domain.UserID) (context.Context, trace.Span) {
	return otel.Tracer("jamsync/orch").Start(ctx, name, trace.WithAttributes(
		attribute.String("jamsync.session", string(sid)),
		attribute.String("jamsync.user", string(uid)),
	))
}

func encode(v any) (core.Frame, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal frame")
		return nil, false
	}
	return b, true
}

func (o *Orchestrator) sendTo(conn core.SignalConnection, v any) {
	if f, ok := encode(v); ok {
		_ = conn.TrySend(f)
	}
}

// broadcast fans v out from the entry and applies the backpressure policy
// to every participant whose buffer was full.
func (o *Orchestrator) broadcast(entry *core.Entry, from domain.UserID, v any) {
	f, ok := encode(v)
	if !ok {
		return
	}
	res := entry.Broadcast(from, f)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(entry, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(entry.ID())).Str("user", string(slow)).Msg("kicking slow participant")
			o.leave(context.Background(), entry.ID(), slow, protocol.ReasonSlow, nil)
		case app.DropFrame, app.NoAction:
		}
	}
}

// Shutdown closes every live entry without touching durable state, so a
// restarted server can pick sessions up again.
func (o *Orchestrator) Shutdown() {
	for _, e := range o.Registry.Entries() {
		_, conns, ok := e.Close(nil)
		if !ok {
			continue
		}
		o.Registry.Remove(e.ID(), e)
		for _, c := range conns {
			c.Close("server shutdown")
		}
	}
}

package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
	"github.com/dkeye/jamsync/pkg/protocol"
)

func (o *Orchestrator) pingUpdate(entry *core.Entry, uid domain.UserID, delay float64) {
	delays, ok := entry.SetPingDelay(uid, delay)
	if !ok {
		return
	}
	msg := protocol.PingDelays{Type: protocol.KindPingDelays, Delays: make(map[string]float64, len(delays))}
	for k, d := range delays {
		msg.Delays[string(k)] = d
	}
	o.broadcast(entry, "", msg)
}

func (o *Orchestrator) mute(entry *core.Entry, uid domain.UserID, muted bool) {
	flags, ok := entry.SetMuted(uid, muted)
	if !ok {
		return
	}
	msg := protocol.MutedUsers{Type: protocol.KindMutedUsers, Muted: make(map[string]bool, len(flags))}
	for k, m := range flags {
		msg.Muted[string(k)] = m
	}
	o.broadcast(entry, "", msg)
}

// changeIcon relays a participant's avatar to everyone else. Late joiners
// get it in setup.
func (o *Orchestrator) changeIcon(entry *core.Entry, uid domain.UserID, icon string) {
	if icon == "" || len(icon) > protocol.MaxIconLen {
		return
	}
	local, ok := entry.SetIcon(uid, icon)
	if !ok {
		return
	}
	o.broadcast(entry, uid, protocol.IconChanged{Type: protocol.KindChangeIcon, LocalID: string(local), Icon: icon})
}

// startMicLevels runs the per-entry loop that fans out changed mic levels.
// It stops when the entry closes.
func (o *Orchestrator) startMicLevels(entry *core.Entry) {
	ctx, cancel := context.WithCancel(context.Background())
	entry.SetStop(cancel)
	if entry.Closed() {
		cancel()
		return
	}
	interval := o.micLevelInterval()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Debug().Str("module", "orch.presence").Str("sid", string(entry.ID())).Msg("mic level loop stopped")
				return
			case <-t.C:
				o.flushMicLevels(entry)
			}
		}
	}()
}

func (o *Orchestrator) flushMicLevels(entry *core.Entry) {
	levels, changed := entry.DrainMicLevels()
	if !changed {
		return
	}
	msg := protocol.MicLevels{Type: protocol.KindMicLevels, Levels: make(map[string]float64, len(levels))}
	for k, l := range levels {
		msg.Levels[string(k)] = l
	}
	o.broadcast(entry, "", msg)
}

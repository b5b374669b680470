package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/pkg/protocol"
)

const (
	writeWait      = 5 * time.Second
	maxCloseReason = 123
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	var ping <-chan time.Time
	if ctl.PingPeriod > 0 {
		t := time.NewTicker(ctl.PingPeriod)
		defer t.Stop()
		ping = t.C
	}
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				c.writeClose()
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (c *WsSignalConn) writeClose() {
	reason := c.closeReason()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (ctl *SignalWSController) readPump(ctx context.Context, peer Peer, c *WsSignalConn) {
	sid := string(peer.SessionID)
	defer func() {
		log.Info().Str("module", "signal").Str("sid", sid).Str("user", string(peer.UserID)).Msg("readPump closing")
		superseded := ctl.Orch.Disconnect(context.Background(), peer.SessionID, peer.UserID, c)
		c.Close(protocol.ReasonDisconnect)
		if ctl.Limiter != nil && !superseded {
			ctl.Limiter.Forget(peer.UserID)
		}
	}()

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	if ctl.PongWait > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(ctl.PongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(ctl.PongWait))
		})
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", sid).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug().Err(err).Str("module", "signal").Str("sid", sid).Msg("readPump peer closed")
				} else {
					log.Info().Err(err).Str("module", "signal").Str("sid", sid).Msg("readPump read error")
				}
				return
			}
			if ctl.Limiter != nil && !ctl.Limiter.Allow(peer.UserID) {
				log.Warn().Str("module", "signal").Str("sid", sid).Str("user", string(peer.UserID)).Msg("rate limited")
				continue
			}
			ctl.handleSignal(ctx, peer, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, peer Peer, c *WsSignalConn, data []byte) {
	msg, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(peer.SessionID)).Msg("unknown signal")
		return
	case err != nil:
		log.Error().Err(err).Str("module", "signal").Str("sid", string(peer.SessionID)).Msg("bad json")
		return
	}
	ctl.Orch.Dispatch(ctx, peer.SessionID, peer.UserID, c, msg)
}

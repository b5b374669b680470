package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/app/orch"
	"github.com/dkeye/jamsync/internal/config"
	"github.com/dkeye/jamsync/internal/core"
	"github.com/dkeye/jamsync/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Peer is an admitted socket owner.
type Peer struct {
	SessionID domain.SessionID
	UserID    domain.UserID
	Username  string
}

type SignalWSController struct {
	Orch    *orch.Orchestrator
	Limiter *RateLimiter

	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	SendBuffer int
}

func NewSignalWSController(o *orch.Orchestrator, cfg config.SignalConfig) *SignalWSController {
	return &SignalWSController{
		Orch:       o,
		Limiter:    NewRateLimiter(cfg.RateLimit, cfg.RateInterval),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
		PongWait:   cfg.PongWait,
		SendBuffer: cfg.SendBuffer,
	}
}

// WsSignalConn is the orchestrator's view of one socket. Frames queue in
// send; the write pump drains them and finishes with a close frame.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
	reason string
}

func newConn(ws *websocket.Conn, buffer int) *WsSignalConn {
	if buffer <= 0 {
		buffer = 32
	}
	return &WsSignalConn{conn: ws, send: make(chan core.Frame, buffer)}
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.reason = reason
	close(c.send)
}

func (c *WsSignalConn) closeReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reason
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades an admitted request and runs its pumps.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, peer Peer) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ctl.Serve(ctx, ws, peer)
}

// Serve attaches ws to the session and starts its pumps.
func (ctl *SignalWSController) Serve(ctx context.Context, ws *websocket.Conn, peer Peer) {
	log.Info().Str("module", "signal").Str("sid", string(peer.SessionID)).Str("user", string(peer.UserID)).Msg("new WS connection")
	conn := newConn(ws, ctl.SendBuffer)
	go ctl.writePump(ctx, conn)

	if err := ctl.Orch.Connect(ctx, peer.SessionID, peer.UserID, peer.Username, conn); err != nil {
		log.Info().Err(err).Str("module", "signal").Str("sid", string(peer.SessionID)).Str("user", string(peer.UserID)).Msg("connect refused")
		return
	}
	go ctl.readPump(ctx, peer, conn)
}

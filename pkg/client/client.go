// Package client is a Go participant for jamsync sessions: it keeps its clock
// aligned with the server and fires recording transitions at the shared instant.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/cid"
	"github.com/dkeye/jamsync/pkg/clocksync"
	"github.com/dkeye/jamsync/pkg/protocol"
)

var ErrNotConnected = errors.New("client not connected")

type Config struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL    string
	Token        string
	CookieName   string
	UserAgent    string
	PingInterval time.Duration
	Samples      int
	Correction   time.Duration
}

// EventHandler receives server events. OnStart and OnStop run when the
// local clock reaches the scheduled server time.
type EventHandler interface {
	OnSetup(m protocol.Setup)
	OnJoin(m protocol.Join)
	OnRemoved(m protocol.Removed)
	OnStart(serverTime int64)
	OnStop(serverTime int64)
	OnServerEvent(m any)
}

type DefaultEventHandler struct{}

func (DefaultEventHandler) OnSetup(m protocol.Setup) {
	log.Info().Str("module", "client").Str("local_id", m.LocalID).Int("users", len(m.Users)).Msg("joined session")
}
func (DefaultEventHandler) OnJoin(m protocol.Join) {
	log.Info().Str("module", "client").Str("user", m.UserName).Msg("participant joined")
}
func (DefaultEventHandler) OnRemoved(m protocol.Removed) {
	log.Info().Str("module", "client").Str("local_id", m.LocalID).Str("reason", m.Reason).Msg("removed")
}
func (DefaultEventHandler) OnStart(at int64) {
	log.Info().Str("module", "client").Int64("at", at).Msg("recording started")
}
func (DefaultEventHandler) OnStop(at int64) {
	log.Info().Str("module", "client").Int64("at", at).Msg("recording stopped")
}
func (DefaultEventHandler) OnServerEvent(m any) {
	log.Debug().Str("module", "client").Interface("event", m).Msg("server event")
}

type SessionClient struct {
	cfg     Config
	clock   *clocksync.Estimator
	handler EventHandler

	mu     sync.Mutex
	conn   *websocket.Conn
	setup  *protocol.Setup
	timers []*time.Timer
}

func New(cfg Config) *SessionClient {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "jamsync-client/1.0"
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "usid"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}
	return &SessionClient{
		cfg:     cfg,
		clock:   clocksync.NewEstimator(cfg.Samples, cfg.Correction),
		handler: DefaultEventHandler{},
	}
}

func (c *SessionClient) SetEventHandler(h EventHandler) { c.handler = h }

func (c *SessionClient) Clock() *clocksync.Estimator { return c.clock }

// buildDialHeaders carries the user session cookie and the caller's
// correlation id.
func buildDialHeaders(ctx context.Context, cfg Config) map[string][]string {
	headers := map[string][]string{"User-Agent": {cfg.UserAgent}}
	if cfg.Token != "" {
		headers["Cookie"] = []string{cfg.CookieName + "=" + cfg.Token}
	}
	cid.AddHeader(headers, ctx)
	return headers
}

func socketURL(base, sid string) string {
	u := strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/session/" + sid + "/ws"
}

// Connect opens the session socket. The server replies with setup once the
// socket is admitted.
func (c *SessionClient) Connect(ctx context.Context, sid string) error {
	conn, _, err := websocket.Dial(ctx, socketURL(c.cfg.ServerURL, sid), &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, c.cfg),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to session: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func (c *SessionClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client disconnect")
}

// Setup returns the most recent setup frame.
func (c *SessionClient) Setup() (protocol.Setup, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setup == nil {
		return protocol.Setup{}, false
	}
	return *c.setup, true
}

func (c *SessionClient) send(ctx context.Context, m protocol.Inbound) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return wsjson.Write(ctx, conn, json.RawMessage(data))
}

func (c *SessionClient) StartRecording(ctx context.Context) error {
	return c.send(ctx, protocol.StartRecording{})
}

func (c *SessionClient) StopRecording(ctx context.Context) error {
	return c.send(ctx, protocol.StopRecording{})
}

func (c *SessionClient) Kick(ctx context.Context, localID string) error {
	return c.send(ctx, protocol.KickUser{LocalID: localID})
}

func (c *SessionClient) Mute(ctx context.Context, muted bool) error {
	return c.send(ctx, protocol.Mute{Muted: muted})
}

func (c *SessionClient) MicLevel(ctx context.Context, level float64) error {
	return c.send(ctx, protocol.MicLevel{Level: level})
}

// ChangeIcon shares the user's avatar with the other participants.
func (c *SessionClient) ChangeIcon(ctx context.Context, icon string) error {
	return c.send(ctx, protocol.ChangeIcon{Icon: icon})
}

func (c *SessionClient) Ping(ctx context.Context) error {
	return c.send(ctx, protocol.Ping{ClientTime: c.clock.NowMillis()})
}

// RunPings pings every PingInterval until ctx ends.
func (c *SessionClient) RunPings(ctx context.Context) error {
	if err := c.Ping(ctx); err != nil {
		return err
	}
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := c.Ping(ctx); err != nil {
				return err
			}
		}
	}
}

// Listen reads server frames until the socket closes or ctx ends.
func (c *SessionClient) Listen(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}
		m, err := protocol.DecodeServer(raw)
		if err != nil {
			log.Warn().Err(err).Str("module", "client").Msg("undecodable frame")
			continue
		}
		c.handle(ctx, m)
	}
}

func (c *SessionClient) handle(ctx context.Context, m any) {
	switch v := m.(type) {
	case *protocol.Pong:
		delay := c.observePong(v)
		if err := c.send(ctx, protocol.PingUpdate{Delay: delay}); err != nil {
			log.Debug().Err(err).Str("module", "client").Msg("ping update")
		}
	case *protocol.Setup:
		c.mu.Lock()
		c.setup = v
		c.mu.Unlock()
		c.handler.OnSetup(*v)
	case *protocol.Join:
		c.handler.OnJoin(*v)
	case *protocol.Removed:
		c.handler.OnRemoved(*v)
	case *protocol.Scheduled:
		c.schedule(*v)
	default:
		c.handler.OnServerEvent(m)
	}
}

// observePong feeds the clock estimator and returns the one-way delay of
// this round trip. The best sample only drives the clock offset.
func (c *SessionClient) observePong(p *protocol.Pong) float64 {
	return c.clock.Observe(p.ClientTime, float64(p.Time), c.clock.NowMillis()).Delay
}

func (c *SessionClient) schedule(s protocol.Scheduled) {
	fire := func() { c.handler.OnStart(s.Time) }
	if s.Type == protocol.KindStopRecording {
		fire = func() { c.handler.OnStop(s.Time) }
	}
	if t := c.clock.Schedule(s.Time, fire); t != nil {
		c.mu.Lock()
		c.timers = append(c.timers, t)
		c.mu.Unlock()
	}
}

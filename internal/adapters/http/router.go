package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/adapters/signal"
	"github.com/dkeye/jamsync/internal/app/orch"
	"github.com/dkeye/jamsync/internal/cid"
	"github.com/dkeye/jamsync/internal/config"
)

type Server struct {
	Cfg    *config.Config
	Orch   *orch.Orchestrator
	Signal *signal.SignalWSController
	Gate   *Gate
}

func NewServer(cfg *config.Config, o *orch.Orchestrator) *Server {
	return &Server{
		Cfg:    cfg,
		Orch:   o,
		Signal: signal.NewSignalWSController(o, cfg.Signal),
		Gate: &Gate{
			Sessions:     o.Sessions,
			Accounts:     o.Accounts,
			UserSessions: o.UserSessions,
			CookieName:   cfg.Session.CookieName,
		},
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	return NewServer(cfg, o).Router(ctx)
}

func (s *Server) Router(ctx context.Context) *gin.Engine {
	if s.Cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if s.Cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(CIDMiddleware())
	r.Use(OtelMiddleware())

	if s.Cfg.StaticPath != "" {
		r.Static("/static", s.Cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(s.Cfg.StaticPath + "/index.html")
		})
	}
	r.GET("/health", s.health)

	log.Info().Str("module", "adapters.http").Str("static", s.Cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")
	if s.Cfg.Session.DevLogin {
		api.POST("/dev/login", s.devLogin)
	}

	sessions := api.Group("/sessions", s.requireUser())
	sessions.POST("", s.createSession)
	sessions.POST("/prejoin", s.preJoin)
	sessions.POST("/join", s.joinSession)
	sessions.POST("/leave", s.leaveSession)
	sessions.POST("/:id/recordings", s.uploadRecording)
	sessions.GET("/:id/recordings", s.listRecordings)

	r.GET("/session/:id/ws", func(c *gin.Context) {
		peer, err := s.Gate.Admit(c.Request.Context(), c.Request)
		if err != nil {
			log.Info().Err(err).Str("module", "adapters.http").Str("cid", cid.FromContext(c.Request.Context())).Str("path", c.Request.URL.Path).Msg("admission refused")
			destroy(c)
			return
		}
		s.Signal.HandleSignal(ctx, c, peer)
	})

	r.NoRoute(func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			log.Info().Str("module", "adapters.http").Str("path", c.Request.URL.Path).Msg("upgrade on unknown path")
			destroy(c)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	return r
}

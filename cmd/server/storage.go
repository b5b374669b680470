package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/adapters/storage/dynamo"
	"github.com/dkeye/jamsync/internal/adapters/storage/memory"
	"github.com/dkeye/jamsync/internal/adapters/storage/redisstore"
	"github.com/dkeye/jamsync/internal/adapters/storage/s3store"
	"github.com/dkeye/jamsync/internal/config"
	"github.com/dkeye/jamsync/internal/core"
)

type stores struct {
	sessions     core.SessionStore
	accounts     core.AccountStore
	userSessions core.UserSessionStore
	objects      core.ObjectStore
	close        func()
}

func openStores(ctx context.Context, cfg config.StorageConfig) (*stores, error) {
	switch cfg.Backend {
	case "memory":
		m := memory.NewStore()
		return &stores{sessions: m, accounts: m, userSessions: m, objects: memory.NewObjects(), close: func() {}}, nil

	case "dynamodb":
		db, err := dynamo.New(ctx, cfg.Region, dynamo.Tables{
			Sessions:     cfg.SessionsTable,
			Users:        cfg.UsersTable,
			UserSessions: cfg.UserSessionsTable,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb: %w", err)
		}
		objs, err := s3store.New(ctx, cfg.Region, cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("s3: %w", err)
		}
		return &stores{sessions: db, accounts: db, userSessions: db, objects: objs, close: func() {}}, nil

	case "redis":
		rs, err := redisstore.New(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		objs, err := s3store.New(ctx, cfg.Region, cfg.Bucket)
		if err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("s3: %w", err)
		}
		return &stores{sessions: rs, accounts: rs, userSessions: rs, objects: objs, close: func() {
			if err := rs.Close(); err != nil {
				log.Error().Err(err).Msg("close redis")
			}
		}}, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

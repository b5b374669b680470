// Package redisstore keeps sessions, accounts and user sessions in Redis as
// JSON documents. Conditional updates use WATCH/MULTI.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/jamsync/internal/domain"
)

const maxTxRetries = 8

type Store struct {
	rdb    *redis.Client
	prefix string
}

func New(ctx context.Context, addr string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info().Str("module", "storage.redis").Str("addr", addr).Int("db", db).Msg("redis store ready")
	return &Store{rdb: rdb, prefix: "jamsync"}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) sessionKey(id domain.SessionID) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, id)
}

func (s *Store) accountKey(id domain.UserID) string {
	return fmt.Sprintf("%s:account:%s", s.prefix, id)
}

func (s *Store) userSessionKey(token string) string {
	return fmt.Sprintf("%s:usid:%s", s.prefix, token)
}

func (s *Store) getJSON(ctx context.Context, c redis.Cmdable, key string, v any) error {
	raw, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func (s *Store) create(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ok, err := s.rdb.SetNX(ctx, key, b, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAlreadyExists
	}
	return nil
}

// update reads key into v, applies fn and writes the result back inside an
// optimistic transaction. fn's error aborts without writing.
func update[T any](ctx context.Context, s *Store, key string, fn func(*T) error) error {
	txf := func(tx *redis.Tx) error {
		var v T
		if err := s.getJSON(ctx, tx, key, &v); err != nil {
			return err
		}
		if err := fn(&v); err != nil {
			return err
		}
		b, err := json.Marshal(&v)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: too much contention", key)
}

func (s *Store) CreateSession(ctx context.Context, rec *domain.SessionRecord) error {
	return s.create(ctx, s.sessionKey(rec.ID), rec)
}

func (s *Store) GetSession(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	var rec domain.SessionRecord
	if err := s.getJSON(ctx, s.rdb, s.sessionKey(id), &rec); err != nil {
		return nil, err
	}
	if rec.Collaborators == nil {
		rec.Collaborators = make(map[domain.UserID]domain.CollaboratorMeta)
	}
	return &rec, nil
}

func (s *Store) AddCollaborator(ctx context.Context, id domain.SessionID, uid domain.UserID, joinedAt time.Time, limit int) error {
	err := update(ctx, s, s.sessionKey(id), func(rec *domain.SessionRecord) error {
		if rec.Status != domain.StatusActive || !rec.CanAdmit(uid, limit) {
			return domain.ErrConditionFailed
		}
		if rec.Collaborators == nil {
			rec.Collaborators = make(map[domain.UserID]domain.CollaboratorMeta)
		}
		if !rec.IsCollaborator(uid) {
			rec.Collaborators[uid] = domain.CollaboratorMeta{JoinedAt: joinedAt}
		}
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrConditionFailed
	}
	return err
}

func (s *Store) RemoveCollaborator(ctx context.Context, id domain.SessionID, uid domain.UserID) error {
	return update(ctx, s, s.sessionKey(id), func(rec *domain.SessionRecord) error {
		delete(rec.Collaborators, uid)
		return nil
	})
}

func (s *Store) AdvanceStatus(ctx context.Context, id domain.SessionID, to domain.Status) error {
	err := update(ctx, s, s.sessionKey(id), func(rec *domain.SessionRecord) error {
		if !rec.Status.Before(to) {
			return domain.ErrConditionFailed
		}
		rec.Status = to
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrConditionFailed
	}
	return err
}

func (s *Store) DeleteSession(ctx context.Context, id domain.SessionID) error {
	return s.rdb.Del(ctx, s.sessionKey(id)).Err()
}

func (s *Store) CreateAccount(ctx context.Context, acc *domain.Account) error {
	return s.create(ctx, s.accountKey(acc.ID), acc)
}

func (s *Store) GetAccount(ctx context.Context, id domain.UserID) (*domain.Account, error) {
	var acc domain.Account
	if err := s.getJSON(ctx, s.rdb, s.accountKey(id), &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Store) SetCurrentSession(ctx context.Context, id domain.UserID, sid domain.SessionID) error {
	return update(ctx, s, s.accountKey(id), func(acc *domain.Account) error {
		acc.CurrentSession = sid
		return nil
	})
}

func (s *Store) ClearCurrentSession(ctx context.Context, id domain.UserID, expected domain.SessionID) error {
	return update(ctx, s, s.accountKey(id), func(acc *domain.Account) error {
		if acc.CurrentSession != expected {
			return domain.ErrConditionFailed
		}
		acc.CurrentSession = ""
		return nil
	})
}

func (s *Store) CreateUserSession(ctx context.Context, us *domain.UserSession) error {
	return s.create(ctx, s.userSessionKey(us.Token), us)
}

func (s *Store) GetUserSession(ctx context.Context, token string) (*domain.UserSession, error) {
	var us domain.UserSession
	if err := s.getJSON(ctx, s.rdb, s.userSessionKey(token), &us); err != nil {
		return nil, err
	}
	return &us, nil
}

func (s *Store) TouchUserSession(ctx context.Context, token string, at time.Time) error {
	return update(ctx, s, s.userSessionKey(token), func(us *domain.UserSession) error {
		us.LastSeen = at
		return nil
	})
}

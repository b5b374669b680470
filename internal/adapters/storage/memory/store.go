// Package memory keeps sessions, accounts and user sessions in process.
// It backs development runs and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/jamsync/internal/domain"
)

type Store struct {
	mu           sync.RWMutex
	sessions     map[domain.SessionID]*domain.SessionRecord
	accounts     map[domain.UserID]*domain.Account
	userSessions map[string]*domain.UserSession
}

func NewStore() *Store {
	return &Store{
		sessions:     make(map[domain.SessionID]*domain.SessionRecord),
		accounts:     make(map[domain.UserID]*domain.Account),
		userSessions: make(map[string]*domain.UserSession),
	}
}

func (s *Store) CreateSession(_ context.Context, rec *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.sessions[rec.ID] = rec.Clone()
	return nil
}

func (s *Store) GetSession(_ context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *Store) AddCollaborator(_ context.Context, id domain.SessionID, uid domain.UserID, joinedAt time.Time, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return domain.ErrConditionFailed
	}
	if rec.Status != domain.StatusActive || !rec.CanAdmit(uid, limit) {
		return domain.ErrConditionFailed
	}
	if !rec.IsCollaborator(uid) {
		rec.Collaborators[uid] = domain.CollaboratorMeta{JoinedAt: joinedAt}
	}
	return nil
}

func (s *Store) RemoveCollaborator(_ context.Context, id domain.SessionID, uid domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(rec.Collaborators, uid)
	return nil
}

func (s *Store) AdvanceStatus(_ context.Context, id domain.SessionID, to domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok {
		return domain.ErrConditionFailed
	}
	if !rec.Status.Before(to) {
		return domain.ErrConditionFailed
	}
	rec.Status = to
	return nil
}

func (s *Store) DeleteSession(_ context.Context, id domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *Store) CreateAccount(_ context.Context, acc *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *acc
	s.accounts[acc.ID] = &cp
	return nil
}

func (s *Store) GetAccount(_ context.Context, id domain.UserID) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) SetCurrentSession(_ context.Context, id domain.UserID, sid domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	acc.CurrentSession = sid
	return nil
}

func (s *Store) ClearCurrentSession(_ context.Context, id domain.UserID, expected domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if acc.CurrentSession != expected {
		return domain.ErrConditionFailed
	}
	acc.CurrentSession = ""
	return nil
}

func (s *Store) CreateUserSession(_ context.Context, us *domain.UserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userSessions[us.Token]; ok {
		return domain.ErrAlreadyExists
	}
	cp := *us
	s.userSessions[us.Token] = &cp
	return nil
}

func (s *Store) GetUserSession(_ context.Context, token string) (*domain.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	us, ok := s.userSessions[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *us
	return &cp, nil
}

func (s *Store) TouchUserSession(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.userSessions[token]
	if !ok {
		return domain.ErrNotFound
	}
	us.LastSeen = at
	return nil
}

// Package auth holds the credential check and the in-memory session table.
// Sessions are deliberately not persisted: a process restart logs everyone out.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"syncstream/internal/domain"
)

const tokenBytes = 32

// Session is one minted login, referenced read-only by token auths.
type Session struct {
	Token     string
	Role      domain.Role
	Name      string
	ExpiresAt time.Time
}

type Store struct {
	mu       sync.Mutex
	sessions map[string]Session

	operatorSecret []byte
	viewerSecret   []byte
	ttl            time.Duration

	now    func() time.Time
	logger *slog.Logger
}

func NewStore(operatorPassword, viewerPassword string, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions:       make(map[string]Session),
		operatorSecret: []byte(operatorPassword),
		viewerSecret:   []byte(viewerPassword),
		ttl:            ttl,
		now:            time.Now,
		logger:         logger.With(slog.String("component", "auth")),
	}
}

// ValidatePassword maps a password to a role. Both secrets are always
// compared so the timing does not reveal which one matched.
func (s *Store) ValidatePassword(password string) (domain.Role, error) {
	pw := []byte(password)
	isOperator := subtle.ConstantTimeCompare(pw, s.operatorSecret) == 1
	isViewer := subtle.ConstantTimeCompare(pw, s.viewerSecret) == 1
	switch {
	case isOperator:
		return domain.RoleOperator, nil
	case isViewer:
		return domain.RoleViewer, nil
	default:
		return "", domain.ErrBadCredentials
	}
}

// CreateSession mints an opaque hex token for the given role and name.
func (s *Store) CreateSession(role domain.Role, name string) (Session, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return Session{}, err
	}
	session := Session{
		Token:     hex.EncodeToString(buf),
		Role:      role,
		Name:      name,
		ExpiresAt: s.now().Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[session.Token] = session
	s.mu.Unlock()

	s.logger.Debug("session created", slog.String("role", string(role)), slog.String("name", name))
	return session, nil
}

// ValidateSession returns the session for token, removing it lazily if it
// has already expired. The expiry check runs under the lock, so a racing
// Sweep can never turn an unexpired token into a miss.
func (s *Store) ValidateSession(token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return Session{}, domain.ErrNotFound
	}
	if !s.now().Before(session.ExpiresAt) {
		delete(s.sessions, token)
		return Session{}, domain.ErrSessionExpired
	}
	return session, nil
}

func (s *Store) InvalidateSession(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Sweep removes expired sessions and returns how many were dropped.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, session := range s.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// Len reports the number of live sessions, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RunSweeper removes expired sessions on a fixed interval until ctx ends.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug("expired sessions removed", slog.Int("count", removed))
			}
		}
	}
}

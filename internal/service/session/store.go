package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/ragdesk/internal/backend"
	"github.com/zhouzirui/ragdesk/internal/events"
	sessionmodel "github.com/zhouzirui/ragdesk/internal/model/session"
)

var (
	// ErrInvalidCredentials is returned when the backend rejects a login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUnreachable is returned when the backend could not be reached or
	// answered with something unreadable.
	ErrUnreachable = errors.New("cannot reach server")
)

// Messages shown to the user for a failed login.
const (
	MessageInvalidCredentials = "Invalid credentials - please try again"
	MessageUnreachable        = "Cannot reach server"
)

// FailureMessage returns the user-facing text for a Login error.
func FailureMessage(err error) string {
	if errors.Is(err, ErrInvalidCredentials) {
		return MessageInvalidCredentials
	}
	return MessageUnreachable
}

// Authenticator checks credentials against the backend.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*backend.LoginResponse, error)
}

// Store holds the authentication state of the client.
type Store struct {
	mu      sync.RWMutex
	current sessionmodel.Session
	auth    Authenticator
	events  events.Publisher
	log     *zap.Logger

	onInvalidate []func()
}

// NewStore creates an anonymous session store.
func NewStore(auth Authenticator, pub events.Publisher, log *zap.Logger) *Store {
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		current: sessionmodel.Anonymous(),
		auth:    auth,
		events:  pub,
		log:     log,
	}
}

// OnInvalidate registers fn to run after a 401 dropped an authenticated
// session. Hooks run without the store lock held.
func (s *Store) OnInvalidate(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvalidate = append(s.onInvalidate, fn)
}

// Login sends credentials to the backend. The session only becomes
// authenticated on a 2xx answer; any other status leaves it untouched.
func (s *Store) Login(ctx context.Context, username, password string) (sessionmodel.Session, error) {
	resp, err := s.auth.Login(ctx, username, password)
	if err != nil {
		if backend.IsStatus(err) {
			s.log.Info("login rejected", zap.String("username", username), zap.Error(err))
			return s.Current(), fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		s.log.Warn("login failed", zap.String("username", username), zap.Error(err))
		return s.Current(), fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	name := strings.TrimSpace(resp.Username)
	if name == "" {
		name = username
	}

	at := time.Now().UTC()
	s.mu.Lock()
	s.current = sessionmodel.Session{
		Status:          sessionmodel.StatusAuthenticated,
		Username:        name,
		AuthenticatedAt: &at,
	}
	current := s.current
	s.events.Publish(events.TypeSession, current)
	s.mu.Unlock()

	s.log.Info("logged in", zap.String("username", name))
	return current, nil
}

// Logout returns the session to anonymous.
func (s *Store) Logout() {
	s.reset("logout")
}

// Invalidate drops an authenticated session after the backend refused it
// and runs the OnInvalidate hooks so no state of that user survives.
func (s *Store) Invalidate(reason error) {
	s.log.Warn("session invalidated", zap.Error(reason))
	if !s.reset("invalidated") {
		return
	}
	s.mu.RLock()
	hooks := append([]func(){}, s.onInvalidate...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (s *Store) reset(cause string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.current.Authenticated() {
		return false
	}
	s.log.Info("session reset", zap.String("username", s.current.Username), zap.String("cause", cause))
	s.current = sessionmodel.Anonymous()
	s.events.Publish(events.TypeSession, s.current)
	return true
}

// Current returns a copy of the session.
func (s *Store) Current() sessionmodel.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Authenticated reports whether other stores may talk to the backend.
func (s *Store) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Authenticated()
}

package session

import (
	"errors"
	"time"
)

// Status enumerates authentication states.
type Status string

const (
	StatusAnonymous     Status = "anonymous"
	StatusAuthenticated Status = "authenticated"
)

// Session captures who the client is acting as.
type Session struct {
	Status          Status     `json:"status"`
	Username        string     `json:"username,omitempty"`
	AuthenticatedAt *time.Time `json:"authenticatedAt,omitempty"`
}

// Anonymous is the initial session.
func Anonymous() Session {
	return Session{Status: StatusAnonymous}
}

// Authenticated reports whether the session belongs to a confirmed user.
func (s Session) Authenticated() bool {
	return s.Status == StatusAuthenticated
}

// ErrNotAuthenticated is returned by every operation that needs a logged-in user.
var ErrNotAuthenticated = errors.New("not authenticated")

package document

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zhouzirui/ragdesk/internal/backend"
	"github.com/zhouzirui/ragdesk/internal/events"
	"github.com/zhouzirui/ragdesk/internal/model/document"
	"github.com/zhouzirui/ragdesk/internal/model/session"
)

// ErrEmptyName is returned by Delete when no document name is given.
var ErrEmptyName = errors.New("document name is required")

// Backend is the subset of the backend client the store needs.
type Backend interface {
	ListDocuments(ctx context.Context) ([]document.Document, error)
	UploadDocuments(ctx context.Context, files []document.FileBlob) error
	DeleteDocument(ctx context.Context, name string) error
	ClearKnowledgeBase(ctx context.Context) error
}

// Gate reports whether the user is logged in and lets the store drop a
// session the backend no longer accepts.
type Gate interface {
	Authenticated() bool
	Invalidate(reason error)
}

// HistoryResetter clears the conversation when the knowledge base is wiped.
type HistoryResetter interface {
	Reset()
}

// MutationError records a failed upload, delete or clear. It is logged,
// never returned: the following refresh shows what the backend really holds.
type MutationError struct {
	Op     string
	Target string
	Err    error
}

func (e *MutationError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Store mirrors the backend's document listing.
//
// Every refresh takes a sequence number when issued; its response is applied
// only if no newer response (or ClearAll) has been applied since.
type Store struct {
	mu      sync.RWMutex
	docs    []document.Document
	uploads int
	issued  uint64
	applied uint64

	backend Backend
	gate    Gate
	history HistoryResetter
	events  events.Publisher
	log     *zap.Logger
}

// NewStore creates an empty document store.
func NewStore(be Backend, gate Gate, history HistoryResetter, pub events.Publisher, log *zap.Logger) *Store {
	if pub == nil {
		pub = events.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		docs:    []document.Document{},
		backend: be,
		gate:    gate,
		history: history,
		events:  pub,
		log:     log,
	}
}

// Refresh replaces local state with the backend's listing. A failed fetch
// leaves local state untouched.
func (s *Store) Refresh(ctx context.Context) ([]document.Document, error) {
	if !s.gate.Authenticated() {
		return nil, session.ErrNotAuthenticated
	}

	s.mu.Lock()
	s.issued++
	seq := s.issued
	s.mu.Unlock()

	docs, err := s.backend.ListDocuments(ctx)
	if err != nil {
		s.checkAuth(err)
		s.log.Warn("refresh documents failed", zap.Uint64("seq", seq), zap.Error(err))
		return nil, fmt.Errorf("refresh documents: %w", err)
	}
	docs = document.Dedupe(docs)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.applied {
		s.log.Debug("discarding stale document listing", zap.Uint64("seq", seq), zap.Uint64("applied", s.applied))
		return s.copyLocked(), nil
	}
	s.applied = seq
	s.docs = docs
	s.publishDocsLocked()
	return s.copyLocked(), nil
}

// Upload sends files as one batch, then refreshes whatever the outcome.
func (s *Store) Upload(ctx context.Context, files []document.FileBlob) error {
	if !s.gate.Authenticated() {
		return session.ErrNotAuthenticated
	}
	if len(files) == 0 {
		return nil
	}

	s.adjustUploads(1)
	defer s.adjustUploads(-1)

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}

	if err := s.backend.UploadDocuments(ctx, files); err != nil {
		s.mutationFailed(&MutationError{Op: "upload", Target: strings.Join(names, ","), Err: err})
	} else {
		s.log.Info("uploaded documents", zap.Strings("files", names))
	}

	s.reconcile(ctx)
	return nil
}

// Delete removes one document, then refreshes.
func (s *Store) Delete(ctx context.Context, name string) error {
	if !s.gate.Authenticated() {
		return session.ErrNotAuthenticated
	}
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}

	if err := s.backend.DeleteDocument(ctx, name); err != nil {
		s.mutationFailed(&MutationError{Op: "delete", Target: name, Err: err})
	} else {
		s.log.Info("deleted document", zap.String("name", name))
	}

	s.reconcile(ctx)
	return nil
}

// ClearAll wipes the knowledge base, empties local state without waiting
// for a refresh and resets the conversation. If the backend refused the
// clear, a refresh follows so the list shows what is really left.
func (s *Store) ClearAll(ctx context.Context) error {
	if !s.gate.Authenticated() {
		return session.ErrNotAuthenticated
	}

	err := s.backend.ClearKnowledgeBase(ctx)

	s.Reset()
	if s.history != nil {
		s.history.Reset()
	}

	if err != nil {
		s.mutationFailed(&MutationError{Op: "clear", Err: err})
		s.reconcile(ctx)
		return nil
	}
	s.log.Info("cleared knowledge base")
	return nil
}

// Reset empties local state and discards every refresh issued so far.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issued++
	s.applied = s.issued
	s.docs = []document.Document{}
	s.publishDocsLocked()
}

// Documents returns a copy of the current listing.
func (s *Store) Documents() []document.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

// Snapshot returns the listing and the uploading flag read together.
func (s *Store) Snapshot() ([]document.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked(), s.uploads > 0
}

// Uploading reports whether an upload batch is outstanding.
func (s *Store) Uploading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uploads > 0
}

func (s *Store) reconcile(ctx context.Context) {
	if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, session.ErrNotAuthenticated) {
		s.log.Debug("reconciling refresh failed", zap.Error(err))
	}
}

func (s *Store) mutationFailed(err *MutationError) {
	s.checkAuth(err)
	s.log.Warn("document mutation failed", zap.Error(err))
}

func (s *Store) checkAuth(err error) {
	if errors.Is(err, backend.ErrUnauthorized) {
		s.gate.Invalidate(err)
	}
}

func (s *Store) adjustUploads(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.uploads > 0
	s.uploads += delta
	if after := s.uploads > 0; after != before {
		s.events.Publish(events.TypeUploading, after)
	}
}

func (s *Store) copyLocked() []document.Document {
	return append(make([]document.Document, 0, len(s.docs)), s.docs...)
}

func (s *Store) publishDocsLocked() {
	s.events.Publish(events.TypeDocuments, s.copyLocked())
}

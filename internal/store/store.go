// Package store provides storage backends for CareLoop.
//
// The Store interface is the record-store contract the engine depends on:
// per-user sessions, immutable check-in records, and conversation history.
// Three interchangeable backends are provided: in-memory (tests and
// ephemeral runs), SQLite, and PostgreSQL.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CareLoop/internal/models"
)

// Opts holds configuration options for persistent stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// Store is the persistence contract consumed by the engine.
type Store interface {
	// GetUserSession returns the session for a user, or nil when the user
	// is unknown.
	GetUserSession(userID int64) (*models.UserSession, error)
	// SaveUserSession upserts a session (idempotent).
	SaveUserSession(session models.UserSession) error
	// DeleteUserData removes the session and all dependent history and
	// check-ins for a user. Deleting an unknown user is a no-op.
	DeleteUserData(userID int64) error

	// AddCheckin appends one immutable check-in record.
	AddCheckin(record models.CheckinRecord) error
	// LastCheckin returns the most recent check-in for a user, or nil.
	LastCheckin(userID int64) (*models.CheckinRecord, error)
	// ListCheckins returns all check-ins for a user, oldest first.
	ListCheckins(userID int64) ([]models.CheckinRecord, error)

	// AddMessage appends one conversation history row.
	AddMessage(msg models.ChatMessage) error
	// LastMessages returns up to n most recent history rows for a user,
	// oldest first.
	LastMessages(userID int64, n int) ([]models.ChatMessage, error)

	// AllSessions returns a snapshot of every stored session, used by the
	// check-in reminder sweep.
	AllSessions() ([]models.UserSession, error)

	// Close releases backend resources.
	Close() error
}

// InMemoryStore is a Store backed by process-local maps. Each instance is
// independent; tests construct their own so no state is shared.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]models.UserSession
	checkins map[int64][]models.CheckinRecord
	messages map[int64][]models.ChatMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[int64]models.UserSession),
		checkins: make(map[int64][]models.CheckinRecord),
		messages: make(map[int64][]models.ChatMessage),
	}
}

func (s *InMemoryStore) GetUserSession(userID int64) (*models.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	copied := session
	if session.PendingCheckin != nil {
		pending := *session.PendingCheckin
		if session.PendingCheckin.Values != nil {
			pending.Values = make(map[string]int, len(session.PendingCheckin.Values))
			for k, v := range session.PendingCheckin.Values {
				pending.Values[k] = v
			}
		}
		copied.PendingCheckin = &pending
	}
	return &copied, nil
}

func (s *InMemoryStore) SaveUserSession(session models.UserSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return nil
}

func (s *InMemoryStore) DeleteUserData(userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	delete(s.checkins, userID)
	delete(s.messages, userID)
	return nil
}

func (s *InMemoryStore) AddCheckin(record models.CheckinRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkins[record.UserID] = append(s.checkins[record.UserID], record)
	return nil
}

func (s *InMemoryStore) LastCheckin(userID int64) (*models.CheckinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.checkins[userID]
	if len(records) == 0 {
		return nil, nil
	}
	last := records[len(records)-1]
	return &last, nil
}

func (s *InMemoryStore) ListCheckins(userID int64) ([]models.CheckinRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]models.CheckinRecord, len(s.checkins[userID]))
	copy(records, s.checkins[userID])
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *InMemoryStore) AddMessage(msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.UserID] = append(s.messages[msg.UserID], msg)
	return nil
}

func (s *InMemoryStore) LastMessages(userID int64, n int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.messages[userID]
	if n <= 0 || n > len(history) {
		n = len(history)
	}
	out := make([]models.ChatMessage, n)
	copy(out, history[len(history)-n:])
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// AllSessions returns a snapshot of every stored session. Used by the
// reminder sweep; persistent stores expose the same method.
func (s *InMemoryStore) AllSessions() ([]models.UserSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sessions := make([]models.UserSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

// timePtr converts a nullable time into a *time.Time, preserving nil.
func timePtr(t time.Time, valid bool) *time.Time {
	if !valid {
		return nil
	}
	return &t
}

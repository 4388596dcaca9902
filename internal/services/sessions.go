package services

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"llamaste/internal/models"
)

// DefaultSessionID is the id of the built-in session that exists from startup and can
// never be deleted.
const DefaultSessionID = "default"

const defaultSessionTitle = "Default Assistant"

// ErrSessionNotFound is returned when an operation names a session id that is unknown
// to the store, including sessions deleted while a stream targeting them was in flight.
var ErrSessionNotFound = errors.New("session not found")

// ErrIndexOutOfRange is returned when a message index does not exist in the named
// session's log.
var ErrIndexOutOfRange = errors.New("message index out of range")

// SessionStore owns the set of chat sessions and their message logs, plus the notion of
// the single "active" session. Every mutation is keyed by an explicit session id captured
// by the caller; the store never resolves "whatever is active right now" on a caller's
// behalf, so streams started against one session can never corrupt another even when the
// user switches or deletes sessions mid-stream.
//
// The store is safe for concurrent use. Message logs are append-only except for in-place
// updates, so a message's index is stable for the session's whole lifetime and streams
// can hold onto indices across arbitrary interleavings.
type SessionStore struct {
	mu       sync.Mutex
	order    []string
	sessions map[string]models.Session
	messages map[string][]models.Message
	active   string

	subs []func(sessionID string)
}

// NewSessionStore creates a session store seeded with the built-in default session,
// which starts out active.
func NewSessionStore() *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]models.Session),
		messages: make(map[string][]models.Message),
	}
	s.sessions[DefaultSessionID] = models.Session{
		ID:        DefaultSessionID,
		Title:     defaultSessionTitle,
		CreatedAt: time.Now(),
	}
	s.order = append(s.order, DefaultSessionID)
	s.active = DefaultSessionID
	return s
}

// Subscribe registers fn to be called after every mutation, with the id of the session
// that changed. Callbacks run outside the store's lock and must not block for long; the
// UI boundary uses them to push re-renders.
func (s *SessionStore) Subscribe(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *SessionStore) notify(sessionID string) {
	s.mu.Lock()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(sessionID)
	}
}

// CreateSession inserts a fresh empty session with the given title and marks it active.
// It returns the new session's id.
func (s *SessionStore) CreateSession(title string) string {
	id := uuid.New().String()
	s.mu.Lock()
	if title == "" {
		title = fmt.Sprintf("New Session %d", len(s.order)+1)
	}
	s.sessions[id] = models.Session{
		ID:        id,
		Title:     title,
		CreatedAt: time.Now(),
	}
	s.order = append(s.order, id)
	s.active = id
	s.mu.Unlock()

	s.notify(id)
	return id
}

// SetActive marks the named session as the single active one.
func (s *SessionStore) SetActive(sessionID string) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("set active %q: %w", sessionID, ErrSessionNotFound)
	}
	s.active = sessionID
	s.mu.Unlock()

	s.notify(sessionID)
	return nil
}

// DeleteSession removes the named session and its message log. Deleting the built-in
// default session is silently ignored, as is an unknown id. If the deleted session was
// active, the first remaining session in insertion order becomes active.
func (s *SessionStore) DeleteSession(sessionID string) {
	if sessionID == DefaultSessionID {
		return
	}

	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == sessionID })
	if s.active == sessionID {
		s.active = ""
		if len(s.order) > 0 {
			s.active = s.order[0]
		}
	}
	s.mu.Unlock()

	s.notify(sessionID)
}

// Append adds a message to the end of the named session's log and returns its index.
func (s *SessionStore) Append(sessionID string, msg models.Message) (int, error) {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("append to %q: %w", sessionID, ErrSessionNotFound)
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	idx := len(s.messages[sessionID]) - 1
	s.mu.Unlock()

	s.notify(sessionID)
	return idx, nil
}

// ReplaceAt applies an in-place update to one message of the named session. It is used
// exclusively for streaming accumulation and status transitions.
func (s *SessionStore) ReplaceAt(sessionID string, index int, fn func(*models.Message)) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("replace in %q: %w", sessionID, ErrSessionNotFound)
	}
	log := s.messages[sessionID]
	if index < 0 || index >= len(log) {
		s.mu.Unlock()
		return fmt.Errorf("replace at %d of %q: %w", index, sessionID, ErrIndexOutOfRange)
	}
	fn(&log[index])
	s.mu.Unlock()

	s.notify(sessionID)
	return nil
}

// Active returns a read-only snapshot of the active session and its messages. The third
// return is false when no session exists at all.
func (s *SessionStore) Active() (models.Session, []models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == "" {
		return models.Session{}, nil, false
	}
	sess := s.sessions[s.active]
	return sess, slices.Clone(s.messages[s.active]), true
}

// Messages returns a snapshot of the named session's log.
func (s *SessionStore) Messages(sessionID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("messages of %q: %w", sessionID, ErrSessionNotFound)
	}
	return slices.Clone(s.messages[sessionID]), nil
}

// Sessions returns all sessions in insertion order together with the active id.
func (s *SessionStore) Sessions() ([]models.Session, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Session, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sessions[id])
	}
	return out, s.active
}

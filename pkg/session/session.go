// Package session provides in-memory conversation storage.
//
// A session is an ordered sequence of turns keyed by an opaque,
// client-generated id. Sessions are created lazily on first reference and
// live for the process lifetime unless explicitly cleared.
//
// The store supports an in-progress assistant turn: chunks are appended
// incrementally while generation runs, and concurrent History reads observe
// the partial content. The in-progress turn, when present, is always the
// last element of the session.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// MaxSessionIDLength bounds accepted session ids.
const MaxSessionIDLength = 128

// ErrInvalidSessionID is returned when a session id fails validation.
// Validation happens before any mutation.
var ErrInvalidSessionID = errors.New("invalid session id")

// ErrNoTurnInProgress is returned when a chunk is appended or a turn is
// finalized without an open assistant turn.
var ErrNoTurnInProgress = errors.New("no assistant turn in progress")

// ErrTurnInProgress is returned when an assistant turn is opened while
// another one is still open on the same session.
var ErrTurnInProgress = errors.New("assistant turn already in progress")

// Turn is one message unit in a session.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages per-session conversation history.
//
// All methods validate the session id first and guarantee read-your-writes:
// a caller that appended a turn observes it in the next History call.
type Store interface {
	// Append adds a finalized turn to the session, creating the session if
	// it does not exist. While an assistant turn is in progress the new turn
	// is placed before it, so the in-progress turn stays last.
	Append(sessionID string, turn Turn) error

	// History returns a copy of the session's turns in append order.
	// An unknown session id yields an empty slice, not an error.
	History(sessionID string) ([]Turn, error)

	// Clear removes the session and its history. Clearing an unknown or
	// already-empty session succeeds silently.
	Clear(sessionID string) error

	// BeginAssistantTurn opens an in-progress assistant turn at the end of
	// the session, creating the session if needed.
	BeginAssistantTurn(sessionID string) error

	// AppendChunk appends text to the in-progress assistant turn.
	AppendChunk(sessionID string, chunk string) error

	// FinalizeAssistantTurn closes the in-progress assistant turn, making it
	// immutable. An open turn with no content is dropped from the history.
	FinalizeAssistantTurn(sessionID string) error
}

// ValidateSessionID checks session id formatting: non-empty, bounded length,
// printable characters only.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty", ErrInvalidSessionID)
	}
	if len(sessionID) > MaxSessionIDLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidSessionID, MaxSessionIDLength)
	}
	for _, r := range sessionID {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidSessionID)
		}
	}
	return nil
}

// memorySession holds one session's turns. The open flag marks a trailing
// in-progress assistant turn.
type memorySession struct {
	turns []Turn
	open  bool
	mu    sync.RWMutex
}

func (s *memorySession) appendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open && len(s.turns) > 0 {
		// Keep the in-progress turn last.
		last := s.turns[len(s.turns)-1]
		s.turns[len(s.turns)-1] = turn
		s.turns = append(s.turns, last)
		return
	}
	s.turns = append(s.turns, turn)
}

func (s *memorySession) history() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

func (s *memorySession) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return ErrTurnInProgress
	}
	s.turns = append(s.turns, Turn{Role: RoleAssistant, CreatedAt: time.Now()})
	s.open = true
	return nil
}

func (s *memorySession) appendChunk(chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || len(s.turns) == 0 {
		return ErrNoTurnInProgress
	}
	s.turns[len(s.turns)-1].Content += chunk
	return nil
}

func (s *memorySession) finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || len(s.turns) == 0 {
		return ErrNoTurnInProgress
	}
	if s.turns[len(s.turns)-1].Content == "" {
		s.turns = s.turns[:len(s.turns)-1]
	}
	s.open = false
	return nil
}

// InMemoryStore returns a process-local session store.
func InMemoryStore() Store {
	return &inMemoryStore{
		sessions: make(map[string]*memorySession),
	}
}

type inMemoryStore struct {
	sessions map[string]*memorySession
	mu       sync.RWMutex
}

// getOrCreate returns the session for id, creating it lazily.
func (s *inMemoryStore) getOrCreate(sessionID string) *memorySession {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return sess
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess
	}
	sess = &memorySession{}
	s.sessions[sessionID] = sess
	return sess
}

func (s *inMemoryStore) Append(sessionID string, turn Turn) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	s.getOrCreate(sessionID).appendTurn(turn)
	return nil
}

func (s *inMemoryStore) History(sessionID string) ([]Turn, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return []Turn{}, nil
	}
	return sess.history(), nil
}

func (s *inMemoryStore) Clear(sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *inMemoryStore) BeginAssistantTurn(sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	return s.getOrCreate(sessionID).begin()
}

func (s *inMemoryStore) AppendChunk(sessionID string, chunk string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrNoTurnInProgress
	}
	return sess.appendChunk(chunk)
}

func (s *inMemoryStore) FinalizeAssistantTurn(sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return ErrNoTurnInProgress
	}
	return sess.finalize()
}

var _ Store = (*inMemoryStore)(nil)

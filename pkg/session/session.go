// Package session tracks the lifetime of a single governed agent
// session: which role it was opened under, which workspace it is bound
// to, and whether it is still active or has been halted. Sessions are
// process-local and in-memory; durability comes from the audit journal,
// not from the session store.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role is the capability tier a session was opened under.
type Role string

const (
	RolePlanner  Role = "PLANNER"
	RoleExecutor Role = "EXECUTOR"
	RoleOwner    Role = "OWNER"
)

// Status reflects whether a session may still be dispatched through.
type Status string

const (
	StatusActive  Status = "active"
	StatusHalted  Status = "halted"
	StatusExpired Status = "expired"
)

var (
	ErrNotFound         = errors.New("SESSION_NOT_FOUND")
	ErrNotActive        = errors.New("SESSION_NOT_ACTIVE")
	ErrInvalidRole      = errors.New("INVALID_ROLE")
	ErrAlreadyBound     = errors.New("SESSION_ALREADY_BOUND")
	ErrPromptGateLocked = errors.New("PROMPT_GATE_LOCKED")
)

// Session is one open binding between a client and a workspace.
type Session struct {
	ID             string
	Role           Role
	WorkspaceRoot  string
	ClientVersion  string
	CreatedAt      time.Time
	LastActivityAt time.Time
	Status         Status
	HaltReason     string

	// PromptFetched records whether read_prompt has been called at
	// least once with a recognized prompt name in this session. It is
	// per-session, in-memory only, and never persisted: a new
	// connection always starts with the gate locked, even against the
	// same workspace root.
	PromptFetched bool
}

func validRole(r Role) bool {
	switch r {
	case RolePlanner, RoleExecutor, RoleOwner:
		return true
	default:
		return false
	}
}

// Clock is injected for deterministic tests.
type Clock func() time.Time

// Store is a thread-safe in-memory session table.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// bindings maps an opaque per-connection token to the session it
	// owns. A connection is bound 1:1 to at most one active session:
	// begin_session is idempotent for the same workspace root and
	// rejected with ErrAlreadyBound for a different one.
	bindings map[string]string
	clock    Clock
	idle     time.Duration
}

// NewStore returns a Store with the given idle timeout. A zero idle
// duration disables idle expiry.
func NewStore(idleTimeout time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		bindings: make(map[string]string),
		clock:    time.Now,
		idle:     idleTimeout,
	}
}

// WithClock overrides the store's time source, for deterministic tests.
func (s *Store) WithClock(c Clock) *Store {
	s.clock = c
	return s
}

// Open creates a new active session for the given role and workspace.
func (s *Store) Open(role Role, workspaceRoot, clientVersion string) (*Session, error) {
	if !validRole(role) {
		return nil, fmt.Errorf("session: %w: %q", ErrInvalidRole, role)
	}
	now := s.clock()
	sess := &Session{
		ID:             uuid.NewString(),
		Role:           role,
		WorkspaceRoot:  workspaceRoot,
		ClientVersion:  clientVersion,
		CreatedAt:      now,
		LastActivityAt: now,
		Status:         StatusActive,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess, nil
}

// BeginForConnection implements begin_session's idempotence contract: a
// first call for connToken opens a fresh session bound to workspaceRoot;
// a repeat call with the same workspaceRoot returns the same session;
// a repeat call naming a different workspaceRoot is rejected with
// ErrAlreadyBound rather than silently rebinding the connection.
func (s *Store) BeginForConnection(connToken string, role Role, workspaceRoot, clientVersion string) (*Session, error) {
	s.mu.Lock()
	if sessID, ok := s.bindings[connToken]; ok {
		sess, exists := s.sessions[sessID]
		if exists {
			if sess.WorkspaceRoot != workspaceRoot {
				s.mu.Unlock()
				return nil, fmt.Errorf("session: %w: connection already bound to %s", ErrAlreadyBound, sess.WorkspaceRoot)
			}
			s.mu.Unlock()
			return sess, nil
		}
	}
	s.mu.Unlock()

	sess, err := s.Open(role, workspaceRoot, clientVersion)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.bindings[connToken] = sess.ID
	s.mu.Unlock()
	return sess, nil
}

// BoundSession returns the session already bound to connToken, without
// creating one. Used by callers that must reject any tool call arriving
// before begin_session has run.
func (s *Store) BoundSession(connToken string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bindings[connToken]
	if !ok {
		return nil, fmt.Errorf("session: %w: no session bound to this connection", ErrNotFound)
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// ReleaseConnection forgets a connection's binding, e.g. on disconnect,
// so a later reconnect under the same token starts a fresh session.
func (s *Store) ReleaseConnection(connToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, connToken)
}

// RequirePromptFetched enforces the prompt gate invariant: every tool
// call in a session except begin_session and read_prompt itself must
// fail with ErrPromptGateLocked until read_prompt has succeeded at
// least once.
func (s *Store) RequirePromptFetched(id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session: %w: %s", ErrNotFound, id)
	}
	if !sess.PromptFetched {
		return fmt.Errorf("session: %w", ErrPromptGateLocked)
	}
	return nil
}

// MarkPromptFetched records that read_prompt has been satisfied for id.
func (s *Store) MarkPromptFetched(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session: %w: %s", ErrNotFound, id)
	}
	sess.PromptFetched = true
	return nil
}

// Touch records activity on a session and returns it, applying idle
// expiry first if configured.
func (s *Store) Touch(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %w: %s", ErrNotFound, id)
	}
	s.expireLocked(sess)
	if sess.Status != StatusActive {
		return nil, fmt.Errorf("session: %w: %s is %s", ErrNotActive, id, sess.Status)
	}
	sess.LastActivityAt = s.clock()
	return sess, nil
}

// Get returns a session without mutating its activity timestamp.
func (s *Store) Get(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %w: %s", ErrNotFound, id)
	}
	s.expireLocked(sess)
	return sess, nil
}

func (s *Store) expireLocked(sess *Session) {
	if s.idle <= 0 || sess.Status != StatusActive {
		return
	}
	if s.clock().Sub(sess.LastActivityAt) > s.idle {
		sess.Status = StatusExpired
	}
}

// Halt marks a session halted, e.g. because the kill-switch tripped or
// an owner closed it. A halted session never returns to active status.
// The dispatcher does not consult Status, so a halted session's
// connection can still call the tools the kill-switch leaves open and,
// after recovery, every tool its role is granted.
func (s *Store) Halt(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session: %w: %s", ErrNotFound, id)
	}
	sess.Status = StatusHalted
	sess.HaltReason = reason
	return nil
}

// HaltAll halts every currently active session, used by the kill-switch
// to ensure no session survives a safe-halt.
func (s *Store) HaltAll(reason string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var haltedIDs []string
	for id, sess := range s.sessions {
		if sess.Status == StatusActive {
			sess.Status = StatusHalted
			sess.HaltReason = reason
			haltedIDs = append(haltedIDs, id)
		}
	}
	return haltedIDs
}

// List returns a snapshot of all sessions, sorted by creation order is
// not guaranteed (map iteration); callers that need ordering should sort
// on CreatedAt.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out
}

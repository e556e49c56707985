package orchestrator

import (
	"sync"
	"time"

	"github.com/antonkrylov/shellbridge/internal/sshpool"
)

// historyCap bounds per-requester command history.
const historyCap = 20

// Confirmation is a pending approval gate between command resolution and
// execution. Never persisted.
type Confirmation struct {
	RequesterID string
	Command     string
	ServerID    string
	CreatedAt   time.Time
}

type streamState struct {
	handle    *sshpool.Handle
	startedAt time.Time
}

// UserSession is the per-requester state machine: active server, pending
// confirmation, bounded command history, and in-flight streaming
// commands. Created lazily and kept for the process lifetime.
type UserSession struct {
	ID string

	mu           sync.Mutex
	activeServer string
	pending      *Confirmation
	history      []string
	lastActivity time.Time
	streams      map[string]*streamState
}

func newUserSession(id string) *UserSession {
	return &UserSession{
		ID:      id,
		streams: make(map[string]*streamState),
	}
}

func (s *UserSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ActiveServer returns the requester's currently selected server id.
func (s *UserSession) ActiveServer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeServer
}

func (s *UserSession) setActiveServer(id string) {
	s.mu.Lock()
	s.activeServer = id
	s.mu.Unlock()
}

// setPending replaces any prior pending confirmation; at most one exists
// per session.
func (s *UserSession) setPending(c *Confirmation) {
	s.mu.Lock()
	s.pending = c
	s.mu.Unlock()
}

// takePending clears and returns the pending confirmation atomically.
func (s *UserSession) takePending() *Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.pending
	s.pending = nil
	return c
}

// Pending returns the current pending confirmation without consuming it.
func (s *UserSession) Pending() *Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// appendHistory records a command, suppressing exact duplicates and
// evicting the oldest entry past the cap.
func (s *UserSession) appendHistory(command string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.history {
		if existing == command {
			return
		}
	}
	s.history = append(s.history, command)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

// History returns a copy, most-recent-last.
func (s *UserSession) History() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.history))
	copy(out, s.history)
	return out
}

// addStream registers a streaming handle, enforcing the cap.
func (s *UserSession) addStream(h *sshpool.Handle, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > 0 && len(s.streams) >= limit {
		return ErrTooManyStreams
	}
	s.streams[h.ID] = &streamState{handle: h, startedAt: h.StartedAt}
	return nil
}

// removeStream deletes the handle from the active set, reporting whether
// it was present. The caller that wins the removal owns emitting the
// stream's single terminal event.
func (s *UserSession) removeStream(handleID string) (*streamState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[handleID]
	if ok {
		delete(s.streams, handleID)
	}
	return st, ok
}

// activeStreams returns a snapshot of in-flight handle ids.
func (s *UserSession) activeStreams() map[string]*streamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*streamState, len(s.streams))
	for id, st := range s.streams {
		out[id] = st
	}
	return out
}

// SessionStore owns all user sessions. Constructor-injected so tests get
// isolated instances.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*UserSession
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*UserSession)}
}

// Get returns the session for requesterID, creating it on first use.
func (s *SessionStore) Get(requesterID string) *UserSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[requesterID]
	if !ok {
		sess = newUserSession(requesterID)
		s.sessions[requesterID] = sess
	}
	return sess
}

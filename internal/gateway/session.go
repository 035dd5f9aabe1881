package gateway

import (
	"sync"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/MarcoPoloResearchLab/cowrite/internal/pubsub"
	"github.com/segmentio/ksuid"
)

// State is the position of a connection in the join handshake.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateAuthorized
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateAuthorized:
		return "authorized"
	case StateJoined:
		return "joined"
	default:
		return "unauthenticated"
	}
}

// Session is the gateway-side state of one client connection. A session is
// joined to at most one document.
type Session struct {
	id string

	mu          sync.Mutex
	state       State
	userID      changes.UserID
	displayName string
	documentID  changes.DocumentID
	events      <-chan pubsub.Event
	unsubscribe func()
}

// NewSession creates an unauthenticated session with a fresh id.
func NewSession() *Session {
	return &Session{id: ksuid.New().String()}
}

// ID returns the connection identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the authenticated user, if any.
func (s *Session) UserID() changes.UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// DocumentID returns the joined document, if any.
func (s *Session) DocumentID() changes.DocumentID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentID
}

// Events returns the broadcast stream of the joined document, or nil.
func (s *Session) Events() <-chan pubsub.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

func (s *Session) authenticate(userID changes.UserID, displayName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAuthenticated
	s.userID = userID
	s.displayName = displayName
}

func (s *Session) authorize(documentID changes.DocumentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateAuthorized
	s.documentID = documentID
}

func (s *Session) join(events <-chan pubsub.Event, unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateJoined
	s.events = events
	s.unsubscribe = unsubscribe
}

func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.state = StateUnauthenticated
	s.userID = ""
	s.displayName = ""
	s.documentID = ""
	s.events = nil
	s.unsubscribe = nil
}

// joined returns the identity of a joined session.
func (s *Session) joined() (changes.UserID, changes.DocumentID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		return "", "", false
	}
	return s.userID, s.documentID, true
}

// leave resets the session and hands back what the caller must release.
func (s *Session) leave() (changes.UserID, changes.DocumentID, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined {
		s.resetLocked()
		return "", "", nil, false
	}
	userID, documentID, unsubscribe := s.userID, s.documentID, s.unsubscribe
	s.resetLocked()
	return userID, documentID, unsubscribe, true
}

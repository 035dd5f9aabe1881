package pubsub

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"go.uber.org/zap"
)

const defaultHubBuffer = 64

// Hub fans events out to the sessions of this instance, keyed by document.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[changes.DocumentID]map[string]*hubSubscriber
	bufferSize  int
	logger      *zap.Logger
}

type hubSubscriber struct {
	sessionID string
	stream    chan Event

	mu      sync.Mutex
	evicted bool
}

// offer hands event to the subscriber without blocking. A change broadcast
// that does not fit evicts the subscriber: its stream is closed so the
// session can rejoin from a fresh snapshot.
func (s *hubSubscriber) offer(event Event) (delivered, evicted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false, false
	}
	select {
	case s.stream <- event:
		return true, false
	default:
	}
	if event.Type != EventChangeBroadcast {
		return false, false
	}
	s.evicted = true
	close(s.stream)
	return false, true
}

// NewHub constructs a Hub.
func NewHub(bufferSize int, logger *zap.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultHubBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[changes.DocumentID]map[string]*hubSubscriber),
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Subscribe registers sessionID on documentID. The returned cleanup is also
// run when ctx ends. The stream is closed only when the subscriber falls so
// far behind that a change broadcast cannot be buffered.
func (h *Hub) Subscribe(ctx context.Context, documentID changes.DocumentID, sessionID string) (<-chan Event, func()) {
	subscriber := &hubSubscriber{
		sessionID: sessionID,
		stream:    make(chan Event, h.bufferSize),
	}
	h.register(documentID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregister(documentID, subscriber) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Deliver hands event to every subscriber of its document except the origin
// session. Cursor and presence events are dropped for a full buffer; a change
// broadcast evicts the subscriber instead.
func (h *Hub) Deliver(event Event) {
	h.mu.RLock()
	subscribers := h.subscribers[event.DocumentID]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*hubSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()

	for _, subscriber := range copies {
		if subscriber.sessionID == event.OriginSession {
			continue
		}
		delivered, evicted := subscriber.offer(event)
		switch {
		case evicted:
			h.unregister(event.DocumentID, subscriber)
			h.logger.Warn(
				"evicting slow session that missed a change",
				zap.String("document_id", event.DocumentID.String()),
				zap.String("session_id", subscriber.sessionID),
			)
		case !delivered:
			h.logger.Warn(
				"dropping event for slow session",
				zap.String("document_id", event.DocumentID.String()),
				zap.String("session_id", subscriber.sessionID),
				zap.String("event_type", event.Type),
			)
		}
	}
}

// SessionCount returns the number of sessions subscribed to documentID.
func (h *Hub) SessionCount(documentID changes.DocumentID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[documentID])
}

func (h *Hub) register(documentID changes.DocumentID, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[documentID]; !ok {
		h.subscribers[documentID] = make(map[string]*hubSubscriber)
	}
	h.subscribers[documentID][subscriber.sessionID] = subscriber
}

func (h *Hub) unregister(documentID changes.DocumentID, subscriber *hubSubscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[documentID]
	if subscribers == nil {
		return
	}
	if current, ok := subscribers[subscriber.sessionID]; ok && current == subscriber {
		delete(subscribers, subscriber.sessionID)
	}
	if len(subscribers) == 0 {
		delete(h.subscribers, documentID)
	}
}

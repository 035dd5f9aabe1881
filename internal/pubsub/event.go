// Package pubsub bridges per-document events between gateway instances and
// fans them out to the sessions connected to this instance.
package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
)

// Event types carried on the bus.
const (
	EventChangeBroadcast = "change-broadcast"
	EventCursorBroadcast = "cursor-broadcast"
	EventPresenceJoined  = "presence-joined"
	EventPresenceLeft    = "presence-left"
)

// Event is a document-scoped notification. OriginSession names the session
// that caused it; that session never receives it back.
type Event struct {
	DocumentID    changes.DocumentID `json:"documentId"`
	Type          string             `json:"type"`
	OriginSession string             `json:"originSession,omitempty"`
	Payload       json.RawMessage    `json:"payload"`
	Timestamp     time.Time          `json:"timestamp"`
}

// NewEvent encodes payload into an Event.
func NewEvent(documentID changes.DocumentID, eventType, originSession string, payload any, timestamp time.Time) (Event, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		DocumentID:    documentID,
		Type:          eventType,
		OriginSession: originSession,
		Payload:       encoded,
		Timestamp:     timestamp,
	}, nil
}

// Bus moves events between gateway instances. Run blocks, handing every
// received event to deliver, until ctx is cancelled.
type Bus interface {
	Publish(ctx context.Context, event Event) error
	Run(ctx context.Context, deliver func(Event)) error
}

package gateway

import (
	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/MarcoPoloResearchLab/cowrite/internal/presence"
	"github.com/MarcoPoloResearchLab/cowrite/internal/pubsub"
)

// Inbound message types.
const (
	MessageJoin   = "join"
	MessageChange = "change"
	MessageCursor = "cursor"
	MessageLeave  = "leave"
)

// Outbound message types. Broadcast types double as bus event types.
const (
	MessageJoined          = "joined"
	MessageJoinRejected    = "join-rejected"
	MessageChangeAck       = "change-ack"
	MessageError           = "error"
	MessageResyncRequired  = "resync-required"
	MessageChangeBroadcast = pubsub.EventChangeBroadcast
	MessageCursorBroadcast = pubsub.EventCursorBroadcast
	MessagePresenceJoined  = pubsub.EventPresenceJoined
	MessagePresenceLeft    = pubsub.EventPresenceLeft
)

type inboundMessage struct {
	Type       string                   `json:"type"`
	DocumentID string                   `json:"documentId,omitempty"`
	Token      string                   `json:"token,omitempty"`
	Change     *changes.DocumentChange  `json:"change,omitempty"`
	Cursor     *presence.CursorPosition `json:"cursor,omitempty"`
}

type joinedMessage struct {
	Type       string                  `json:"type"`
	DocumentID string                  `json:"documentId"`
	Content    string                  `json:"content"`
	Version    int64                   `json:"version"`
	Presence   []presence.UserPresence `json:"presence"`
	Self       presence.UserPresence   `json:"self"`
}

type joinRejectedMessage struct {
	Type    string `json:"type"`
	Reason  Code   `json:"reason"`
	Message string `json:"message,omitempty"`
}

type changeAckMessage struct {
	Type      string                 `json:"type"`
	Change    changes.DocumentChange `json:"change"`
	Version   int64                  `json:"version"`
	Duplicate bool                   `json:"duplicate,omitempty"`
}

// changeBroadcastMessage carries the document version the change produced so
// that a client can ignore broadcasts already reflected in its joined snapshot.
type changeBroadcastMessage struct {
	Type    string                 `json:"type"`
	Change  changes.DocumentChange `json:"change"`
	Version int64                  `json:"version"`
}

type cursorBroadcastMessage struct {
	Type   string                  `json:"type"`
	UserID changes.UserID          `json:"userId"`
	Cursor presence.CursorPosition `json:"cursor"`
}

type presenceJoinedMessage struct {
	Type     string                `json:"type"`
	Presence presence.UserPresence `json:"presence"`
}

type presenceLeftMessage struct {
	Type   string         `json:"type"`
	UserID changes.UserID `json:"userId"`
}

type errorMessage struct {
	Type       string `json:"type"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	ConflictID string `json:"conflictId,omitempty"`
}

// resyncRequiredMessage precedes closing a connection whose session missed a
// change broadcast. The client rejoins to get a fresh snapshot.
type resyncRequiredMessage struct {
	Type       string             `json:"type"`
	DocumentID changes.DocumentID `json:"documentId"`
	Message    string             `json:"message"`
}

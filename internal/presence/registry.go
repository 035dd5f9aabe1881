// Package presence tracks which users are connected to which documents, the
// colour they are shown in and their last known cursor.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
)

// CursorPosition is a caret location inside a document.
type CursorPosition struct {
	DocumentID changes.DocumentID `json:"documentId"`
	Line       int                `json:"line"`
	Character  int                `json:"character"`
	Timestamp  time.Time          `json:"timestamp"`
}

// UserPresence is the public view of a connected user.
type UserPresence struct {
	UserID      changes.UserID  `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
	Color       string          `json:"color"`
	Cursor      *CursorPosition `json:"cursor,omitempty"`
}

type member struct {
	presence UserPresence
	sessions int
}

// Registry holds presence per document. A user stays present while at least
// one of their sessions is joined.
type Registry struct {
	mu        sync.RWMutex
	documents map[changes.DocumentID]map[changes.UserID]*member
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{documents: make(map[changes.DocumentID]map[changes.UserID]*member)}
}

// Join registers a session of userID on documentID. It reports whether the
// user was not present before.
func (r *Registry) Join(documentID changes.DocumentID, userID changes.UserID, displayName string) (UserPresence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.documents[documentID]
	if !ok {
		members = make(map[changes.UserID]*member)
		r.documents[documentID] = members
	}
	existing, ok := members[userID]
	if ok {
		existing.sessions++
		if displayName != "" {
			existing.presence.DisplayName = displayName
		}
		return clonePresence(existing.presence), false
	}
	created := &member{
		presence: UserPresence{UserID: userID, DisplayName: displayName, Color: ColorFor(userID)},
		sessions: 1,
	}
	members[userID] = created
	return clonePresence(created.presence), true
}

// Leave releases one session of userID. It reports whether the user is no
// longer present on the document.
func (r *Registry) Leave(documentID changes.DocumentID, userID changes.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.documents[documentID]
	if !ok {
		return false
	}
	existing, ok := members[userID]
	if !ok {
		return false
	}
	existing.sessions--
	if existing.sessions > 0 {
		return false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.documents, documentID)
	}
	return true
}

// UpdateCursor records the cursor of a present user. It reports false when the
// user is not joined to the document.
func (r *Registry) UpdateCursor(documentID changes.DocumentID, userID changes.UserID, cursor CursorPosition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.documents[documentID][userID]
	if !ok {
		return false
	}
	cursor.DocumentID = documentID
	existing.presence.Cursor = &cursor
	return true
}

// Members lists the users present on documentID ordered by user id.
func (r *Registry) Members(documentID changes.DocumentID) []UserPresence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.documents[documentID]
	list := make([]UserPresence, 0, len(members))
	for _, existing := range members {
		list = append(list, clonePresence(existing.presence))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UserID < list[j].UserID })
	return list
}

// IsPresent reports whether userID has a joined session on documentID.
func (r *Registry) IsPresent(documentID changes.DocumentID, userID changes.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.documents[documentID][userID]
	return ok
}

func clonePresence(source UserPresence) UserPresence {
	if source.Cursor != nil {
		cursor := *source.Cursor
		source.Cursor = &cursor
	}
	return source
}

package conflicts

import (
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
)

// ErrConflictNotFound indicates that no pending conflict matches the request.
var ErrConflictNotFound = errors.New("conflicts: conflict not found")

// PendingSet holds conflicts awaiting manual resolution, keyed by document.
type PendingSet struct {
	mu        sync.Mutex
	documents map[changes.DocumentID]map[string]EditConflict
}

// NewPendingSet constructs an empty PendingSet.
func NewPendingSet() *PendingSet {
	return &PendingSet{documents: make(map[changes.DocumentID]map[string]EditConflict)}
}

// Add parks conflict. Re-adding a conflict with the same id replaces it.
func (set *PendingSet) Add(conflict EditConflict) {
	set.mu.Lock()
	defer set.mu.Unlock()
	byID, ok := set.documents[conflict.DocumentID]
	if !ok {
		byID = make(map[string]EditConflict)
		set.documents[conflict.DocumentID] = byID
	}
	byID[conflict.ID] = conflict
}

// Get returns the pending conflict without removing it.
func (set *PendingSet) Get(documentID changes.DocumentID, conflictID string) (EditConflict, error) {
	set.mu.Lock()
	defer set.mu.Unlock()
	conflict, ok := set.documents[documentID][conflictID]
	if !ok {
		return EditConflict{}, ErrConflictNotFound
	}
	return conflict, nil
}

// Take removes and returns the pending conflict.
func (set *PendingSet) Take(documentID changes.DocumentID, conflictID string) (EditConflict, error) {
	set.mu.Lock()
	defer set.mu.Unlock()
	byID := set.documents[documentID]
	conflict, ok := byID[conflictID]
	if !ok {
		return EditConflict{}, ErrConflictNotFound
	}
	delete(byID, conflictID)
	if len(byID) == 0 {
		delete(set.documents, documentID)
	}
	return conflict, nil
}

// List returns the pending conflicts of a document, oldest first.
func (set *PendingSet) List(documentID changes.DocumentID) []EditConflict {
	set.mu.Lock()
	defer set.mu.Unlock()
	list := make([]EditConflict, 0, len(set.documents[documentID]))
	for _, conflict := range set.documents[documentID] {
		list = append(list, conflict)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Timestamp.Equal(list[j].Timestamp) {
			return list[i].Timestamp.Before(list[j].Timestamp)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

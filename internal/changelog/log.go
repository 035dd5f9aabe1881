// Package changelog keeps a bounded, expiring, time-ordered history of recent
// changes per document.
package changelog

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
)

const (
	// DefaultMaxEntries bounds the per-document history.
	DefaultMaxEntries = 100
	// DefaultTTL is how long an idle document history survives.
	DefaultTTL = 24 * time.Hour
)

// ErrInvalidRetention indicates a non-positive retention window.
var ErrInvalidRetention = errors.New("changelog: invalid retention")

// Log is the per-document change history shared by gateway instances.
type Log interface {
	// Append stores change, trims the document history to the retention window
	// and refreshes its expiry.
	Append(ctx context.Context, change changes.DocumentChange) error
	// Recent returns up to the retention window of entries, oldest first.
	Recent(ctx context.Context, documentID changes.DocumentID) ([]changes.DocumentChange, error)
	// Since returns the recent entries with a timestamp strictly after after.
	Since(ctx context.Context, documentID changes.DocumentID, after time.Time) ([]changes.DocumentChange, error)
	// Remove drops the entry with changeID. Removing an absent entry is not an error.
	Remove(ctx context.Context, documentID changes.DocumentID, changeID string) error
}

// Retention describes the bounded window of a document history.
type Retention struct {
	MaxEntries int
	TTL        time.Duration
}

// Validate ensures both bounds are positive.
func (retention Retention) Validate() error {
	if retention.MaxEntries <= 0 {
		return errors.Join(ErrInvalidRetention, errors.New("max entries must be positive"))
	}
	if retention.TTL <= 0 {
		return errors.Join(ErrInvalidRetention, errors.New("ttl must be positive"))
	}
	return nil
}

// Contains reports whether history already holds a change with changeID.
func Contains(history []changes.DocumentChange, changeID string) bool {
	if changeID == "" {
		return false
	}
	for _, entry := range history {
		if entry.ID == changeID {
			return true
		}
	}
	return false
}

func filterAfter(entries []changes.DocumentChange, after time.Time) []changes.DocumentChange {
	filtered := make([]changes.DocumentChange, 0, len(entries))
	for _, entry := range entries {
		if entry.Timestamp.After(after) {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

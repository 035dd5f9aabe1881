package changelog

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
)

type memoryHistory struct {
	entries   []changes.DocumentChange
	expiresAt time.Time
}

// MemoryLog is a single-process Log. Expired histories are dropped lazily on
// read and eagerly by Sweep.
type MemoryLog struct {
	mu        sync.Mutex
	retention Retention
	clock     func() time.Time
	histories map[changes.DocumentID]*memoryHistory
}

// MemoryLogOption customises a MemoryLog.
type MemoryLogOption func(*MemoryLog)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) MemoryLogOption {
	return func(log *MemoryLog) {
		if clock != nil {
			log.clock = clock
		}
	}
}

// NewMemoryLog constructs a MemoryLog.
func NewMemoryLog(retention Retention, options ...MemoryLogOption) (*MemoryLog, error) {
	if err := retention.Validate(); err != nil {
		return nil, err
	}
	log := &MemoryLog{
		retention: retention,
		clock:     time.Now,
		histories: make(map[changes.DocumentID]*memoryHistory),
	}
	for _, option := range options {
		option(log)
	}
	return log, nil
}

// Append stores change and refreshes the document expiry.
func (l *MemoryLog) Append(ctx context.Context, change changes.DocumentChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	history := l.liveHistoryLocked(change.DocumentID, now)
	if history == nil {
		history = &memoryHistory{}
		l.histories[change.DocumentID] = history
	}
	history.entries = append(history.entries, change)
	if overflow := len(history.entries) - l.retention.MaxEntries; overflow > 0 {
		trimmed := make([]changes.DocumentChange, l.retention.MaxEntries)
		copy(trimmed, history.entries[overflow:])
		history.entries = trimmed
	}
	history.expiresAt = now.Add(l.retention.TTL)
	return nil
}

// Recent returns a copy of the retained entries, oldest first.
func (l *MemoryLog) Recent(ctx context.Context, documentID changes.DocumentID) ([]changes.DocumentChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	history := l.liveHistoryLocked(documentID, l.clock())
	if history == nil {
		return []changes.DocumentChange{}, nil
	}
	entries := make([]changes.DocumentChange, len(history.entries))
	copy(entries, history.entries)
	return entries, nil
}

// Since returns entries newer than after.
func (l *MemoryLog) Since(ctx context.Context, documentID changes.DocumentID, after time.Time) ([]changes.DocumentChange, error) {
	entries, err := l.Recent(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return filterAfter(entries, after), nil
}

// Remove drops the entry with changeID from the document history.
func (l *MemoryLog) Remove(ctx context.Context, documentID changes.DocumentID, changeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	history := l.liveHistoryLocked(documentID, l.clock())
	if history == nil {
		return nil
	}
	kept := history.entries[:0]
	for _, entry := range history.entries {
		if entry.ID != changeID {
			kept = append(kept, entry)
		}
	}
	history.entries = kept
	return nil
}

// Sweep drops every expired history and returns how many were removed.
func (l *MemoryLog) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	removed := 0
	for documentID, history := range l.histories {
		if !now.Before(history.expiresAt) {
			delete(l.histories, documentID)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is cancelled.
func (l *MemoryLog) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *MemoryLog) liveHistoryLocked(documentID changes.DocumentID, now time.Time) *memoryHistory {
	history, ok := l.histories[documentID]
	if !ok {
		return nil
	}
	if !now.Before(history.expiresAt) {
		delete(l.histories, documentID)
		return nil
	}
	return history
}

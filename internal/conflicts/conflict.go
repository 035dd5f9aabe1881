// Package conflicts detects concurrent edits whose affected ranges overlap and
// resolves them into a net set of changes.
package conflicts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
	"github.com/google/uuid"
)

// Strategy selects how an EditConflict is resolved.
type Strategy string

const (
	// StrategyLastWriterWins keeps only the most recently timestamped operation.
	StrategyLastWriterWins Strategy = "last-writer-wins"
	// StrategyManual replaces the conflicting operations with an operator-supplied set.
	StrategyManual Strategy = "manual"
)

var (
	// ErrInvalidResolution indicates a resolution request that breaks the caller contract.
	ErrInvalidResolution = errors.New("conflicts: invalid resolution")
	// ErrUnknownStrategy indicates an unsupported strategy name.
	ErrUnknownStrategy = errors.New("conflicts: unknown strategy")
)

var conflictNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("cowrite:edit-conflict"))

// ParseStrategy validates a configured strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	switch Strategy(strings.TrimSpace(strings.ToLower(raw))) {
	case StrategyLastWriterWins:
		return StrategyLastWriterWins, nil
	case StrategyManual:
		return StrategyManual, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, raw)
	}
}

// Range is a half-open character range [Start, End).
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// EditConflict groups operations whose affected ranges overlap.
type EditConflict struct {
	ID            string                   `json:"id"`
	DocumentID    changes.DocumentID       `json:"documentId"`
	Operations    []changes.DocumentChange `json:"conflictingOperations"`
	AffectedRange Range                    `json:"affectedRange"`
	Users         []changes.UserID         `json:"users"`
	Timestamp     time.Time                `json:"timestamp"`
}

// Includes reports whether the change with changeID is a member of the conflict.
func (conflict EditConflict) Includes(changeID string) bool {
	for _, op := range conflict.Operations {
		if op.ID == changeID {
			return true
		}
	}
	return false
}

// Resolution carries the strategy and, for manual resolution, the replacement
// operations. A nil ManualOperations means none were supplied; an empty slice
// discards every conflicting operation.
type Resolution struct {
	Strategy         Strategy                 `json:"strategy"`
	ManualOperations []changes.DocumentChange `json:"manualOperations"`
}

// Detect returns one EditConflict per connected cluster of overlapping
// operations. Operations with an empty span never conflict. The result does
// not depend on the order of ops.
func Detect(ops []changes.DocumentChange) []EditConflict {
	candidates := make([]changes.DocumentChange, 0, len(ops))
	for _, op := range ops {
		if op.Span() > 0 {
			candidates = append(candidates, op)
		}
	}
	sortCanonical(candidates)

	clusters := newDisjointSet(len(candidates))
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if overlaps(candidates[i], candidates[j]) {
				clusters.union(i, j)
			}
		}
	}

	members := make(map[int][]changes.DocumentChange)
	roots := make([]int, 0)
	for index, candidate := range candidates {
		root := clusters.find(index)
		if _, seen := members[root]; !seen {
			roots = append(roots, root)
		}
		members[root] = append(members[root], candidate)
	}

	conflicts := make([]EditConflict, 0)
	for _, root := range roots {
		group := members[root]
		if len(group) < 2 {
			continue
		}
		conflicts = append(conflicts, buildConflict(group))
	}
	return conflicts
}

// Resolve turns a conflict into its net changes according to resolution.
func Resolve(conflict EditConflict, resolution Resolution) ([]changes.DocumentChange, error) {
	switch resolution.Strategy {
	case StrategyLastWriterWins:
		winner, ok := Winner(conflict.Operations)
		if !ok {
			return nil, fmt.Errorf("%w: conflict %s has no operations", ErrInvalidResolution, conflict.ID)
		}
		return []changes.DocumentChange{winner}, nil
	case StrategyManual:
		if resolution.ManualOperations == nil {
			return nil, fmt.Errorf("%w: manual strategy requires manual operations", ErrInvalidResolution)
		}
		resolved := make([]changes.DocumentChange, len(resolution.ManualOperations))
		copy(resolved, resolution.ManualOperations)
		return resolved, nil
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrInvalidResolution, ErrUnknownStrategy, resolution.Strategy)
	}
}

// Winner returns the operation with the latest timestamp. Equal timestamps
// are decided by the lexically greater id.
func Winner(ops []changes.DocumentChange) (changes.DocumentChange, bool) {
	if len(ops) == 0 {
		return changes.DocumentChange{}, false
	}
	winner := ops[0]
	for _, op := range ops[1:] {
		if op.Timestamp.After(winner.Timestamp) || (op.Timestamp.Equal(winner.Timestamp) && op.ID > winner.ID) {
			winner = op
		}
	}
	return winner, true
}

func overlaps(a, b changes.DocumentChange) bool {
	startA, endA := a.Range()
	startB, endB := b.Range()
	return startA < endB && startB < endA
}

func buildConflict(group []changes.DocumentChange) EditConflict {
	start, end := group[0].Range()
	latest := group[0].Timestamp
	authors := make(map[changes.UserID]struct{}, len(group))
	ids := make([]string, 0, len(group))
	for _, op := range group {
		opStart, opEnd := op.Range()
		if opStart < start {
			start = opStart
		}
		if opEnd > end {
			end = opEnd
		}
		if op.Timestamp.After(latest) {
			latest = op.Timestamp
		}
		authors[op.Author] = struct{}{}
		ids = append(ids, op.ID)
	}

	users := make([]changes.UserID, 0, len(authors))
	for author := range authors {
		users = append(users, author)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	sort.Strings(ids)

	operations := make([]changes.DocumentChange, len(group))
	copy(operations, group)

	return EditConflict{
		ID:            uuid.NewSHA1(conflictNamespace, []byte(strings.Join(ids, "\n"))).String(),
		DocumentID:    group[0].DocumentID,
		Operations:    operations,
		AffectedRange: Range{Start: start, End: end},
		Users:         users,
		Timestamp:     latest,
	}
}

func sortCanonical(ops []changes.DocumentChange) {
	sort.SliceStable(ops, func(i, j int) bool {
		if !ops[i].Timestamp.Equal(ops[j].Timestamp) {
			return ops[i].Timestamp.Before(ops[j].Timestamp)
		}
		if ops[i].ID != ops[j].ID {
			return ops[i].ID < ops[j].ID
		}
		return ops[i].Position() < ops[j].Position()
	})
}

type disjointSet struct {
	parent []int
}

func newDisjointSet(size int) *disjointSet {
	parent := make([]int, size)
	for index := range parent {
		parent[index] = index
	}
	return &disjointSet{parent: parent}
}

func (set *disjointSet) find(index int) int {
	for set.parent[index] != index {
		set.parent[index] = set.parent[set.parent[index]]
		index = set.parent[index]
	}
	return index
}

func (set *disjointSet) union(a, b int) {
	rootA, rootB := set.find(a), set.find(b)
	if rootA == rootB {
		return
	}
	if rootB < rootA {
		rootA, rootB = rootB, rootA
	}
	set.parent[rootB] = rootA
}

// Package ot transforms concurrent edits against each other and applies them to text.
//
// Positions and lengths count Unicode code points. Nothing in this package
// fails: out-of-range positions are clamped to the document bounds.
package ot

import (
	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
)

// Transform adjusts two concurrently authored changes so that applying
// bPrime after a yields the same text as applying aPrime after b.
//
// Inserts shift the later-positioned insert or any delete starting at or after
// the insert point. Deletes shift the strictly later-positioned delete left.
// Inserts are never shifted by deletes and retains neither move nor move others.
func Transform(a, b changes.DocumentChange) (aPrime, bPrime changes.DocumentChange) {
	switch opA := a.Op.(type) {
	case changes.Insert:
		switch opB := b.Op.(type) {
		case changes.Insert:
			return transformInsertInsert(a, opA, b, opB)
		case changes.Delete:
			return a, shiftDeleteByInsert(b, opB, opA)
		}
	case changes.Delete:
		switch opB := b.Op.(type) {
		case changes.Insert:
			return shiftDeleteByInsert(a, opA, opB), b
		case changes.Delete:
			return transformDeleteDelete(a, opA, b, opB)
		}
	}
	return a, b
}

// TransformAgainst corrects incoming for every history entry authored strictly
// before it. Entries at or after incoming's timestamp are left out.
func TransformAgainst(history []changes.DocumentChange, incoming changes.DocumentChange) changes.DocumentChange {
	for _, entry := range history {
		if !entry.Timestamp.Before(incoming.Timestamp) {
			continue
		}
		_, incoming = Transform(entry, incoming)
	}
	return incoming
}

func transformInsertInsert(a changes.DocumentChange, opA changes.Insert, b changes.DocumentChange, opB changes.Insert) (changes.DocumentChange, changes.DocumentChange) {
	// Ties go to a: b is treated as logically after it.
	if opB.Position >= opA.Position {
		return a, b.WithPosition(opB.Position + opA.Span())
	}
	return a.WithPosition(opA.Position + opB.Span()), b
}

func transformDeleteDelete(a changes.DocumentChange, opA changes.Delete, b changes.DocumentChange, opB changes.Delete) (changes.DocumentChange, changes.DocumentChange) {
	switch {
	case opB.Position > opA.Position:
		return a, b.WithPosition(nonNegative(opB.Position - opA.Length))
	case opA.Position > opB.Position:
		return a.WithPosition(nonNegative(opA.Position - opB.Length)), b
	default:
		return a, b
	}
}

func shiftDeleteByInsert(del changes.DocumentChange, opDel changes.Delete, opIns changes.Insert) changes.DocumentChange {
	if opDel.Position >= opIns.Position {
		return del.WithPosition(opDel.Position + opIns.Span())
	}
	return del
}

func nonNegative(value int) int {
	if value < 0 {
		return 0
	}
	return value
}

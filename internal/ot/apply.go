package ot

import (
	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
)

// Apply returns content with change applied. Positions and lengths beyond the
// current text are clamped, since concurrent edits routinely shrink the
// document between authoring and application.
func Apply(content string, change changes.DocumentChange) string {
	switch op := change.Op.(type) {
	case changes.Insert:
		runes := []rune(content)
		position := clamp(op.Position, 0, len(runes))
		return string(runes[:position]) + op.Content + string(runes[position:])
	case changes.Delete:
		runes := []rune(content)
		start := clamp(op.Position, 0, len(runes))
		end := start + clamp(op.Length, 0, len(runes)-start)
		return string(runes[:start]) + string(runes[end:])
	default:
		return content
	}
}

// ApplyAll applies changes in order.
func ApplyAll(content string, list []changes.DocumentChange) string {
	for _, change := range list {
		content = Apply(content, change)
	}
	return content
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}

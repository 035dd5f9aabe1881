package presence

import (
	"hash/fnv"

	"github.com/MarcoPoloResearchLab/cowrite/internal/changes"
)

var palette = [...]string{
	"#E57373", "#64B5F6", "#81C784", "#FFB74D",
	"#BA68C8", "#4DB6AC", "#F06292", "#A1887F",
	"#7986CB", "#DCE775", "#4DD0E1", "#90A4AE",
}

// Palette returns the fixed set of presence colours.
func Palette() []string {
	return append([]string(nil), palette[:]...)
}

// ColorFor derives the display colour of a user from its identifier alone.
func ColorFor(userID changes.UserID) string {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(userID.String()))
	return palette[hasher.Sum32()%uint32(len(palette))]
}

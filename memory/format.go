package memory

import (
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-recall/core"
)

// FormatContext bounds how hits are rendered for a prompt.
type FormatContext struct {
	// MaxLength is the character budget for the whole block.
	MaxLength int
}

// DefaultFormatContext fits a handful of hits into a prompt.
var DefaultFormatContext = FormatContext{MaxLength: 4000}

// FormatHits renders hits as a numbered evidence block.
// Each entry leads with the record id so it can be cited back.
func FormatHits(hits []core.Hit, ctx FormatContext) string {
	if len(hits) == 0 {
		return "=== EVIDENCE ===\n(none)"
	}

	perHit := ctx.MaxLength / len(hits)
	if perHit < 100 {
		perHit = 100
	}

	parts := []string{"=== EVIDENCE ==="}
	for i, hit := range hits {
		header := fmt.Sprintf("%d. [%s] score=%.3f uid=%s", i+1, hit.ID, hit.Score, hit.UID)
		if !hit.CreatedAt.IsZero() {
			header += " created=" + core.FormatTime(hit.CreatedAt)
		}
		parts = append(parts, header, "   "+truncate(hit.Content, perHit))
	}
	return strings.Join(parts, "\n")
}

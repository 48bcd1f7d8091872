package core

import (
	"strings"
	"time"
)

// Mode selects how text is framed before it is embedded.
// Asymmetric encoders need distinct framings for the two sides of a search.
type Mode int

const (
	// ModeDocument embeds text that will be stored.
	ModeDocument Mode = iota

	// ModePassage embeds a passage. It shares the document framing.
	ModePassage

	// ModeQuery embeds text used to search stored passages.
	ModeQuery
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeQuery:
		return "query"
	case ModePassage:
		return "passage"
	default:
		return "document"
	}
}

// ParseMode converts a wire name into a Mode.
// Empty input selects ModePassage, matching the embedding service default.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "passage":
		return ModePassage, true
	case "doc", "document":
		return ModeDocument, true
	case "query", "search":
		return ModeQuery, true
	default:
		return ModePassage, false
	}
}

// Distance is the only metric a collection is created with.
const Distance = "cosine"

// Collection describes a named vector collection.
// Size is fixed when the collection is first created.
type Collection struct {
	Name     string `json:"name"`
	Size     int    `json:"vector_size"`
	Distance string `json:"distance"`
}

// Payload keys persisted alongside every vector.
const (
	PayloadUID       = "uid"
	PayloadMessage   = "message"
	PayloadCreatedAt = "created_at_utc"
)

// Record is a persisted unit of knowledge.
// Records are created by a Store on upsert and never updated in place.
type Record struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Content   string    `json:"message"`
	Vector    []float32 `json:"-"`
	CreatedAt time.Time `json:"created_at_utc"`
}

// Hit is a record returned by a similarity search.
type Hit struct {
	ID        string    `json:"id"`
	UID       string    `json:"uid"`
	Content   string    `json:"message"`
	CreatedAt time.Time `json:"created_at_utc"`
	Score     float32   `json:"score"`
}

// SearchRequest is a similarity query against one collection.
// An empty UID searches across all owners.
type SearchRequest struct {
	Vector []float32
	UID    string
	Limit  int
}

// EffectiveLimit returns the limit with the minimum of one applied.
func (r SearchRequest) EffectiveLimit() int {
	if r.Limit < 1 {
		return 1
	}
	return r.Limit
}

// FormatTime renders a creation timestamp the way it is persisted.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime reads a persisted creation timestamp. Unparseable input yields the zero time.
func ParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

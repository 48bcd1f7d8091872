package engine

import (
	"strings"

	"github.com/becomeliminal/nim-recall/core"
)

// Operation is one of the closed set of things a turn can do.
type Operation string

const (
	// OpStore remembers the text.
	OpStore Operation = "store"

	// OpSearch answers from stored knowledge.
	OpSearch Operation = "search"

	// OpAct acknowledges a task to carry out.
	OpAct Operation = "act"
)

// Operations lists every operation in routing order.
var Operations = []Operation{OpStore, OpSearch, OpAct}

// ParseOperation maps a name onto the operation set.
// Unknown names map to OpSearch with ok set to false.
func ParseOperation(s string) (op Operation, ok bool) {
	switch Operation(strings.ToLower(strings.TrimSpace(s))) {
	case OpStore:
		return OpStore, true
	case OpSearch:
		return OpSearch, true
	case OpAct:
		return OpAct, true
	default:
		return OpSearch, false
	}
}

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeStored              Outcome = "stored"
	OutcomeActed               Outcome = "acted"
	OutcomeAnswered            Outcome = "answered"
	OutcomeClarificationNeeded Outcome = "clarification_needed"
)

// Route is the oracle's choice of operation for a turn.
type Route struct {
	Operation Operation `json:"operation"`

	// Argument is the text the operation acts on. Empty means the whole task.
	Argument string `json:"argument,omitempty"`

	Reasoning string `json:"reasoning,omitempty"`
}

// JudgeRequest asks whether the evidence gathered so far answers the task.
type JudgeRequest struct {
	Task      string
	Query     string
	Round     int
	MaxRounds int
	Evidence  []core.Hit
}

// Verdict is the oracle's judgement of the evidence.
type Verdict struct {
	// Sufficient ends the loop with Response as the answer.
	Sufficient bool `json:"sufficient"`

	// Response is the answer, or a clarifying question when insufficient.
	Response string `json:"response"`

	// References are the record ids the answer relies on.
	References []string `json:"references"`

	Reasoning string `json:"reasoning,omitempty"`

	// RefinedQuery is the next search text when insufficient.
	RefinedQuery string `json:"refined_query,omitempty"`
}

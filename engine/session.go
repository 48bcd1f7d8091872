package engine

import (
	"sort"

	"github.com/becomeliminal/nim-recall/core"
)

// Round records one search round for the turn output and logs.
type Round struct {
	Number     int    `json:"round"`
	Query      string `json:"query"`
	Hits       int    `json:"hits"`
	New        int    `json:"new"`
	Sufficient bool   `json:"sufficient"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// session is the evidence gathered during one turn. It is owned by a single
// Run call and discarded when the turn ends.
type session struct {
	task  string
	uid   string
	round int

	hits  map[string]core.Hit
	order []string
	trace []Round
}

func newSession(task, uid string) *session {
	return &session{
		task: task,
		uid:  uid,
		hits: make(map[string]core.Hit),
	}
}

// merge adds hits to the evidence, keeping the highest score per record id.
// It returns how many records were new.
func (s *session) merge(hits []core.Hit) int {
	added := 0
	for _, h := range hits {
		if h.ID == "" {
			continue
		}
		prev, ok := s.hits[h.ID]
		if !ok {
			s.order = append(s.order, h.ID)
			added++
		}
		if !ok || h.Score > prev.Score {
			s.hits[h.ID] = h
		}
	}
	return added
}

// evidence returns the accumulated hits, highest score first.
func (s *session) evidence() []core.Hit {
	out := make([]core.Hit, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.hits[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// cite keeps the references present in the evidence, in order and without
// duplicates, and returns the rest as dropped.
func (s *session) cite(refs []string) (kept, dropped []string) {
	kept = []string{}
	seen := make(map[string]bool, len(refs))
	for _, ref := range refs {
		if seen[ref] {
			continue
		}
		seen[ref] = true
		if _, ok := s.hits[ref]; ok {
			kept = append(kept, ref)
		} else {
			dropped = append(dropped, ref)
		}
	}
	return kept, dropped
}

func (s *session) record(r Round) {
	s.trace = append(s.trace, r)
}

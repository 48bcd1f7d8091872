package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/core"
	recallerr "github.com/becomeliminal/nim-recall/errors"
)

// Memory is the storage side of a turn. *memory.Manager satisfies it.
type Memory interface {
	Remember(ctx context.Context, uid, text string) (*core.Record, error)
	Recall(ctx context.Context, uid, query string, limit int) ([]core.Hit, error)
}

// Oracle makes the judgement calls of a turn: which operation to run and
// whether the evidence gathered so far answers the task.
type Oracle interface {
	Route(ctx context.Context, task string) (Route, error)
	Judge(ctx context.Context, req JudgeRequest) (Verdict, error)
}

// Config bounds the retrieval loop.
type Config struct {
	// MaxRounds is the hard cap on search calls per turn.
	MaxRounds int

	// SearchLimit is the number of hits requested per round.
	SearchLimit int
}

// DefaultConfig allows three rounds of three hits.
var DefaultConfig = Config{
	MaxRounds:   3,
	SearchLimit: 3,
}

// DefaultClarification is returned when the rounds run out and the oracle
// offered no question of its own.
const DefaultClarification = "I couldn't find enough information to answer that. Could you give me more detail?"

// Engine runs agent turns. It holds no per-turn state and is safe for concurrent use.
type Engine struct {
	memory Memory
	oracle Oracle
	config Config
	logger *slog.Logger
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine.
func New(memory Memory, oracle Oracle, cfg Config, opts ...Option) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultConfig.MaxRounds
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = DefaultConfig.SearchLimit
	}
	e := &Engine{
		memory: memory,
		oracle: oracle,
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Input is one agent turn.
type Input struct {
	// Task is the user's text.
	Task string `json:"text"`

	// UID identifies the user.
	UID string `json:"uid"`
}

// Output is the result of a turn.
type Output struct {
	SessionID  string    `json:"session_id"`
	Operation  Operation `json:"operation"`
	Outcome    Outcome   `json:"outcome"`
	Response   string    `json:"response"`
	References []string  `json:"references"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Rounds     int       `json:"rounds"`
	Trace      []Round   `json:"trace,omitempty"`
}

// Run executes one turn.
//
// Store and embedding failures and oracle errors abort the turn with an
// error; no partial answer is produced. Running out of rounds is not an
// error and yields OutcomeClarificationNeeded.
func (e *Engine) Run(ctx context.Context, in Input) (*Output, error) {
	task := strings.TrimSpace(in.Task)
	if task == "" {
		return nil, recallerr.New(recallerr.CodeEngineTurnInvalid, "text is required")
	}

	sessionID := uuid.NewString()
	log := e.logger.With("session", sessionID, "uid", in.UID)

	route, err := e.oracle.Route(ctx, task)
	if err != nil {
		return nil, err
	}
	op, ok := ParseOperation(string(route.Operation))
	if !ok {
		log.Warn("unknown operation, falling back to search", "operation", route.Operation)
	}
	argument := strings.TrimSpace(route.Argument)
	if argument == "" {
		argument = task
	}
	log.Debug("turn routed", "operation", op, "reasoning", route.Reasoning)

	var out *Output
	switch op {
	case OpStore:
		out, err = e.store(ctx, in.UID, argument)
	case OpAct:
		out = &Output{Outcome: OutcomeActed, Response: "Acted on task: " + argument}
	default:
		out, err = e.search(ctx, newSession(task, in.UID), log)
	}
	if err != nil {
		log.Error("turn failed", "operation", op, "error", err)
		return nil, err
	}

	out.SessionID = sessionID
	out.Operation = op
	if out.References == nil {
		out.References = []string{}
	}
	if out.Reasoning == "" {
		out.Reasoning = route.Reasoning
	}
	log.Info("turn complete", "operation", op, "outcome", out.Outcome, "rounds", out.Rounds, "references", len(out.References))
	return out, nil
}

func (e *Engine) store(ctx context.Context, uid, text string) (*Output, error) {
	if _, err := e.memory.Remember(ctx, uid, text); err != nil {
		return nil, err
	}
	return &Output{Outcome: OutcomeStored, Response: "Stored: " + text}, nil
}

// search gathers evidence for at most MaxRounds rounds.
func (e *Engine) search(ctx context.Context, s *session, log *slog.Logger) (*Output, error) {
	query := s.task
	var last Verdict

	for s.round < e.config.MaxRounds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.round++

		hits, err := e.memory.Recall(ctx, s.uid, query, e.config.SearchLimit)
		if err != nil {
			return nil, err
		}
		added := s.merge(hits)

		verdict, err := e.oracle.Judge(ctx, JudgeRequest{
			Task:      s.task,
			Query:     query,
			Round:     s.round,
			MaxRounds: e.config.MaxRounds,
			Evidence:  s.evidence(),
		})
		if err != nil {
			return nil, err
		}

		s.record(Round{
			Number:     s.round,
			Query:      query,
			Hits:       len(hits),
			New:        added,
			Sufficient: verdict.Sufficient,
			Reasoning:  verdict.Reasoning,
		})
		log.Debug("search round", "round", s.round, "hits", len(hits), "new", added, "sufficient", verdict.Sufficient)

		if verdict.Sufficient {
			refs, dropped := s.cite(verdict.References)
			if len(dropped) > 0 {
				log.Warn("dropped references outside session evidence", "dropped", dropped)
			}
			return &Output{
				Outcome:    OutcomeAnswered,
				Response:   verdict.Response,
				References: refs,
				Reasoning:  verdict.Reasoning,
				Rounds:     s.round,
				Trace:      s.trace,
			}, nil
		}

		last = verdict
		query = strings.TrimSpace(verdict.RefinedQuery)
		if query == "" {
			query = s.task
		}
	}

	response := strings.TrimSpace(last.Response)
	if response == "" {
		response = DefaultClarification
	}
	return &Output{
		Outcome:    OutcomeClarificationNeeded,
		Response:   response,
		References: []string{},
		Reasoning:  last.Reasoning,
		Rounds:     s.round,
		Trace:      s.trace,
	}, nil
}

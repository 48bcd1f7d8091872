package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/becomeliminal/nim-recall/engine"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/tools"
)

// SystemPrompt is sent with every oracle call.
const SystemPrompt = `You are a helpful assistant that answers briefly.
You work over a personal knowledge store. Answer only from the evidence you are given and cite the ids of the records you used. Never invent record ids.`

const (
	RouteToolName = "route_turn"
	JudgeToolName = "judge_evidence"
)

// RouteTool describes the routing decision.
var RouteTool = tools.Definition{
	Name:        RouteToolName,
	Description: "Choose what to do with the user's message: store it as knowledge, search stored knowledge to answer it, or act on it as a task.",
	InputSchema: tools.BuildSchemaWithReasoning(map[string]any{
		"operation": tools.StringEnumProperty(
			"store when the user states a fact to remember, search when the user asks about something they may have told you, act when the user asks you to do something",
			operationNames()...,
		),
		"argument": tools.StringProperty("For store: the exact text to remember. For act: the task. Leave empty to use the whole message."),
	}, false, "operation"),
}

func operationNames() []string {
	names := make([]string, 0, len(engine.Operations))
	for _, op := range engine.Operations {
		names = append(names, string(op))
	}
	return names
}

// JudgeTool describes the evidence verdict.
var JudgeTool = tools.Definition{
	Name:        JudgeToolName,
	Description: "Decide whether the evidence answers the question. If it does, answer and cite record ids. If not, propose a better search query or ask a clarifying question.",
	InputSchema: tools.BuildSchemaWithReasoning(map[string]any{
		"sufficient":    tools.BooleanProperty("true only if the evidence answers the question"),
		"response":      tools.StringProperty("The answer when sufficient, otherwise a short clarifying question for the user"),
		"references":    tools.ArrayProperty("Ids of the evidence records the answer relies on", tools.StringProperty("record id")),
		"refined_query": tools.StringProperty("When insufficient: a different search query likely to find the missing evidence"),
	}, false, "sufficient", "response"),
}

// RoutePrompt is the user message for a routing call.
func RoutePrompt(task string) string {
	return "Message from the user:\n" + task
}

// JudgePrompt is the user message for a judging call.
func JudgePrompt(req engine.JudgeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question from the user:\n%s\n\n", req.Task)
	fmt.Fprintf(&b, "Search round %d of %d. Last query: %q\n\n", req.Round, req.MaxRounds, req.Query)
	b.WriteString(memory.FormatHits(req.Evidence, memory.DefaultFormatContext))
	if req.Round >= req.MaxRounds {
		b.WriteString("\nThis is the last round. If the evidence is not enough, ask the user a clarifying question.\n")
	}
	return b.String()
}

// schemaInstruction asks for a bare JSON reply matching def, for providers
// called without tool use.
func schemaInstruction(def tools.Definition) string {
	schema, _ := json.Marshal(def.InputSchema)
	return fmt.Sprintf("\n\n%s\nReply with a single JSON object and nothing else. It must match this JSON Schema:\n%s", def.Description, schema)
}

// DecodeRoute parses a routing decision.
func DecodeRoute(raw []byte) (engine.Route, error) {
	var route engine.Route
	if err := json.Unmarshal(raw, &route); err != nil {
		return engine.Route{}, recallerr.Wrap(err, recallerr.CodeOracleResponseInvalid, "decode route")
	}
	if strings.TrimSpace(string(route.Operation)) == "" {
		return engine.Route{}, recallerr.New(recallerr.CodeOracleResponseInvalid, "route has no operation")
	}
	return route, nil
}

// DecodeVerdict parses an evidence verdict.
func DecodeVerdict(raw []byte) (engine.Verdict, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return engine.Verdict{}, recallerr.Wrap(err, recallerr.CodeOracleResponseInvalid, "decode verdict")
	}
	if _, ok := probe["sufficient"]; !ok {
		return engine.Verdict{}, recallerr.New(recallerr.CodeOracleResponseInvalid, "verdict has no sufficient field")
	}

	var verdict engine.Verdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		return engine.Verdict{}, recallerr.Wrap(err, recallerr.CodeOracleResponseInvalid, "decode verdict")
	}
	if verdict.Sufficient && strings.TrimSpace(verdict.Response) == "" {
		return engine.Verdict{}, recallerr.New(recallerr.CodeOracleResponseInvalid, "sufficient verdict has no response")
	}
	return verdict, nil
}

// extractJSON returns the outermost JSON object in a model reply, which may
// be wrapped in prose or a code fence.
func extractJSON(text string) ([]byte, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	raw := []byte(text[start : end+1])
	if !json.Valid(raw) {
		return nil, false
	}
	return bytes.TrimSpace(raw), true
}

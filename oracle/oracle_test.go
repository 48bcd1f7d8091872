package oracle_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/oracle"
)

// capture records the JSON bodies a fake provider receives.
type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
}

func (c *capture) add(r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.mu.Unlock()
}

func (c *capture) last() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.bodies) == 0 {
		return nil
	}
	return c.bodies[len(c.bodies)-1]
}

func anthropicServer(t *testing.T, status int, reply any) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"), r.URL.Path)
		c.add(r)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func toolUseMessage(name string, input any) map[string]any {
	return map[string]any{
		"id":    "msg_1",
		"type":  "message",
		"role":  "assistant",
		"model": "claude-test",
		"content": []any{
			map[string]any{"type": "tool_use", "id": "toolu_1", "name": name, "input": input},
		},
		"stop_reason": "tool_use",
		"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
	}
}

func textMessage(text string) map[string]any {
	return map[string]any{
		"id":          "msg_2",
		"type":        "message",
		"role":        "assistant",
		"model":       "claude-test",
		"content":     []any{map[string]any{"type": "text", "text": text}},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 10, "output_tokens": 5},
	}
}

func newAnthropic(t *testing.T, url string) *oracle.Anthropic {
	t.Helper()
	o, err := oracle.NewAnthropic(oracle.Config{Model: "claude-test", APIKey: "test-key", BaseURL: url})
	require.NoError(t, err)
	return o
}

func TestAnthropic_RouteForcesToolUse(t *testing.T) {
	srv, c := anthropicServer(t, http.StatusOK, toolUseMessage(oracle.RouteToolName, map[string]any{
		"operation": "store",
		"argument":  "passport in blue folder",
		"reasoning": "the user states a fact",
	}))

	route, err := newAnthropic(t, srv.URL).Route(context.Background(), "remember my passport is in the blue folder")
	require.NoError(t, err)

	assert.Equal(t, engine.OpStore, route.Operation)
	assert.Equal(t, "passport in blue folder", route.Argument)
	assert.Equal(t, "the user states a fact", route.Reasoning)

	body := c.last()
	require.NotNil(t, body)
	assert.Equal(t, "claude-test", body["model"])
	choice, ok := body["tool_choice"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "tool", choice["type"])
	assert.Equal(t, oracle.RouteToolName, choice["name"])

	toolsSent, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, toolsSent, 1)
	assert.Equal(t, oracle.RouteToolName, toolsSent[0].(map[string]any)["name"])
}

func TestAnthropic_Judge(t *testing.T) {
	srv, c := anthropicServer(t, http.StatusOK, toolUseMessage(oracle.JudgeToolName, map[string]any{
		"sufficient": true,
		"response":   "In the blue folder.",
		"references": []string{"rec-1"},
	}))

	verdict, err := newAnthropic(t, srv.URL).Judge(context.Background(), engine.JudgeRequest{
		Task:      "where is my passport?",
		Query:     "where is my passport?",
		Round:     1,
		MaxRounds: 3,
		Evidence:  []core.Hit{{ID: "rec-1", Content: "passport in blue folder", Score: 0.9}},
	})
	require.NoError(t, err)

	assert.True(t, verdict.Sufficient)
	assert.Equal(t, "In the blue folder.", verdict.Response)
	assert.Equal(t, []string{"rec-1"}, verdict.References)

	raw, err := json.Marshal(c.last()["messages"])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "rec-1")
}

func TestAnthropic_FallsBackToTextJSON(t *testing.T) {
	srv, _ := anthropicServer(t, http.StatusOK, textMessage("Sure:\n```json\n{\"operation\": \"act\"}\n```"))

	route, err := newAnthropic(t, srv.URL).Route(context.Background(), "book a table")
	require.NoError(t, err)
	assert.Equal(t, engine.OpAct, route.Operation)
}

func TestAnthropic_NoDecision(t *testing.T) {
	srv, _ := anthropicServer(t, http.StatusOK, textMessage("I am not sure."))

	_, err := newAnthropic(t, srv.URL).Route(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, recallerr.HasCode(err, recallerr.CodeOracleResponseInvalid))
	assert.True(t, recallerr.IsInvalidInput(err))
}

func TestAnthropic_UpstreamFailure(t *testing.T) {
	srv, _ := anthropicServer(t, http.StatusBadRequest, map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "invalid_request_error", "message": "bad model"},
	})

	_, err := newAnthropic(t, srv.URL).Route(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, recallerr.IsUpstreamFailure(err))
	assert.Equal(t, http.StatusBadGateway, recallerr.HTTPStatus(err))
}

func TestAnthropic_CancelledContext(t *testing.T) {
	srv, _ := anthropicServer(t, http.StatusOK, toolUseMessage(oracle.RouteToolName, map[string]any{"operation": "search"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newAnthropic(t, srv.URL).Route(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func openAIServer(t *testing.T, content string) (*httptest.Server, *capture) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		c.add(r)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-test",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": content},
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func newOpenAI(t *testing.T, url string) *oracle.OpenAI {
	t.Helper()
	o, err := oracle.NewOpenAI(oracle.Config{Model: "gpt-test", APIKey: "test-key", BaseURL: url})
	require.NoError(t, err)
	return o
}

func TestOpenAI_Route(t *testing.T) {
	srv, c := openAIServer(t, `{"operation": "search", "reasoning": "a question"}`)

	route, err := newOpenAI(t, srv.URL).Route(context.Background(), "where is my passport?")
	require.NoError(t, err)
	assert.Equal(t, engine.OpSearch, route.Operation)

	body := c.last()
	require.NotNil(t, body)
	assert.Equal(t, "gpt-test", body["model"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])

	raw, err := json.Marshal(messages[1])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "JSON Schema")
	assert.Contains(t, string(raw), "where is my passport?")
}

func TestOpenAI_JudgeInsufficient(t *testing.T) {
	srv, _ := openAIServer(t, "```json\n{\"sufficient\": false, \"response\": \"Which passport?\", \"refined_query\": \"passport location\"}\n```")

	verdict, err := newOpenAI(t, srv.URL).Judge(context.Background(), engine.JudgeRequest{Task: "q", Round: 1, MaxRounds: 3})
	require.NoError(t, err)
	assert.False(t, verdict.Sufficient)
	assert.Equal(t, "passport location", verdict.RefinedQuery)
}

func TestOpenAI_NonJSONReply(t *testing.T) {
	srv, _ := openAIServer(t, "I cannot help with that.")

	_, err := newOpenAI(t, srv.URL).Judge(context.Background(), engine.JudgeRequest{Task: "q", Round: 1, MaxRounds: 3})
	require.Error(t, err)
	assert.True(t, recallerr.HasCode(err, recallerr.CodeOracleResponseInvalid))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     oracle.Config
		wantErr bool
	}{
		{name: "openai default", cfg: oracle.Config{Model: "m", APIKey: "k"}},
		{name: "anthropic", cfg: oracle.Config{Provider: "Anthropic", Model: "m", APIKey: "k"}},
		{name: "missing key", cfg: oracle.Config{Provider: "openai", Model: "m"}, wantErr: true},
		{name: "missing model", cfg: oracle.Config{Provider: "anthropic", APIKey: "k"}, wantErr: true},
		{name: "unknown provider", cfg: oracle.Config{Provider: "palm", Model: "m", APIKey: "k"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, err := oracle.New(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, recallerr.HasCode(err, recallerr.CodeConfigValidateInvalidValue))
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, o)
		})
	}
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/engine"
	recallerr "github.com/becomeliminal/nim-recall/errors"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/embedder/remote"
	"github.com/becomeliminal/nim-recall/memory/store/chromem"
	"github.com/becomeliminal/nim-recall/server"
)

var (
	_ server.Agent  = (*engine.Engine)(nil)
	_ server.Records = (*memory.Manager)(nil)
)

func newServer(t *testing.T) *server.Server {
	t.Helper()
	s, err := server.New(server.Config{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	return s
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) server.ErrorBody {
	t.Helper()
	var body server.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNew_RequiresListen(t *testing.T) {
	_, err := server.New(server.Config{})
	require.Error(t, err)
	assert.True(t, recallerr.IsInvalidInput(err))
}

// failingEmbedder always returns err.
type failingEmbedder struct{ err error }

func (f failingEmbedder) Embed(context.Context, string, core.Mode) ([]float32, error) {
	return nil, f.err
}

func (f failingEmbedder) Dimensions() int { return 4 }

func TestEmbedding_Health(t *testing.T) {
	s := newServer(t)
	s.MountEmbedding(mock.New(16), server.ModelInfo{Name: "e5-small", MaxLength: 512})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health remote.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, remote.Health{OK: true, Model: "e5-small", Dim: 16, MaxLength: 512}, health)
}

func TestEmbedding_Routes(t *testing.T) {
	s := newServer(t)
	s.MountEmbedding(mock.New(16), server.ModelInfo{Name: "test"})

	for _, path := range []string{"/embed", "/embed-doc", "/embed-search"} {
		t.Run(path, func(t *testing.T) {
			rec := postJSON(t, s.Handler(), path, server.EmbedRequest{Text: "hello world"})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp remote.EmbedResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, 16, resp.Dim)
			assert.Len(t, resp.Vector, 16)
		})
	}
}

func TestEmbedding_RejectsBadRequests(t *testing.T) {
	s := newServer(t)
	s.MountEmbedding(mock.New(8), server.ModelInfo{})

	rec := postJSON(t, s.Handler(), "/embed-doc", server.EmbedRequest{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(recallerr.CodeEmbedderRequestInvalid), decodeError(t, rec).Code)

	rec = postJSON(t, s.Handler(), "/embed", server.EmbedRequest{Text: "x", Mode: "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/embed", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(recallerr.CodeServerRequestInvalid), decodeError(t, rec).Code)
}

func TestEmbedding_InvalidEmbeddingIsServerError(t *testing.T) {
	s := newServer(t)
	s.MountEmbedding(failingEmbedder{err: recallerr.New(recallerr.CodeEmbedderInvalidEmbedding, "zero vector")}, server.ModelInfo{})

	rec := postJSON(t, s.Handler(), "/embed-doc", server.EmbedRequest{Text: "x"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(recallerr.CodeEmbedderInvalidEmbedding), decodeError(t, rec).Code)
}

func TestEmbedding_RemoteClientRoundTrip(t *testing.T) {
	s := newServer(t)
	s.MountEmbedding(mock.New(24), server.ModelInfo{Name: "test", MaxLength: 128})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	client, err := remote.New(remote.Config{URL: srv.URL, Dimensions: 24})
	require.NoError(t, err)

	vector, err := client.Embed(context.Background(), "hello", core.ModeQuery)
	require.NoError(t, err)
	assert.Len(t, vector, 24)

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.OK)
	assert.Equal(t, 128, health.MaxLength)

	failing := newServer(t)
	failing.MountEmbedding(failingEmbedder{err: recallerr.New(recallerr.CodeEmbedderInvalidEmbedding, "zero vector")}, server.ModelInfo{})
	failSrv := httptest.NewServer(failing.Handler())
	defer failSrv.Close()

	failClient, err := remote.New(remote.Config{URL: failSrv.URL, Dimensions: 4})
	require.NoError(t, err)
	_, err = failClient.Embed(context.Background(), "hello", core.ModeDocument)
	require.Error(t, err)
	assert.True(t, recallerr.IsInvalidEmbedding(err))
}

// scriptedOracle routes by prefix and answers from whatever evidence it is given.
type scriptedOracle struct{}

func (scriptedOracle) Route(_ context.Context, task string) (engine.Route, error) {
	if text, ok := strings.CutPrefix(task, "remember "); ok {
		return engine.Route{Operation: engine.OpStore, Argument: text}, nil
	}
	return engine.Route{Operation: engine.OpSearch}, nil
}

func (scriptedOracle) Judge(_ context.Context, req engine.JudgeRequest) (engine.Verdict, error) {
	if len(req.Evidence) == 0 {
		return engine.Verdict{}, nil
	}
	top := req.Evidence[0]
	return engine.Verdict{Sufficient: true, Response: top.Content, References: []string{top.ID}}, nil
}

func newAgentServer(t *testing.T) (*server.Server, *memory.Manager) {
	t.Helper()
	store, err := chromem.New(chromem.Config{Collection: "messages"})
	require.NoError(t, err)
	manager := memory.NewManager(store, mock.New(32), nil)

	s := newServer(t)
	s.MountAgent(engine.New(manager, scriptedOracle{}, engine.DefaultConfig), manager)
	return s, manager
}

func TestAgent_TextStoreThenSearch(t *testing.T) {
	s, _ := newAgentServer(t)

	rec := postJSON(t, s.Handler(), "/text", engine.Input{Task: "remember passport in blue folder", UID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var stored engine.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, "Stored: passport in blue folder", stored.Response)
	assert.Equal(t, []string{}, stored.References)

	rec = postJSON(t, s.Handler(), "/text", engine.Input{Task: "passport in blue folder", UID: "u1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var answered engine.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &answered))
	assert.Equal(t, engine.OutcomeAnswered, answered.Outcome)
	assert.Equal(t, "passport in blue folder", answered.Response)
	assert.Len(t, answered.References, 1)
}

func TestAgent_TextClarificationWhenEmpty(t *testing.T) {
	s, _ := newAgentServer(t)

	rec := postJSON(t, s.Handler(), "/text", engine.Input{Task: "where is my passport?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out engine.Output
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, engine.OutcomeClarificationNeeded, out.Outcome)
	assert.Equal(t, 3, out.Rounds)
}

func TestAgent_TextRejectsEmpty(t *testing.T) {
	s, _ := newAgentServer(t)

	rec := postJSON(t, s.Handler(), "/text", map[string]string{"text": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(recallerr.CodeEngineTurnInvalid), decodeError(t, rec).Code)
}

func TestAgent_Messages(t *testing.T) {
	s, manager := newAgentServer(t)
	for _, text := range []string{"one", "two", "three"} {
		_, err := manager.Remember(context.Background(), "u", text)
		require.NoError(t, err)
	}

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/messages")
	require.Equal(t, http.StatusOK, rec.Code)
	var records []core.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 3)
	assert.Contains(t, rec.Body.String(), `"message"`)

	rec = get("/messages?limit=0")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 1)

	rec = get("/messages?limit=lots")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgent_MessagesEmptyCollection(t *testing.T) {
	s, _ := newAgentServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestAgent_ResetLiftsWriteHalt(t *testing.T) {
	ctx := context.Background()
	store, err := chromem.New(chromem.Config{Collection: "messages"})
	require.NoError(t, err)
	_, err = memory.NewManager(store, mock.New(8), nil).Remember(ctx, "u", "written with the old model")
	require.NoError(t, err)

	manager := memory.NewManager(store, mock.New(32), nil)
	s := newServer(t)
	s.MountAgent(engine.New(manager, scriptedOracle{}, engine.DefaultConfig), manager)

	health := func() server.AgentHealth {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var h server.AgentHealth
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		return h
	}
	assert.Equal(t, server.AgentHealth{Status: "ok"}, health())

	rec := postJSON(t, s.Handler(), "/text", engine.Input{Task: "remember new model note", UID: "u"})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.True(t, health().WritesHalted)

	rec = postJSON(t, s.Handler(), "/text", engine.Input{Task: "remember still refused", UID: "u"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(recallerr.CodeStoreWriteHalted), decodeError(t, rec).Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var reset server.ResetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reset))
	assert.True(t, reset.Deleted)
	assert.False(t, health().WritesHalted)

	rec = postJSON(t, s.Handler(), "/text", engine.Input{Task: "remember accepted after reset", UID: "u"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/messages", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reset))
	assert.True(t, reset.Deleted)
}

func TestAgent_WebSocketTurns(t *testing.T) {
	s, _ := newAgentServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(engine.Input{Task: "remember dentist on tuesday", UID: "u"}))
	var out engine.Output
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, engine.OutcomeStored, out.Outcome)

	require.NoError(t, conn.WriteJSON(engine.Input{Task: " "}))
	var failure server.ErrorBody
	require.NoError(t, conn.ReadJSON(&failure))
	assert.Equal(t, string(recallerr.CodeEngineTurnInvalid), failure.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{broken")))
	require.NoError(t, conn.ReadJSON(&failure))
	assert.Equal(t, string(recallerr.CodeServerRequestInvalid), failure.Code)

	require.NoError(t, conn.WriteJSON(engine.Input{Task: "dentist on tuesday", UID: "u"}))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, engine.OutcomeAnswered, out.Outcome)
}

func TestCORS(t *testing.T) {
	s, err := server.New(server.Config{Listen: ":0", CORSOrigins: []string{"http://localhost:5173"}})
	require.NoError(t, err)
	s.MountEmbedding(mock.New(4), server.ModelInfo{})

	req := httptest.NewRequest(http.MethodOptions, "/embed", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

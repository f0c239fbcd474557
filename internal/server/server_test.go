package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/breaker"
	"antigravity/internal/bridge"
	agerrors "antigravity/internal/errors"
	"antigravity/internal/memory"
	"antigravity/internal/registry"
	jsonx "antigravity/internal/shared/json"
	"antigravity/internal/snapshot"
)

type testEnv struct {
	server   *Server
	root     string
	webhooks chan string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	webhooks := make(chan string, 8)

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Prompt string `json:"prompt"`
		}
		_ = jsonx.NewDecoder(r.Body).Decode(&payload)
		webhooks <- payload.Prompt
		w.Write([]byte(`{"output":"done"}`))
	}))
	t.Cleanup(webhook.Close)

	b := bridge.New(bridge.Config{
		AppName:    "test",
		AppRoot:    root,
		WebhookURL: webhook.URL,
		Retry: &agerrors.RetryConfig{
			MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Linear: true,
		},
		Memory:   memory.New(root, 5, 24*time.Hour, nil),
		Registry: registry.New(nil, nil),
		Breakers: breaker.NewManager(filepath.Join(root, "breakers"), breaker.Config{
			FailureThreshold: 10,
			SuccessThreshold: 2,
			Cooldown:         time.Minute,
		}),
	})

	s := New(Config{
		AppName:         "test",
		AppRoot:         root,
		PortfolioPath:   filepath.Join(root, "Alpha_Data", "portfolio.json"),
		MacroEventsPath: filepath.Join(root, "Alpha_Data", "macro_events.json"),
		Bridge:          b,
		Registry: registry.New([]registry.Endpoint{
			{Role: "CFO", URL: "http://provider.local/webhook/cfo"},
		}, nil),
		Snapshotter: snapshot.New(filepath.Join(root, "snaps"), 10, nil),
	})
	return &testEnv{server: s, root: root, webhooks: webhooks}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, jsonx.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t)
	recorder := e.do(t, http.MethodGet, "/api/health", "")

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["app"])
}

func TestExecuteAcceptsAndDispatches(t *testing.T) {
	e := newTestEnv(t)
	recorder := e.do(t, http.MethodPost, "/execute", `{"task": "run briefing"}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "accepted", body["status"])
	assert.Equal(t, "run briefing", body["task"])
	assert.NotEmpty(t, body["session_id"])

	select {
	case prompt := <-e.webhooks:
		assert.Equal(t, "run briefing", prompt)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never reached the webhook")
	}
}

func TestExecuteRequiresATask(t *testing.T) {
	e := newTestEnv(t)
	recorder := e.do(t, http.MethodPost, "/execute", `{}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHotUpdateRoutesPortfolio(t *testing.T) {
	e := newTestEnv(t)
	recorder := e.do(t, http.MethodPost, "/api/hot_update", `{"positions": []}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "portfolio", body["kind"])

	data, err := os.ReadFile(filepath.Join(e.root, "Alpha_Data", "portfolio.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "positions")
}

func TestHotUpdateRoutesMacroEvents(t *testing.T) {
	e := newTestEnv(t)
	recorder := e.do(t, http.MethodPost, "/api/hot_update",
		`{"event": "rate decision", "impact": "high"}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "macro_event", body["kind"])

	assert.FileExists(t, filepath.Join(e.root, "Alpha_Data", "macro_events.json"))
	assert.NoFileExists(t, filepath.Join(e.root, "Alpha_Data", "portfolio.json"))
}

func TestCommandsEndpointServesDefaults(t *testing.T) {
	e := newTestEnv(t)
	recorder := e.do(t, http.MethodGet, "/api/commands", "")

	require.Equal(t, http.StatusOK, recorder.Code)
	var commands []SuiteCommand
	require.NoError(t, jsonx.Unmarshal(recorder.Body.Bytes(), &commands))
	require.Len(t, commands, 4)
	assert.Equal(t, "Council Assemble", commands[0].Name)
}

func TestRegistryEndpoint(t *testing.T) {
	e := newTestEnv(t)
	recorder := e.do(t, http.MethodGet, "/api/registry", "")

	require.Equal(t, http.StatusOK, recorder.Code)
	var endpoints []registry.Endpoint
	require.NoError(t, jsonx.Unmarshal(recorder.Body.Bytes(), &endpoints))
	require.Len(t, endpoints, 1)
	assert.Equal(t, "CFO", endpoints[0].Role)
}

func TestLedgerMissingFileIsEmptyObject(t *testing.T) {
	e := newTestEnv(t)
	recorder := e.do(t, http.MethodGet, "/api/ledger", "")

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{}`, recorder.Body.String())
}

package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/breaker"
	agerrors "antigravity/internal/errors"
	"antigravity/internal/errorlog"
	"antigravity/internal/memory"
	"antigravity/internal/registry"
	jsonx "antigravity/internal/shared/json"
)

func jsonDecode(r *http.Request, v any) error {
	return jsonx.NewDecoder(r.Body).Decode(v)
}

// fastRetry keeps the three-attempt schedule without the production pauses.
func fastRetry() *agerrors.RetryConfig {
	return &agerrors.RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
		Linear:      true,
	}
}

type testHarness struct {
	bridge *Bridge
	memory *memory.Store
	errlog *errorlog.Log
}

func newTestHarness(t *testing.T, webhookURL string) *testHarness {
	t.Helper()
	dir := t.TempDir()

	store := memory.New(dir, 5, 24*time.Hour, nil)
	errlog := errorlog.New(filepath.Join(dir, "errors.jsonl"), nil)
	breakers := breaker.NewManager(filepath.Join(dir, "breakers"), breaker.Config{
		FailureThreshold: 10,
		SuccessThreshold: 2,
		Cooldown:         time.Minute,
	})

	b := New(Config{
		AppName:         "test",
		AppRoot:         dir,
		DeliverablesDir: filepath.Join(dir, "deliverables"),
		WebhookURL:      webhookURL,
		Retry:           fastRetry(),
		Memory:          store,
		Registry:        registry.New(nil, nil),
		Breakers:        breakers,
		ErrorLog:        errlog,
	})
	return &testHarness{bridge: b, memory: store, errlog: errlog}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"output":"hi"}`))
	}))
	defer server.Close()

	h := newTestHarness(t, server.URL)
	out := h.bridge.Dispatch(context.Background(), Payload{Prompt: "hello", SessionID: "s1"})

	assert.Equal(t, "hi", out)
	assert.EqualValues(t, 3, requests.Load())

	turns := h.memory.History("s1")
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, "hello", turns[0].Content)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Equal(t, "hi", turns[1].Content)
}

func TestDispatchExhaustedRetriesIsGracefulFailure(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	h := newTestHarness(t, server.URL)
	out := h.bridge.Dispatch(context.Background(), Payload{Prompt: "hello", SessionID: "s1"})

	assert.True(t, strings.HasPrefix(out, "Graceful Failure:"), "got %q", out)
	assert.EqualValues(t, 3, requests.Load())

	warnings, err := h.errlog.Read(errorlog.Filter{Severity: errorlog.SeverityWarning})
	require.NoError(t, err)
	assert.Len(t, warnings, 3)
}

func TestDispatchAuthFailureDoesNotRetry(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	h := newTestHarness(t, server.URL)
	out := h.bridge.Dispatch(context.Background(), Payload{Prompt: "hello", SessionID: "s1"})

	assert.Contains(t, out, "Graceful Failure:")
	assert.Contains(t, out, "authentication")
	assert.EqualValues(t, 1, requests.Load())
}

func TestDispatchUnknownToolFeedsObservationBack(t *testing.T) {
	prompts := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt string `json:"prompt"`
		}
		_ = jsonDecode(r, &body)
		prompts <- body.Prompt
		w.Write([]byte(`{"output":"ack"}`))
	}))
	defer server.Close()

	h := newTestHarness(t, server.URL)
	out := h.bridge.Dispatch(context.Background(), Payload{
		Prompt:    "try the tool",
		SessionID: "s1",
		ForceTool: map[string]any{"action": "use_tool", "tool": "warp_drive", "query": "x"},
	})

	assert.Equal(t, "ack", out)
	require.Len(t, prompts, 1)
	observation := <-prompts
	assert.Contains(t, observation, `Unknown tool "warp_drive"`)
	assert.Contains(t, observation, "list_files")
	assert.Contains(t, observation, "write_file")
}

func TestInferProject(t *testing.T) {
	cases := []struct {
		prompt string
		want   string
	}{
		{"Project: Orion Alpha\ndo things", "Orion_Alpha"},
		{"Project Phoenix: launch review", "Phoenix"},
		{"no marker here", ""},
		{"Project:   ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, inferProject(tc.prompt), "prompt %q", tc.prompt)
	}
}

func TestDispatchProjectSwitchClearsMemory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"output":"ok"}`))
	}))
	defer server.Close()

	h := newTestHarness(t, server.URL)

	h.bridge.Dispatch(context.Background(), Payload{Prompt: "Project: Alpha\nstart", SessionID: "s1"})
	require.Len(t, h.memory.History("s1"), 2)

	h.bridge.Dispatch(context.Background(), Payload{Prompt: "Project: Beta\nswitch", SessionID: "s1"})
	turns := h.memory.History("s1")
	require.Len(t, turns, 2)
	assert.Contains(t, turns[0].Content, "Beta")
}

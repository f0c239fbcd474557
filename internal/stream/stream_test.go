package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/memory"
	jsonx "antigravity/internal/shared/json"
)

// sseBody frames text chunks the way the provider does.
func sseBody(texts ...string) string {
	var b strings.Builder
	for _, text := range texts {
		fmt.Fprintf(&b,
			"data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": %q}]}}]}\n\n", text)
	}
	b.WriteString("data: [DONE]\n")
	return b.String()
}

func decodeJSON(r *http.Request, v any) error {
	return jsonx.NewDecoder(r.Body).Decode(v)
}

func collect(events <-chan Event) []Event {
	var out []Event
	for event := range events {
		out = append(out, event)
	}
	return out
}

func newTestChannel(t *testing.T, baseURL string, models ...string) (*Channel, *memory.Store) {
	t.Helper()
	store := memory.New(t.TempDir(), 10, 24*time.Hour, nil)
	return New(Config{
		BaseURL:      baseURL,
		APIKey:       func() string { return "test-key" },
		Models:       models,
		Timeout:      5 * time.Second,
		SystemPrompt: "You are the strategist.",
		Local:        store,
	}), store
}

func TestStreamForwardsChunksAndPersists(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "gemini-test")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody("Hello", " world"))
	}))
	defer server.Close()

	c, store := newTestChannel(t, server.URL, "gemini-test")
	events := collect(c.Stream(context.Background(), Request{Prompt: "hi", SessionID: "s1"}))

	require.Len(t, events, 3)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, " world", events[1].Text)
	assert.True(t, events[2].Done)

	turns := store.History("s1")
	require.Len(t, turns, 2)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, "Hello world", turns[1].Content)
}

func TestStreamFallsBackToNextModel(t *testing.T) {
	var models []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		model := strings.TrimSuffix(parts[len(parts)-1], ":streamGenerateContent")
		models = append(models, model)
		if model == "primary" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, sseBody("ok"))
	}))
	defer server.Close()

	c, _ := newTestChannel(t, server.URL, "primary", "fallback")
	events := collect(c.Stream(context.Background(), Request{Prompt: "hi", SessionID: "s1"}))

	assert.Equal(t, []string{"primary", "fallback"}, models)
	require.Len(t, events, 2)
	assert.Equal(t, "ok", events[0].Text)
	assert.True(t, events[1].Done)
}

func TestStreamAllModelsFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c, store := newTestChannel(t, server.URL, "a", "b")
	events := collect(c.Stream(context.Background(), Request{Prompt: "hi", SessionID: "s1"}))

	require.Len(t, events, 1)
	assert.Contains(t, events[0].Error, "all models failed")
	assert.Empty(t, store.History("s1"))
}

func TestStreamCarriesHistoryAndContext(t *testing.T) {
	var conversation []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Contents []map[string]any `json:"contents"`
		}
		require.NoError(t, decodeJSON(r, &payload))
		conversation = payload.Contents
		fmt.Fprint(w, sseBody("ok"))
	}))
	defer server.Close()

	c, store := newTestChannel(t, server.URL, "m")
	require.NoError(t, store.Append("s1", "user", "earlier question"))
	require.NoError(t, store.Append("s1", "assistant", "earlier answer"))

	collect(c.Stream(context.Background(), Request{
		Prompt:           "now",
		SessionID:        "s1",
		DashboardContext: "positions: 3",
	}))

	// Opening turn, model ack, two history turns, new prompt.
	require.Len(t, conversation, 5)
	opening := conversation[0]["parts"].([]any)[0].(map[string]any)["text"].(string)
	assert.Contains(t, opening, "You are the strategist.")
	assert.Contains(t, opening, "LIVE DASHBOARD")
	assert.Equal(t, "user", conversation[2]["role"])
	assert.Equal(t, "model", conversation[3]["role"])
	last := conversation[4]["parts"].([]any)[0].(map[string]any)["text"].(string)
	assert.Equal(t, "now", last)
}

type fakeRemote struct {
	history  []memory.Turn
	appended []memory.Turn
	fail     bool
}

func (f *fakeRemote) History(ctx context.Context, sessionID string) ([]memory.Turn, error) {
	if f.fail {
		return nil, fmt.Errorf("remote down")
	}
	return f.history, nil
}

func (f *fakeRemote) Append(ctx context.Context, sessionID, role, content string) error {
	if f.fail {
		return fmt.Errorf("remote down")
	}
	f.appended = append(f.appended, memory.Turn{Role: role, Content: content})
	return nil
}

func TestStreamPrefersRemoteHistoryAndWritesThrough(t *testing.T) {
	var conversation []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Contents []map[string]any `json:"contents"`
		}
		require.NoError(t, decodeJSON(r, &payload))
		conversation = payload.Contents
		fmt.Fprint(w, sseBody("ok"))
	}))
	defer server.Close()

	remote := &fakeRemote{history: []memory.Turn{{Role: "user", Content: "remote turn"}}}
	store := memory.New(t.TempDir(), 10, 24*time.Hour, nil)
	require.NoError(t, store.Append("s1", "user", "local turn"))

	c := New(Config{
		BaseURL: server.URL,
		APIKey:  func() string { return "k" },
		Models:  []string{"m"},
		Local:   store,
		Remote:  remote,
	})
	collect(c.Stream(context.Background(), Request{Prompt: "now", SessionID: "s1"}))

	// Remote history wins over local: opening, ack, one remote turn, prompt.
	require.Len(t, conversation, 4)
	remoteTurn := conversation[2]["parts"].([]any)[0].(map[string]any)["text"].(string)
	assert.Equal(t, "remote turn", remoteTurn)

	// The exchange is written through to both stores.
	require.Len(t, remote.appended, 2)
	assert.Equal(t, "now", remote.appended[0].Content)
	assert.Equal(t, "ok", remote.appended[1].Content)
	turns := store.History("s1")
	require.Len(t, turns, 3)
}

func TestStreamFallsBackToLocalWhenRemoteDown(t *testing.T) {
	var conversation []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Contents []map[string]any `json:"contents"`
		}
		require.NoError(t, decodeJSON(r, &payload))
		conversation = payload.Contents
		fmt.Fprint(w, sseBody("ok"))
	}))
	defer server.Close()

	store := memory.New(t.TempDir(), 10, 24*time.Hour, nil)
	require.NoError(t, store.Append("s1", "user", "local turn"))

	c := New(Config{
		BaseURL: server.URL,
		APIKey:  func() string { return "k" },
		Models:  []string{"m"},
		Local:   store,
		Remote:  &fakeRemote{fail: true},
	})
	events := collect(c.Stream(context.Background(), Request{Prompt: "now", SessionID: "s1"}))

	require.Len(t, conversation, 4)
	localTurn := conversation[2]["parts"].([]any)[0].(map[string]any)["text"].(string)
	assert.Equal(t, "local turn", localTurn)
	assert.True(t, events[len(events)-1].Done)
}

func TestClearWipesLocalHistory(t *testing.T) {
	c, store := newTestChannel(t, "http://127.0.0.1:1", "m")
	require.NoError(t, store.Append("s1", "user", "hello"))

	require.NoError(t, c.Clear(context.Background(), "s1"))
	assert.Empty(t, store.History("s1"))
}

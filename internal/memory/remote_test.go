package memory

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemoteFixture(t *testing.T, handler http.HandlerFunc) *Remote {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewRemote(server.URL+"/", "service-key")
}

func TestRemoteHistoryReversesToOldestFirst(t *testing.T) {
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/rest/v1/chat_history", req.URL.Path)
		assert.Equal(t, "service-key", req.Header.Get("apikey"))
		assert.Equal(t, "Bearer service-key", req.Header.Get("Authorization"))

		query := req.URL.Query()
		assert.Equal(t, "eq.s1", query.Get("session_id"))
		assert.Equal(t, "created_at.desc", query.Get("order"))
		assert.Equal(t, "10", query.Get("limit"))

		// Newest-first, as the order clause asks.
		w.Write([]byte(`[
			{"role": "assistant", "content": "hi there"},
			{"role": "user", "content": "hello"}
		]`))
	})

	turns, err := r.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, Turn{Role: "user", Content: "hello"}, turns[0])
	assert.Equal(t, Turn{Role: "assistant", Content: "hi there"}, turns[1])
}

func TestRemoteAppendInsertsRow(t *testing.T) {
	var body string
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/rest/v1/chat_history", req.URL.Path)
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		data, _ := io.ReadAll(req.Body)
		body = string(data)
		w.WriteHeader(http.StatusCreated)
	})

	require.NoError(t, r.Append(context.Background(), "s1", "user", "hello"))
	assert.Contains(t, body, `"session_id":"s1"`)
	assert.Contains(t, body, `"role":"user"`)
	assert.Contains(t, body, `"content":"hello"`)
}

func TestRemoteClearDeletesSession(t *testing.T) {
	var deleted string
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, http.MethodDelete, req.Method)
		deleted = req.URL.Query().Get("session_id")
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, r.Clear(context.Background(), "s1"))
	assert.Equal(t, "eq.s1", deleted)
}

func TestRemoteErrorsDoNotPanic(t *testing.T) {
	r := newRemoteFixture(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := r.History(context.Background(), "s1")
	assert.Error(t, err)
	assert.Error(t, r.Append(context.Background(), "s1", "user", "x"))
	assert.Error(t, r.Clear(context.Background(), "s1"))

	dead := NewRemote("http://127.0.0.1:1", "k")
	_, err = dead.History(context.Background(), "s1")
	assert.Error(t, err)
}

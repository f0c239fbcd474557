package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antigravity/internal/n8nclient"
)

func secretsFrom(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func TestCheckSecretStatuses(t *testing.T) {
	r := New(secretsFrom(map[string]string{
		"GOOD":        "sk-live-abc123",
		"PLACEHOLDER": "your-api-key-here",
		"ANGLED":      "<paste key>",
	}), nil, nil)

	assert.Equal(t, StatusPass, r.checkSecret("GOOD").Status)
	assert.Equal(t, StatusFail, r.checkSecret("MISSING").Status)
	assert.Equal(t, "not set", r.checkSecret("MISSING").Detail)
	assert.Equal(t, StatusFail, r.checkSecret("PLACEHOLDER").Status)
	assert.Equal(t, "placeholder value", r.checkSecret("PLACEHOLDER").Detail)
	assert.Equal(t, StatusFail, r.checkSecret("ANGLED").Status)
}

func TestLooksLikePlaceholder(t *testing.T) {
	assert.True(t, looksLikePlaceholder("CHANGEME"))
	assert.True(t, looksLikePlaceholder("todo: rotate"))
	assert.False(t, looksLikePlaceholder("sk-live-8f2a"))
}

func TestRunAggregatesReport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": []}`))
	}))
	defer server.Close()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "Alpha_Data"), 0755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "Alpha_Data", "portfolio.json"), []byte("{}"), 0644))

	client := n8nclient.New(server.URL, "key", 5*time.Second, nil)
	r := New(secretsFrom(map[string]string{"N8N_API_KEY": "real-key"}), client, nil)

	profile := Profile{
		Name:          "test",
		RequiredKeys:  []string{"N8N_API_KEY", "MISSING_KEY"},
		CriticalFiles: []string{filepath.Join(dir, "Alpha_Data", "portfolio.json")},
	}
	report := r.Run(context.Background(), profile)

	assert.Equal(t, "test", report.Profile)
	assert.False(t, report.OK())
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 3, report.Passed) // good key, provider, critical file
}

func TestProviderAuthFailureIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := n8nclient.New(server.URL, "bad-key", 5*time.Second, nil)
	r := New(nil, client, nil)

	result := r.checkProvider(context.Background())
	assert.Equal(t, StatusFail, result.Status)
	assert.Equal(t, "API key rejected (401)", result.Detail)
}

func TestNoProviderIsOnlyAWarning(t *testing.T) {
	r := New(nil, nil, nil)
	result := r.checkProvider(context.Background())
	assert.Equal(t, StatusWarn, result.Status)
}

func TestCheckFileMissing(t *testing.T) {
	result := checkFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Equal(t, StatusFail, result.Status)
	assert.Equal(t, "missing", result.Detail)
}

func TestProfilesCoverKnownTargets(t *testing.T) {
	profiles := Profiles(t.TempDir())
	require.Contains(t, profiles, "alpha")
	require.Contains(t, profiles, "meta")
	require.Contains(t, profiles, "generic")
	assert.Equal(t, 5005, profiles["alpha"].Port)
	assert.Contains(t, profiles["alpha"].RequiredKeys, "GEMINI_API_KEY")
}

package errorlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "errors.jsonl"), nil)
}

func TestRecordAndRead(t *testing.T) {
	l := newTestLog(t)

	l.Record("alpha", SeverityError, "webhook down", map[string]any{"status": 503}, "")
	l.Record("alpha", SeverityWarning, "slow response", nil, "")
	l.Record("meta", SeverityError, "disk full", nil, "stack here")

	all, err := l.Read(Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "webhook down", all[0].Message)
	assert.NotEmpty(t, all[0].Timestamp)
	assert.EqualValues(t, 503, all[0].Context["status"])
	assert.Equal(t, "stack here", all[2].StackTrace)
}

func TestReadFilters(t *testing.T) {
	l := newTestLog(t)
	l.Record("alpha", SeverityError, "one", nil, "")
	l.Record("alpha", SeverityWarning, "two", nil, "")
	l.Record("meta", SeverityError, "three", nil, "")

	byApp, err := l.Read(Filter{App: "alpha"})
	require.NoError(t, err)
	assert.Len(t, byApp, 2)

	bySeverity, err := l.Read(Filter{Severity: SeverityError})
	require.NoError(t, err)
	assert.Len(t, bySeverity, 2)

	limited, err := l.Read(Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "three", limited[0].Message)
}

func TestReadMissingFileIsEmpty(t *testing.T) {
	l := newTestLog(t)
	entries, err := l.Read(Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSummarize(t *testing.T) {
	l := newTestLog(t)
	l.Record("alpha", SeverityError, "one", nil, "")
	l.Record("alpha", SeverityCritical, "two", nil, "")
	l.Record("meta", SeverityError, "three", nil, "")

	summary, err := l.Summarize()
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.ByApp["alpha"])
	assert.Equal(t, 1, summary.ByApp["meta"])
	assert.Equal(t, 2, summary.BySeverity[SeverityError])
	assert.Equal(t, 1, summary.BySeverity[SeverityCritical])
}

func TestRotationAtSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.jsonl")
	l := New(path, nil)

	// Pre-seed an oversized file so the next record rotates it out.
	big := strings.Repeat("x", maxLogSize+1)
	require.NoError(t, os.WriteFile(path, []byte(big), 0644))

	l.Record("alpha", SeverityInfo, "first after rotation", nil, "")

	rotated, err := os.Stat(path + ".old")
	require.NoError(t, err)
	assert.Greater(t, rotated.Size(), int64(maxLogSize))

	entries, err := l.Read(Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "first after rotation", entries[0].Message)
}

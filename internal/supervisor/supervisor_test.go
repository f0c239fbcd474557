package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePortfolio(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestInProviderWindow(t *testing.T) {
	s := New(Config{
		WindowWeekdays: []int{1, 2, 3, 4, 5},
		WindowStart:    9,
		WindowEnd:      17,
	})

	monday10 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	monday17 := time.Date(2026, 8, 24, 17, 0, 0, 0, time.UTC)
	sunday10 := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)

	assert.True(t, s.inProviderWindow(monday10))
	assert.False(t, s.inProviderWindow(monday17)) // end hour is exclusive
	assert.False(t, s.inProviderWindow(sunday10))

	always := New(Config{})
	assert.True(t, always.inProviderWindow(sunday10))
}

func TestOpenPositionIDsBothShapes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portfolio.json")
	s := New(Config{PortfolioPath: path})

	writePortfolio(t, path, `{"open_positions": [{"id": "b"}, {"id": "a"}]}`)
	assert.Equal(t, []string{"a", "b"}, s.openPositionIDs())

	writePortfolio(t, path, `{"positions": [
		{"id": "x", "status": "OPEN"},
		{"id": "y", "status": "closed"}
	]}`)
	assert.Equal(t, []string{"x"}, s.openPositionIDs())

	writePortfolio(t, path, `not json`)
	assert.Nil(t, s.openPositionIDs())
}

func TestCheckPortfolioFiresOnlyOnNewPositions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portfolio.json")
	writePortfolio(t, path, `{"open_positions": [{"id": "a"}, {"id": "b"}]}`)

	var reasons []string
	var forces []bool
	s := New(Config{
		PortfolioPath: path,
		Trigger: func(ctx context.Context, reason string, force bool) error {
			reasons = append(reasons, reason)
			forces = append(forces, force)
			return nil
		},
	})

	ctx := context.Background()

	// First observation primes the set without firing.
	s.checkPortfolio(ctx)
	assert.Empty(t, reasons)

	// Same contents, no trigger.
	s.checkPortfolio(ctx)
	assert.Empty(t, reasons)

	// A closed position is not an entry event.
	writePortfolio(t, path, `{"open_positions": [{"id": "a"}]}`)
	s.checkPortfolio(ctx)
	assert.Empty(t, reasons)

	// A new position fires, forced past the market window.
	writePortfolio(t, path, `{"open_positions": [{"id": "a"}, {"id": "c"}]}`)
	s.checkPortfolio(ctx)
	require.Len(t, reasons, 1)
	assert.Equal(t, "new positions detected", reasons[0])
	assert.Equal(t, []bool{true}, forces)

	// Re-opening the previously closed position is new again.
	writePortfolio(t, path, `{"open_positions": [{"id": "a"}, {"id": "b"}, {"id": "c"}]}`)
	s.checkPortfolio(ctx)
	assert.Len(t, reasons, 2)
}

func TestNewIDs(t *testing.T) {
	assert.Equal(t, []string{"c"}, newIDs([]string{"a", "c"}, []string{"a", "b"}))
	assert.Nil(t, newIDs([]string{"a"}, []string{"a", "b"}))
	assert.Nil(t, newIDs(nil, nil))
}

func TestCheckDailyFiresOncePerDay(t *testing.T) {
	now := time.Date(2026, 8, 24, 8, 0, 0, 0, time.Local)
	var fired int
	var forces []bool
	s := New(Config{
		DailyTrigger: "09:00",
		Trigger: func(ctx context.Context, reason string, force bool) error {
			fired++
			forces = append(forces, force)
			return nil
		},
	}, WithClock(func() time.Time { return now }))

	ctx := context.Background()

	// Before the trigger moment.
	s.checkDaily(ctx)
	assert.Equal(t, 0, fired)

	// After the moment it fires exactly once for the day.
	now = now.Add(2 * time.Hour)
	s.checkDaily(ctx)
	s.checkDaily(ctx)
	assert.Equal(t, 1, fired)

	// Next day it fires again, never forced.
	now = now.Add(24 * time.Hour)
	s.checkDaily(ctx)
	assert.Equal(t, 2, fired)
	assert.Equal(t, []bool{false, false}, forces)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := New(Config{Tick: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pilot-net/actionsync/pkg/types"
)

// testLogger returns a logger that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sequentialIDs returns an id generator yielding act-1, act-2, ...
func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("act-%d", n)
	}
}

func newTestBridge(t *testing.T, cfg Config) (*Bridge, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	b := New(cfg, testLogger(), WithClock(clock.Now), WithIDGenerator(sequentialIDs()))
	return b, clock
}

// payload decodes a JSON literal the way the transports do.
func payload(t *testing.T, raw string) any {
	t.Helper()
	var v any
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func actionIDs(actions []types.Action) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ID
	}
	return ids
}

func TestNewAppliesDefaults(t *testing.T) {
	b := New(Config{Token: "  secret  "}, testLogger())
	cfg := b.Config()

	defaults := DefaultConfig()
	require.Equal(t, "secret", cfg.Token)
	require.Equal(t, defaults.MaxQueue, cfg.MaxQueue)
	require.Equal(t, defaults.MaxLogs, cfg.MaxLogs)
	require.Equal(t, defaults.MaxResults, cfg.MaxResults)
	require.Equal(t, defaults.DeviceTimeout, cfg.DeviceTimeout)
	require.Equal(t, defaults.DefaultTTL, cfg.DefaultTTL)
	require.Equal(t, defaults.MaxFrameBytes, cfg.MaxFrameBytes)
	require.Equal(t, defaults.WriteTimeout, cfg.WriteTimeout)
}

func TestNewActionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := newActionID()
		require.Len(t, id, 32)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

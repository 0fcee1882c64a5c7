package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateReturnsSameRecord(t *testing.T) {
	b, clock := newTestBridge(t, DefaultConfig())

	b.mu.Lock()
	first := b.getOrCreateLocked("dev-1")
	first.info["model"] = "pixel"
	b.mu.Unlock()

	clock.Advance(time.Minute)

	b.mu.Lock()
	second := b.getOrCreateLocked("dev-1")
	b.mu.Unlock()

	require.Same(t, first, second)
	assert.Equal(t, "pixel", second.info["model"])
	assert.Equal(t, []string{"dev-1"}, b.order)
}

func TestRegistryKeepsInsertionOrder(t *testing.T) {
	b, _ := newTestBridge(t, DefaultConfig())

	for _, id := range []string{"c", "a", "b", "a"} {
		_, err := b.HandleSync(payload(t, `{"device_id":"`+id+`"}`), "10.0.0.1")
		require.NoError(t, err)
	}

	status := b.Status()
	require.Len(t, status.Devices, 3)
	assert.Equal(t, "c", status.Devices[0].ID)
	assert.Equal(t, "a", status.Devices[1].ID)
	assert.Equal(t, "b", status.Devices[2].ID)
	assert.Equal(t, "a", status.LastDeviceID)
}

func TestResolveDevice(t *testing.T) {
	t.Run("empty registry", func(t *testing.T) {
		b, _ := newTestBridge(t, DefaultConfig())
		for _, ref := range []string{"", "last", "  last  "} {
			_, err := b.ResolveDevice(ref)
			assert.ErrorIs(t, err, ErrNoDevice, "ref %q", ref)
		}
	})

	t.Run("explicit id is returned as is", func(t *testing.T) {
		b, _ := newTestBridge(t, DefaultConfig())
		id, err := b.ResolveDevice("never-seen")
		require.NoError(t, err)
		assert.Equal(t, "never-seen", id)
	})

	t.Run("last follows the most recent sync", func(t *testing.T) {
		b, _ := newTestBridge(t, DefaultConfig())
		for _, id := range []string{"one", "two", "one"} {
			_, err := b.HandleSync(payload(t, `{"device_id":"`+id+`"}`), "")
			require.NoError(t, err)
		}
		for _, ref := range []string{"", "last"} {
			id, err := b.ResolveDevice(ref)
			require.NoError(t, err)
			assert.Equal(t, "one", id)
		}
	})

	t.Run("falls back to the first registered device", func(t *testing.T) {
		b, _ := newTestBridge(t, DefaultConfig())
		b.mu.Lock()
		b.getOrCreateLocked("first")
		b.getOrCreateLocked("second")
		b.mu.Unlock()

		id, err := b.ResolveDevice("last")
		require.NoError(t, err)
		assert.Equal(t, "first", id)
	})
}

func TestTrimFront(t *testing.T) {
	tests := []struct {
		name  string
		in    []int
		limit int
		want  []int
	}{
		{"under limit", []int{1, 2}, 3, []int{1, 2}},
		{"at limit", []int{1, 2, 3}, 3, []int{1, 2, 3}},
		{"over limit keeps newest", []int{1, 2, 3, 4, 5}, 2, []int{4, 5}},
		{"zero limit is unbounded", []int{1, 2, 3}, 0, []int{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trimFront(tt.in, tt.limit))
		})
	}
}

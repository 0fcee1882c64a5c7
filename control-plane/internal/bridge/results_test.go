package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/actionsync/pkg/types"
)

func TestGetResultUnknown(t *testing.T) {
	b, _ := newTestBridge(t, DefaultConfig())

	_, _, err := b.GetResult("last", "x", false)
	assert.ErrorIs(t, err, ErrNoDevice)

	_, found, err := b.GetResult("ghost", "x", false)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, b.Status().Devices, "lookups must not register devices")
}

func TestWaitResultAlreadyStored(t *testing.T) {
	b, _ := newTestBridge(t, DefaultConfig())
	syncIDs(t, b, `{"device_id":"dev","results":[{"id":"r1","ok":true}]}`)

	entry, err := b.WaitResult(context.Background(), "last", "r1", time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, "r1", entry.ID)

	_, found, err := b.GetResult("dev", "r1", false)
	require.NoError(t, err)
	assert.False(t, found, "pop should remove the result")
}

func TestWaitResultWakesOnArrival(t *testing.T) {
	b, _ := newTestBridge(t, DefaultConfig())
	syncIDs(t, b, `{"device_id":"dev"}`)

	type outcome struct {
		entry types.ResultEntry
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		entry, err := b.WaitResult(context.Background(), "dev", "r1", 5*time.Second, false)
		done <- outcome{entry, err}
	}()

	// Unrelated results wake the waiter without satisfying it.
	time.Sleep(20 * time.Millisecond)
	syncIDs(t, b, `{"device_id":"dev","results":[{"id":"other","ok":true}]}`)
	syncIDs(t, b, `{"device_id":"dev","results":[{"id":"r1","ok":true,"data":{"v":2}}]}`)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		assert.Equal(t, "r1", got.entry.ID)
		assert.Equal(t, map[string]any{"v": float64(2)}, got.entry.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitResult did not return after the result arrived")
	}
}

func TestWaitResultTimeout(t *testing.T) {
	b, _ := newTestBridge(t, DefaultConfig())
	syncIDs(t, b, `{"device_id":"dev"}`)

	start := time.Now()
	_, err := b.WaitResult(context.Background(), "dev", "missing", 50*time.Millisecond, false)
	assert.ErrorIs(t, err, ErrResultTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWaitResultContextCancel(t *testing.T) {
	b, _ := newTestBridge(t, DefaultConfig())
	syncIDs(t, b, `{"device_id":"dev"}`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := b.WaitResult(ctx, "dev", "missing", 5*time.Second, false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitResultNoDevice(t *testing.T) {
	b, _ := newTestBridge(t, DefaultConfig())
	_, err := b.WaitResult(context.Background(), "", "x", time.Second, false)
	assert.ErrorIs(t, err, ErrNoDevice)
}

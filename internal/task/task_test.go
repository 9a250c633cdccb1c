package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanlab/go-instrument/logger"
)

func TestManagerStartStop(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var count atomic.Int32
	err := mgr.Start("counter", func() bool {
		count.Add(1)
		time.Sleep(time.Millisecond)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mgr.TaskCount())

	assert.Eventually(t, func() bool {
		return count.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	mgr.Stop()
	mgr.Wait()
	assert.Equal(t, 0, mgr.TaskCount())
}

func TestManagerTaskStopsItself(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var count atomic.Int32
	err := mgr.Start("oneshot", func() bool {
		count.Add(1)
		return false
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return mgr.TaskCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestManagerReuseAfterWait(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	require.NoError(t, mgr.Start("first", func() bool { return true }))
	mgr.Stop()
	mgr.Wait()

	// Wait re-arms the manager, so new tasks can start after a stop
	var ran atomic.Bool
	require.NoError(t, mgr.Start("second", func() bool {
		ran.Store(true)
		return false
	}))

	assert.Eventually(t, func() bool {
		return ran.Load()
	}, 2*time.Second, 10*time.Millisecond)

	mgr.Stop()
	mgr.Wait()
}

func TestManagerStartReceiver(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var cancelled atomic.Bool
	var bufLen atomic.Int32
	err := mgr.StartReceiver("recv", 128, func(readBuf []byte) bool {
		bufLen.Store(int32(len(readBuf)))
		return false
	}, func() {
		cancelled.Store(true)
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return cancelled.Load()
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(128), bufLen.Load())

	err = mgr.StartReceiver("badBuf", 0, func([]byte) bool { return false }, nil)
	assert.Error(t, err)
}

func TestManagerStartInterval(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())
	defer func() {
		mgr.Stop()
		mgr.Wait()
	}()

	var count atomic.Int32
	ticker, err := mgr.StartInterval("tick", func() bool {
		count.Add(1)
		return true
	}, 10*time.Millisecond, true)
	require.NoError(t, err)
	require.NotNil(t, ticker)

	assert.Eventually(t, func() bool {
		return count.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)

	// duplicate names are rejected for interval tasks
	_, err = mgr.StartInterval("tick", func() bool { return true }, 10*time.Millisecond, false)
	assert.Error(t, err)

	require.NoError(t, mgr.StopInterval("tick"))
	assert.Error(t, mgr.StopInterval("tick"))

	_, err = mgr.StartInterval("badInterval", func() bool { return true }, 0, false)
	assert.Error(t, err)
}

func TestManagerStartDelayed(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())
	defer func() {
		mgr.Stop()
		mgr.Wait()
	}()

	var fired atomic.Bool
	start := time.Now()
	err := mgr.StartDelayed("delayed", 50*time.Millisecond, func() {
		fired.Store(true)
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return fired.Load()
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestManagerStartDelayedCancelled(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	var fired atomic.Bool
	err := mgr.StartDelayed("delayed", time.Hour, func() {
		fired.Store(true)
	}, nil)
	require.NoError(t, err)

	mgr.Stop()
	mgr.Wait()

	assert.False(t, fired.Load())
}

func TestManagerStartDelayedPanic(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())
	defer func() {
		mgr.Stop()
		mgr.Wait()
	}()

	recoveredCh := make(chan any, 1)
	err := mgr.StartDelayed("panicky", time.Millisecond, func() {
		panic("task bug")
	}, func(recovered any) {
		recoveredCh <- recovered
	})
	require.NoError(t, err)

	select {
	case r := <-recoveredCh:
		assert.Equal(t, "task bug", r)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for panic recovery")
	}
}

func TestManagerStartAfterStop(t *testing.T) {
	mgr := NewManager(context.Background(), logger.GetLogger())

	mgr.Stop()

	err := mgr.Start("late", func() bool { return false })
	assert.Error(t, err)
}

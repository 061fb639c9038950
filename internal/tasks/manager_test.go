package tasks

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blockUntilDone(started chan<- struct{}) Task {
	return func(ctx context.Context) {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
	}
}

func TestRegister_RunsTask(t *testing.T) {
	m := NewManager(context.Background())
	defer m.CancelAll()

	started := make(chan struct{})
	require.NoError(t, m.Register("a", blockUntilDone(started)))
	<-started
	assert.True(t, m.IsActive("a"))
	assert.Equal(t, 1, m.Active())
}

func TestRegister_RejectsActiveName(t *testing.T) {
	m := NewManager(context.Background())
	defer m.CancelAll()

	require.NoError(t, m.Register("a", blockUntilDone(nil)))
	err := m.Register("a", blockUntilDone(nil))
	assert.ErrorIs(t, err, ErrTaskActive)
}

func TestRegister_ReusesFinishedName(t *testing.T) {
	m := NewManager(context.Background())
	defer m.CancelAll()

	done := make(chan struct{})
	require.NoError(t, m.Register("a", func(ctx context.Context) { close(done) }))
	<-done
	assert.Eventually(t, func() bool { return !m.IsActive("a") }, time.Second, time.Millisecond)

	require.NoError(t, m.Register("a", blockUntilDone(nil)))
}

func TestReplace_CancelsPrevious(t *testing.T) {
	m := NewManager(context.Background())
	defer m.CancelAll()

	var cancelled atomic.Bool
	started := make(chan struct{})
	require.NoError(t, m.Register("a", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}))
	<-started

	require.NoError(t, m.Replace("a", blockUntilDone(nil)))
	assert.Eventually(t, cancelled.Load, time.Second, time.Millisecond)
	assert.True(t, m.IsActive("a"))
}

func TestCancel(t *testing.T) {
	m := NewManager(context.Background())
	defer m.CancelAll()

	require.NoError(t, m.Register("a", blockUntilDone(nil)))
	assert.True(t, m.Cancel("a"))
	assert.False(t, m.IsActive("a"))
	assert.False(t, m.Cancel("a"), "second cancel finds nothing")
	assert.False(t, m.Cancel("unknown"))
}

func TestCancelAll_WaitsAndCloses(t *testing.T) {
	m := NewManager(context.Background())

	var stopped atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, m.Register(name, func(ctx context.Context) {
			<-ctx.Done()
			stopped.Add(1)
		}))
	}

	m.CancelAll()
	assert.Equal(t, int32(3), stopped.Load())
	assert.Zero(t, m.Active())
	assert.ErrorIs(t, m.Register("d", blockUntilDone(nil)), ErrClosed)
	assert.ErrorIs(t, m.Replace("d", blockUntilDone(nil)), ErrClosed)
}

func TestParentCancellationStopsTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(ctx)
	defer m.CancelAll()

	require.NoError(t, m.Register("a", blockUntilDone(nil)))
	cancel()
	assert.Eventually(t, func() bool { return !m.IsActive("a") }, time.Second, time.Millisecond)
}

func TestCleanupSweepsFinishedTasks(t *testing.T) {
	m := NewManager(context.Background())
	defer m.CancelAll()

	for i := 0; i <= cleanupFrequency+1; i++ {
		done := make(chan struct{})
		name := fmt.Sprintf("t%d", i)
		require.NoError(t, m.Register(name, func(ctx context.Context) { close(done) }))
		<-done
		require.Eventually(t, func() bool { return !m.IsActive(name) }, time.Second, time.Millisecond)
	}

	m.mu.Lock()
	n := len(m.tasks)
	m.mu.Unlock()
	assert.Less(t, n, cleanupFrequency, "finished tasks are swept")
}

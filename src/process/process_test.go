package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSuccess(t *testing.T) {
	result, err := New().Run(context.Background(), "", nil, 10*time.Second, []string{"true"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.TimedOut)
}

func TestRunNonZeroExit(t *testing.T) {
	result, err := New().Run(context.Background(), "", nil, 10*time.Second, []string{"false"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	result, err := New().Run(context.Background(), "", nil, 10*time.Millisecond, []string{"sleep", "10"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, result.TimedOut)
}

func TestRunCapturesOutput(t *testing.T) {
	result, err := New().Run(context.Background(), "", nil, 10*time.Second, []string{"sh", "-c", "echo hello"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(result.Stdout))
}

func TestRunContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result, err := New().Run(ctx, "", nil, 10*time.Second, []string{"sleep", "10"}, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, 0, result.ExitCode)
	assert.True(t, result.Cancelled)
	assert.False(t, result.TimedOut)
}

func TestKillAllStopsOutstandingProcesses(t *testing.T) {
	e := New()
	done := make(chan *Result, 1)
	go func() {
		r, _ := e.Run(context.Background(), "", nil, 10*time.Second, []string{"sleep", "10"}, nil, nil)
		done <- r
	}()
	time.Sleep(20 * time.Millisecond)
	e.KillAll()
	select {
	case r := <-done:
		assert.NotEqual(t, 0, r.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("process was not killed within timeout")
	}
}

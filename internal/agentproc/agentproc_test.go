package agentproc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawn_CompletesSuccessfully(t *testing.T) {
	h, err := Spawn(context.Background(), "agent-1", SpawnConfig{
		Command: "sh",
		Args:    []string{"-c", "echo hello; exit 0"},
	})
	require.NoError(t, err)

	res := h.Wait()
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
}

func TestSpawn_CapturesStdoutLines(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	h, err := Spawn(context.Background(), "agent-1", SpawnConfig{
		Command: "sh",
		Args:    []string{"-c", "echo one; echo two"},
		OnStdoutLine: func(line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, line)
		},
	})
	require.NoError(t, err)
	h.Wait()
	h.WaitReaders()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestSpawn_NonZeroExitIsFailed(t *testing.T) {
	h, err := Spawn(context.Background(), "agent-1", SpawnConfig{
		Command: "sh",
		Args:    []string{"-c", "exit 7"},
	})
	require.NoError(t, err)

	res := h.Wait()
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, 7, res.ExitCode)
}

func TestSpawn_Timeout(t *testing.T) {
	h, err := Spawn(context.Background(), "agent-1", SpawnConfig{
		Command:     "sh",
		Args:        []string{"-c", "sleep 30"},
		Timeout:     50 * time.Millisecond,
		GracePeriod: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	res := h.Wait()
	assert.Equal(t, OutcomeTimeout, res.Outcome)
}

func TestTerminate_StopsRunningProcess(t *testing.T) {
	h, err := Spawn(context.Background(), "agent-1", SpawnConfig{
		Command: "sh",
		Args:    []string{"-c", "sleep 30"},
	})
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- h.Wait() }()

	h.Terminate(20 * time.Millisecond)

	select {
	case res := <-done:
		assert.Equal(t, OutcomeKilled, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("process was not terminated in time")
	}
}

func TestTerminate_IgnoresProcessThatSelfTraps(t *testing.T) {
	// A child that ignores SIGTERM still must be tagged OutcomeKilled once
	// SIGKILL lands, not OutcomeFailed, since Terminate flagged it before
	// either signal was sent.
	h, err := Spawn(context.Background(), "agent-1", SpawnConfig{
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; sleep 30"},
	})
	require.NoError(t, err)

	done := make(chan Result, 1)
	go func() { done <- h.Wait() }()

	h.Terminate(20 * time.Millisecond)

	select {
	case res := <-done:
		assert.Equal(t, OutcomeKilled, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("process was not terminated in time")
	}
}

func TestMatchesRateLimit(t *testing.T) {
	cases := map[string]bool{
		"Error: rate limit exceeded":       true,
		"HTTP 429 Too Many Requests":       true,
		"model is currently overloaded":    true,
		"daily usage limit reached":        true,
		"connection refused":               false,
	}
	for text, want := range cases {
		assert.Equal(t, want, MatchesRateLimit(text), text)
	}
}

func TestIsAlive_CurrentProcessIsAlive(t *testing.T) {
	h, err := Spawn(context.Background(), "agent-1", SpawnConfig{
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
	})
	require.NoError(t, err)
	defer h.Terminate(0)

	assert.True(t, IsAlive(h.Pid))
}

func TestIsAlive_DeadPidIsNotAlive(t *testing.T) {
	h, err := Spawn(context.Background(), "agent-1", SpawnConfig{
		Command: "sh",
		Args:    []string{"-c", "exit 0"},
	})
	require.NoError(t, err)
	h.Wait()
	h.WaitReaders()
	time.Sleep(20 * time.Millisecond)

	assert.False(t, IsAlive(h.Pid))
}

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), NoRetry{}, AlwaysRetry, func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	policy := FixedInterval{Interval: time.Millisecond, MaxAttempts: 5}
	calls := 0
	err := Do(context.Background(), policy, AlwaysRetry, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	policy := FixedInterval{Interval: time.Millisecond, MaxAttempts: 3}
	calls := 0
	wantErr := errors.New("boom")
	err := Do(context.Background(), policy, AlwaysRetry, func(context.Context) error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 3, calls)
}

func TestDoDoesNotRetryUnclassifiedErrors(t *testing.T) {
	policy := ExponentialBackoff{Base: time.Millisecond, Cap: time.Second, MaxAttempts: 5}
	calls := 0
	wantErr := errors.New("validation error")
	classify := func(err error) bool { return false }
	err := Do(context.Background(), policy, classify, func(context.Context) error {
		calls++
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
	require.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	policy := FixedInterval{Interval: 50 * time.Millisecond, MaxAttempts: 10}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, policy, AlwaysRetry, func(context.Context) error {
		calls++
		return errors.New("transient")
	})
	require.Error(t, err)
	require.Less(t, calls, 10)
}

func TestExponentialBackoffCapsDelay(t *testing.T) {
	p := ExponentialBackoff{Base: time.Second, Cap: 2 * time.Second, MaxAttempts: 10}
	d, ok := p.NextDelay(5)
	require.True(t, ok)
	require.LessOrEqual(t, d, 2*time.Second)
}

func TestBuildJSONRepairPrompt(t *testing.T) {
	prompt := BuildJSONRepairPrompt("unexpected token", `{"answer":"ok"}`, `{"answer":"string"}`)
	require.Contains(t, prompt, "unexpected token")
	require.Contains(t, prompt, `{"answer":"ok"}`)
	require.Contains(t, prompt, "Schema:")
}

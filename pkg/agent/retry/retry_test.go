// Copyright 2024-2026 Aiku AI

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 5, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicyDelayUncapped(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 4*time.Second, FileProbe.Delay(3))
}

func TestPolicyDoStopsOnSuccess(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	err := p.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestPolicyDoExhausted(t *testing.T) {
	t.Parallel()
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}
	cause := errors.New("missing")
	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, calls)
}

func TestPolicyDoCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 2}
	calls := 0
	err := p.Do(ctx, func(int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestFailureWindowCompounds(t *testing.T) {
	t.Parallel()
	w := NewFailureWindow(0)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	unit := 10 * time.Second

	assert.Equal(t, 1, w.Record(start))
	assert.Equal(t, 2, w.Record(start.Add(time.Minute)))
	third := w.Record(start.Add(2 * time.Minute))
	assert.Equal(t, 3, third)
	assert.Equal(t, 3*unit, Backoff(unit, third))

	// Ten minutes after the last failure the count starts over.
	assert.Equal(t, 1, w.Record(start.Add(12*time.Minute)))
	assert.Equal(t, 1, w.Count())
}

func TestFailureWindowBoundary(t *testing.T) {
	t.Parallel()
	w := NewFailureWindow(5 * time.Minute)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Record(start)
	assert.Equal(t, 2, w.Record(start.Add(5*time.Minute)))
	assert.Equal(t, 1, w.Record(start.Add(10*time.Minute+time.Second)))
}

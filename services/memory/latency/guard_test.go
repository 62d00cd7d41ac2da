// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package latency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunPrimarySucceeds(t *testing.T) {
	g := &Guard{Budget: time.Second, Mode: ModeSoft}
	got, out := Run(g, context.Background(),
		func(ctx context.Context) (int, error) { return 42, nil },
		func() int { return -1 },
	)
	assert.Equal(t, 42, got)
	assert.False(t, out.FellBack)
	assert.Empty(t, out.Reason)
}

func TestRunPrimaryError(t *testing.T) {
	g := &Guard{Budget: time.Second}
	got, out := Run(g, context.Background(),
		func(ctx context.Context) ([]int, error) { return nil, errors.New("scorer unavailable") },
		func() []int { return []int{1, 2} },
	)
	assert.Equal(t, []int{1, 2}, got)
	assert.True(t, out.FellBack)
	assert.Equal(t, "error", out.Reason)
}

func TestRunPrimaryPanics(t *testing.T) {
	g := &Guard{Budget: time.Second}
	got, out := Run(g, context.Background(),
		func(ctx context.Context) (string, error) { panic("index out of range") },
		func() string { return "fallback" },
	)
	assert.Equal(t, "fallback", got)
	assert.True(t, out.FellBack)
	assert.Equal(t, "panic", out.Reason)
}

func TestSoftBudgetExceeded(t *testing.T) {
	g := &Guard{Budget: 5 * time.Millisecond, Mode: ModeSoft}
	got, out := Run(g, context.Background(),
		func(ctx context.Context) (int, error) {
			time.Sleep(30 * time.Millisecond)
			return 7, nil
		},
		func() int { return 0 },
	)
	// Soft mode lets the primary finish, then discards the late result.
	assert.Equal(t, 0, got)
	assert.True(t, out.FellBack)
	assert.Equal(t, "timeout", out.Reason)
	assert.GreaterOrEqual(t, out.Elapsed, 30*time.Millisecond)
}

func TestHardDeadlineCancelsPrimary(t *testing.T) {
	cancelled := make(chan struct{})
	g := &Guard{Budget: 10 * time.Millisecond, Mode: ModeHard}
	got, out := Run(g, context.Background(),
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			close(cancelled)
			return 0, ctx.Err()
		},
		func() int { return 99 },
	)
	assert.Equal(t, 99, got)
	assert.True(t, out.FellBack)
	assert.Equal(t, "timeout", out.Reason)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("primary never observed cancellation")
	}
}

func TestHardPanicInGoroutine(t *testing.T) {
	g := &Guard{Budget: time.Second, Mode: ModeHard}
	got, out := Run(g, context.Background(),
		func(ctx context.Context) (int, error) { panic("boom") },
		func() int { return 5 },
	)
	assert.Equal(t, 5, got)
	require.True(t, out.FellBack)
	assert.Equal(t, "panic", out.Reason)
}

func TestZeroBudgetNeverTimesOut(t *testing.T) {
	g := &Guard{}
	got, out := Run(g, context.Background(),
		func(ctx context.Context) (int, error) {
			time.Sleep(10 * time.Millisecond)
			return 1, nil
		},
		func() int { return 0 },
	)
	assert.Equal(t, 1, got)
	assert.False(t, out.FellBack)
}

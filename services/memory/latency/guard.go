// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package latency bounds the cost of expensive memory operations.
//
// A Guard wraps a primary computation with a time budget and a cheap
// fallback. In soft mode the primary always runs to completion and the
// budget only decides whether its result is trusted; in hard mode the
// primary is cancelled at the deadline and its late result discarded.
// Either way the wrapped call is total: panics and errors in the primary
// degrade to the fallback instead of propagating.
package latency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finitemem/finitemem/pkg/logging"
)

// Mode selects how the budget is enforced.
type Mode int

const (
	// ModeSoft runs the primary to completion and falls back only when
	// the measured elapsed time exceeded the budget.
	ModeSoft Mode = iota

	// ModeHard cancels the primary at the deadline via its context and
	// uses the fallback immediately.
	ModeHard
)

func (m Mode) String() string {
	switch m {
	case ModeSoft:
		return "soft"
	case ModeHard:
		return "hard"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Guard enforces a latency budget around a primary computation.
// A zero-value Guard has no budget and never falls back on time.
type Guard struct {
	// Budget is the time allowed for the primary. Zero disables the
	// time check; panics and errors still degrade to the fallback.
	Budget time.Duration

	// Mode selects soft or hard enforcement.
	Mode Mode

	// Logger records fallback events. Nil discards them.
	Logger *logging.Logger
}

// Outcome describes one guarded run.
type Outcome struct {
	// Elapsed is the wall time the primary consumed before returning,
	// panicking, or being cancelled.
	Elapsed time.Duration

	// FellBack reports whether the fallback's result was used.
	FellBack bool

	// Reason explains a fallback: "timeout", "error", or "panic".
	// Empty when the primary's result was used.
	Reason string
}

// Run executes primary under the guard's budget, substituting fallback's
// result when the primary times out, errors, or panics.
//
// Thread Safety: Run is safe for concurrent use; the Guard itself holds
// no mutable state.
func Run[T any](g *Guard, ctx context.Context, primary func(context.Context) (T, error), fallback func() T) (T, Outcome) {
	start := time.Now()

	var (
		result T
		err    error
	)

	switch {
	case g.Mode == ModeHard && g.Budget > 0:
		result, err = runHard(g, ctx, primary)
	default:
		result, err = runSoft(ctx, primary)
	}

	out := Outcome{Elapsed: time.Since(start)}

	switch {
	case err != nil:
		out.FellBack = true
		out.Reason = classify(err)
	case g.Mode == ModeSoft && g.Budget > 0 && out.Elapsed > g.Budget:
		out.FellBack = true
		out.Reason = "timeout"
	}

	if out.FellBack {
		g.log(out, err)
		return fallback(), out
	}
	return result, out
}

// runSoft invokes the primary inline, converting panics to errors.
func runSoft[T any](ctx context.Context, primary func(context.Context) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return primary(ctx)
}

// runHard invokes the primary in a goroutine under a deadline context.
// On timeout the goroutine is abandoned; its eventual result is
// discarded through the buffered channel.
func runHard[T any](g *Guard, ctx context.Context, primary func(context.Context) (T, error)) (T, error) {
	type reply struct {
		value T
		err   error
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, g.Budget)
	defer cancel()

	ch := make(chan reply, 1)
	go func() {
		var rep reply
		defer func() {
			if r := recover(); r != nil {
				rep.err = fmt.Errorf("%w: %v", errPanic, r)
			}
			ch <- rep
		}()
		rep.value, rep.err = primary(deadlineCtx)
	}()

	select {
	case rep := <-ch:
		return rep.value, rep.err
	case <-deadlineCtx.Done():
		var zero T
		return zero, deadlineCtx.Err()
	}
}

var errPanic = errors.New("panic in guarded call")

func classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, errPanic):
		return "panic"
	default:
		return "error"
	}
}

func (g *Guard) log(out Outcome, err error) {
	if g.Logger == nil {
		return
	}
	g.Logger.Warn("latency guard fallback",
		"mode", g.Mode.String(),
		"reason", out.Reason,
		"elapsed_ms", out.Elapsed.Milliseconds(),
		"budget_ms", g.Budget.Milliseconds(),
		"error", errString(err),
	)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

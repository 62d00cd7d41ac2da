// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrSessionClosed is returned for submissions after Close.
var ErrSessionClosed = errors.New("engine: session closed")

const defaultQueueDepth = 16

// Future resolves to one turn's result.
type Future struct {
	done chan struct{}
	res  *TurnResult
	err  error
}

// Wait blocks until the turn completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*TurnResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type turnRequest struct {
	message string
	future  *Future
}

// Session runs an Engine behind a single worker goroutine so that
// callers from many goroutines get strict turn ordering: turns
// complete in submission order.
//
// Thread Safety: Submit and Close are safe for concurrent use.
type Session struct {
	eng      *Engine
	requests chan turnRequest
	group    *errgroup.Group
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewSession starts the worker for eng.
func NewSession(eng *Engine) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		eng:      eng,
		requests: make(chan turnRequest, defaultQueueDepth),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.group, _ = errgroup.WithContext(ctx)
	s.group.Go(s.run)
	return s
}

func (s *Session) run() error {
	for {
		select {
		case req, ok := <-s.requests:
			if !ok {
				return nil
			}
			req.future.res, req.future.err = s.eng.Chat(s.ctx, req.message)
			close(req.future.done)
		case <-s.ctx.Done():
			s.drain()
			return nil
		}
	}
}

// drain fails queued requests after cancellation.
func (s *Session) drain() {
	for {
		select {
		case req, ok := <-s.requests:
			if !ok {
				return
			}
			req.future.err = ErrSessionClosed
			close(req.future.done)
		default:
			return
		}
	}
}

// Submit enqueues one turn and returns its Future. The call blocks
// when the queue is full. Holding the lock across the send means no
// request can slip in after Close marks the session closed.
func (s *Session) Submit(ctx context.Context, message string) (*Future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	f := &Future{done: make(chan struct{})}
	select {
	case s.requests <- turnRequest{message: message, future: f}:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Engine exposes the wrapped engine for reads (stats, history).
func (s *Session) Engine() *Engine { return s.eng }

// Close stops the worker after in-flight turns finish. Queued but
// unstarted turns fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.group.Wait()
	s.drain()
	return err
}

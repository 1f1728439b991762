// Copyright 2024 The binfeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package stopper contains a utility class for gracefully terminating
// long-running worker goroutines.
package stopper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// A Context manages a collection of worker goroutines that should stop
// together. It implements [context.Context] so that it fits into
// idiomatic context-plumbing.
//
// Stopping is a two-part signal: the Stopping channel is closed first,
// so that workers blocked at a suspension point (queue push or pop,
// timer wait) can drain or abandon their work, and the underlying
// context is canceled so that blocking network reads return promptly.
// Workers must observe Stopping before admitting new work.
//
// The first error returned by any worker stops the remaining workers
// and is reported from Wait.
type Context struct {
	cancel   context.CancelFunc
	delegate context.Context
	stopping chan struct{}
	stopFlag atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu struct {
		sync.Mutex
		err error
	}
}

var _ context.Context = (*Context)(nil)

// WithContext creates a new Context whose workers will be immediately
// canceled when the parent context is canceled.
func WithContext(ctx context.Context) *Context {
	ctx, cancel := context.WithCancel(ctx)
	s := &Context{
		cancel:   cancel,
		delegate: ctx,
		stopping: make(chan struct{}),
	}
	// A parent cancellation counts as a stop request, so that all
	// notification channels are eventually closed.
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s
}

// Go runs the given function in a new goroutine. If the function
// returns an error, the Context is stopped and the error will be
// reported from Wait.
func (s *Context) Go(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.mu.Lock()
			if s.mu.err == nil {
				s.mu.err = err
			}
			s.mu.Unlock()
			s.Stop()
		}
	}()
}

// Stop requests a graceful shutdown. It is safe to call from any
// goroutine, more than once.
func (s *Context) Stop() {
	s.stopOnce.Do(func() {
		s.stopFlag.Store(true)
		close(s.stopping)
		s.cancel()
	})
}

// IsStopping returns true once Stop has been called. Workers read this
// flag before admitting new work or attempting a reconnect.
func (s *Context) IsStopping() bool {
	return s.stopFlag.Load()
}

// Stopping returns a channel that is closed when a graceful shutdown
// has been requested.
func (s *Context) Stopping() <-chan struct{} {
	return s.stopping
}

// Wait blocks until all workers started by Go have exited and returns
// the first error reported by any of them.
func (s *Context) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mu.err
}

// Deadline implements context.Context.
func (s *Context) Deadline() (time.Time, bool) { return s.delegate.Deadline() }

// Done implements context.Context.
func (s *Context) Done() <-chan struct{} { return s.delegate.Done() }

// Err implements context.Context.
func (s *Context) Err() error { return s.delegate.Err() }

// Value implements context.Context.
func (s *Context) Value(key any) any { return s.delegate.Value(key) }

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

package mybinlog

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/binfeed/binfeed/internal/schemawatch"
	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/binpos"
	"github.com/binfeed/binfeed/internal/util/stopper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// State describes the lifecycle of a Stream.
type State int32

// The lifecycle is Created, Starting, then Running, bouncing through
// Reconnecting whenever the feed breaks, and finally Stopped.
const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "invalid"
	}
}

// sourceFn reads raw events into ch until the connection breaks or the
// stopper fires. Tests substitute their own implementation.
type sourceFn func(ctx *stopper.Context, ch chan<- message, from binpos.Position, dialTimeout time.Duration) error

// A Stream produces an ordered, at-least-once feed of change records
// from the source's binary log. The pipeline is staged: a reader copies
// wire events into a bounded queue, a grouping stage assembles them
// into committed transactions, and a conversion stage resolves schemas
// and emits records. Each stage preserves the order of its input.
type Stream struct {
	cfg     *Config
	watcher *schemawatch.Watcher
	db      sourceConn
	out     chan types.Record
	stop    *stopper.Context
	state   atomic.Int32
	source  sourceFn

	startOnce sync.Once
	done      chan struct{}
	finalErr  error

	point struct {
		sync.Mutex
		pos binpos.Position
	}
}

// Open validates the configuration and the resume position against the
// source, returning a Stream ready to Start. An out-of-bounds position
// is rejected here, before any replication traffic, since resuming
// from an invalid offset would silently corrupt the feed.
func Open(ctx context.Context, cfg *Config, from binpos.Position) (*Stream, error) {
	if err := cfg.Preflight(); err != nil {
		return nil, err
	}
	return open(ctx, cfg, from, func() (sourceConn, error) {
		return dialSource(cfg)
	})
}

func open(
	ctx context.Context, cfg *Config, from binpos.Position, dial func() (sourceConn, error),
) (*Stream, error) {
	db, err := dial()
	if err != nil {
		return nil, err
	}
	retained, err := db.RetainedLogs(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if !binpos.Valid(from, retained) {
		_ = db.Close()
		return nil, errors.Errorf(
			"position %s is not within the source's retained binary logs", from)
	}
	s := newStream(ctx, cfg, db, from)
	s.source = s.readInto
	return s, nil
}

func newStream(
	ctx context.Context, cfg *Config, db sourceConn, from binpos.Position,
) *Stream {
	s := &Stream{
		cfg:     cfg,
		watcher: schemawatch.New(db, cfg.SchemaBackoffMax, cfg.SchemaRetryTimeout),
		db:      db,
		out:     make(chan types.Record, cfg.OutputBuffer),
		stop:    stopper.WithContext(ctx),
		done:    make(chan struct{}),
	}
	s.point.pos = from
	return s
}

// Start launches the pipeline. It may be called once; later calls are
// no-ops.
func (s *Stream) Start() {
	s.startOnce.Do(func() {
		s.setState(StateStarting)
		raw := make(chan message, s.cfg.EventBuffer)
		grouped := make(chan message, s.cfg.EventBuffer)

		s.stop.Go(func() error { return s.runSource(raw) })
		s.stop.Go(func() error { return s.groupTransactions(raw, grouped) })
		s.stop.Go(func() error { return s.emitRecords(grouped) })

		go func() {
			err := s.stop.Wait()
			if cErr := s.db.Close(); cErr != nil {
				log.WithError(cErr).Warn("could not close source connection")
			}
			s.finalErr = err
			s.setState(StateStopped)
			close(s.done)
		}()
	})
}

// runSource drives the reader, reconnecting whenever the feed breaks.
// The first attempt uses the dial timeout; later attempts wait out the
// keepalive interval and are bounded by the keepalive timeout. A
// rollback sentinel is injected before each reconnect so that a
// partially received transaction is never delivered.
func (s *Stream) runSource(raw chan<- message) error {
	defer close(raw)
	timeout := s.cfg.DialTimeout
	for {
		err := s.source(s.stop, raw, s.Position(), timeout)
		if s.stop.IsStopping() {
			return nil
		}
		if err == nil {
			// The reader only returns nil on a stop request.
			return nil
		}
		log.WithError(err).WithField("position", s.Position()).Warn(
			"replication feed interrupted; will reconnect")
		select {
		case raw <- msgRollback:
		case <-s.stop.Stopping():
			return nil
		}
		s.setState(StateReconnecting)
		reconnectCount.Inc()
		select {
		case <-time.After(s.cfg.KeepaliveInterval):
		case <-s.stop.Stopping():
			return nil
		}
		timeout = s.cfg.KeepaliveTimeout
	}
}

// groupTransactions assembles raw messages into committed transaction
// groups. Rolled-back transactions are discarded whole; schema changes
// pass through in their arrival order relative to surrounding commits.
func (s *Stream) groupTransactions(raw <-chan message, out chan<- message) error {
	defer close(out)
	var pending []*rowBatch
	for msg := range raw {
		if isRollback(msg) {
			pending = nil
			continue
		}
		switch m := msg.(type) {
		case beginTx:
			pending = nil

		case *rowBatch:
			// Coalesce with the previous batch when the table and
			// operation line up, preserving row order.
			if n := len(pending); n > 0 &&
				pending[n-1].table == m.table && pending[n-1].op == m.op {
				pending[n-1].rows = append(pending[n-1].rows, m.rows...)
			} else {
				pending = append(pending, m)
			}

		case commitTx:
			group := &txGroup{batches: pending, pos: m.pos}
			pending = nil
			select {
			case out <- group:
			case <-s.stop.Stopping():
				return nil
			}

		case rollbackTx:
			pending = nil

		case schemaChange:
			select {
			case out <- m:
			case <-s.stop.Stopping():
				return nil
			}

		default:
			return errors.Errorf("unexpected message type %T", msg)
		}
	}
	return nil
}

// emitRecords resolves schemas, converts transaction groups to records,
// and pushes them to the output queue. The push blocks when the queue
// is full; backpressure propagates through the bounded stage channels
// back to the reader.
func (s *Stream) emitRecords(grouped <-chan message) error {
	defer close(s.out)
	for msg := range grouped {
		switch m := msg.(type) {
		case schemaChange:
			// Invalidation happens here, not when the DDL event was
			// read, so that row images already queued ahead of the DDL
			// are converted under the layout they were written with.
			s.watcher.Invalidate(m.table)
			log.WithField("table", m.table).Info("schema change observed")

		case *txGroup:
			for _, batch := range m.batches {
				key, ok := s.cfg.keyFor(batch.table)
				if !ok {
					return errors.Errorf(
						"no key function configured for table %s", batch.table)
				}
				cols, err := s.watcher.Get(s.stop, batch.table)
				if err != nil {
					// A stop request cancels an in-flight load; that is
					// a clean shutdown, not a stream failure.
					if s.stop.IsStopping() {
						return nil
					}
					return errors.Wrapf(err, "could not resolve schema for %s", batch.table)
				}
				recs, err := convertBatch(cols, key, batch)
				if err != nil {
					return err
				}
				for _, rec := range recs {
					select {
					case s.out <- rec:
					case <-s.stop.Stopping():
						return nil
					}
				}
			}
			s.advanceTo(m.pos)

		default:
			return errors.Errorf("unexpected message type %T", msg)
		}
	}
	return nil
}

// Records returns the output queue. It is closed once the stream has
// drained after a stop request or a fatal error; callers then consult
// Err.
func (s *Stream) Records() <-chan types.Record {
	return s.out
}

// Position returns the most recent committed position, i.e. the point
// to resume from after a restart. Records drawn from the queue after
// reading the position may replay, never skip.
func (s *Stream) Position() binpos.Position {
	s.point.Lock()
	defer s.point.Unlock()
	return s.point.pos
}

func (s *Stream) advanceTo(pos binpos.Position) {
	s.point.Lock()
	defer s.point.Unlock()
	if s.point.pos.Less(pos) {
		s.point.pos = pos
	}
}

// Stop requests a graceful shutdown: no new transactions are admitted,
// in-flight records drain to the output queue, and the queue is closed.
func (s *Stream) Stop() {
	// A stream that was never started still stops cleanly.
	s.startOnce.Do(func() {
		_ = s.db.Close()
		s.setState(StateStopped)
		close(s.done)
	})
	s.stop.Stop()
}

// Done returns a channel closed once all pipeline stages have exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err reports the fatal error that terminated the stream, if any. It
// returns nil until Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.finalErr
	default:
		return nil
	}
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

func (s *Stream) setState(next State) {
	// Stopped is terminal; a late reconnect must not resurrect it.
	for {
		cur := s.state.Load()
		if State(cur) == StateStopped && next != StateStopped {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

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
	"strings"
	"time"

	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/binpos"
	"github.com/binfeed/binfeed/internal/util/stopper"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// An eventMapper turns wire-level binlog events into pipeline
// messages, in arrival order. It tracks file rotation so that commit
// markers carry a complete file+offset position.
type eventMapper struct {
	file      string
	only      map[types.Table]bool
	warnLimit *rate.Limiter
}

func newEventMapper(from binpos.Position, only map[types.Table]bool) *eventMapper {
	return &eventMapper{
		file: from.File,
		only: only,
		// Unsupported events tend to arrive in bursts.
		warnLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// next maps one wire event to zero or more pipeline messages.
func (m *eventMapper) next(ev *replication.BinlogEvent) ([]message, error) {
	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		m.file = string(e.NextLogName)
		return nil, nil

	case *replication.FormatDescriptionEvent:
		// Sent when the connection is established.
		if e.Version != 4 {
			return nil, errors.Errorf("unexpected binlog version %d", e.Version)
		}
		log.Infof("connected to MySQL version %s",
			strings.Trim(string(e.ServerVersion), "\x00"))
		return nil, nil

	case *replication.QueryEvent:
		return m.onQuery(ev.Header, e)

	case *replication.XIDEvent:
		return []message{commitTx{pos: m.positionAt(ev.Header)}}, nil

	case *replication.RowsEvent:
		return m.onRows(ev.Header, e)

	case *replication.TableMapEvent,
		*replication.GTIDEvent,
		*replication.PreviousGTIDsEvent,
		*replication.GenericEvent:
		// Bookkeeping; not surfaced downstream.
		return nil, nil

	default:
		if m.warnLimit.Allow() {
			log.Warnf("dropping unsupported replication event %T", ev.Event)
		}
		return nil, nil
	}
}

func (m *eventMapper) onQuery(
	h *replication.EventHeader, e *replication.QueryEvent,
) ([]message, error) {
	query := strings.TrimSpace(string(e.Query))
	switch strings.ToUpper(query) {
	case "BEGIN":
		return []message{beginTx{}}, nil
	case "COMMIT":
		return []message{commitTx{pos: m.positionAt(h)}}, nil
	case "ROLLBACK":
		return []message{rollbackTx{}}, nil
	}

	table, ok := parseDDLTarget(query, string(e.Schema))
	if !ok {
		// Statements against other schema objects (views, triggers,
		// grants) do not affect row decoding.
		log.Tracef("ignoring query event: %s", query)
		return nil, nil
	}
	if m.skip(table) {
		return nil, nil
	}
	// DDL is implicitly committed; the commit marker advances the
	// resume position past the statement.
	return []message{
		schemaChange{table: table},
		commitTx{pos: m.positionAt(h)},
	}, nil
}

func (m *eventMapper) onRows(
	h *replication.EventHeader, e *replication.RowsEvent,
) ([]message, error) {
	table := types.NewTable(string(e.Table.Schema), string(e.Table.Table))
	if m.skip(table) {
		return nil, nil
	}
	var op mutationType
	switch h.EventType {
	case replication.WRITE_ROWS_EVENTv0,
		replication.WRITE_ROWS_EVENTv1,
		replication.WRITE_ROWS_EVENTv2:
		op = insertMutation
	case replication.UPDATE_ROWS_EVENTv0,
		replication.UPDATE_ROWS_EVENTv1,
		replication.UPDATE_ROWS_EVENTv2:
		op = updateMutation
	case replication.DELETE_ROWS_EVENTv0,
		replication.DELETE_ROWS_EVENTv1,
		replication.DELETE_ROWS_EVENTv2:
		op = deleteMutation
	default:
		return nil, errors.Errorf("rows event with unsupported type %s", h.EventType)
	}
	return []message{&rowBatch{table: table, op: op, rows: e.Rows}}, nil
}

func (m *eventMapper) positionAt(h *replication.EventHeader) binpos.Position {
	return binpos.Position{File: m.file, Offset: h.LogPos}
}

func (m *eventMapper) skip(table types.Table) bool {
	return m.only != nil && !m.only[table]
}

// readInto opens a replication connection at the given position and
// copies raw events into ch until the connection breaks or a stop is
// requested. A nil return always means a stop was observed.
func (s *Stream) readInto(
	ctx *stopper.Context, ch chan<- message, from binpos.Position, dialTimeout time.Duration,
) error {
	syncer := replication.NewBinlogSyncer(s.cfg.binlogSyncerConfig())
	defer syncer.Close()

	streamer, err := startSync(syncer, from, dialTimeout)
	if err != nil {
		dialFailureCount.Inc()
		return err
	}
	dialSuccessCount.Inc()
	s.setState(StateRunning)
	log.WithField("position", from).Info("replication feed established")

	mapper := newEventMapper(from, s.cfg.filter())
	for {
		if ctx.IsStopping() {
			return nil
		}
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			if ctx.IsStopping() {
				return nil
			}
			return errors.WithStack(err)
		}
		msgs, err := mapper.next(ev)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			select {
			case ch <- msg:
			case <-ctx.Stopping():
				return nil
			}
		}
	}
}

// startSync bounds the connection attempt, since the syncer dials as
// part of starting the sync.
func startSync(
	syncer *replication.BinlogSyncer, from binpos.Position, timeout time.Duration,
) (*replication.BinlogStreamer, error) {
	type result struct {
		streamer *replication.BinlogStreamer
		err      error
	}
	ch := make(chan result, 1)
	go func() {
		streamer, err := syncer.StartSync(mysql.Position{Name: from.File, Pos: from.Offset})
		ch <- result{streamer, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.streamer, errors.WithStack(r.err)
	case <-timer.C:
		syncer.Close()
		return nil, errors.Errorf("replication connection timed out after %s", timeout)
	}
}

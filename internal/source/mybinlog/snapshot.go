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

	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/binpos"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// A Snapshot is one consistent read of a set of tables, paired with the
// binlog position the read is consistent with. Replaying the log from
// Position after consuming Records yields an at-least-once feed with no
// gap between snapshot and stream.
type Snapshot struct {
	pos  binpos.Position
	out  chan types.Record
	done chan struct{}
	err  error
}

// Position returns the binlog position captured before any rows were
// read. It is the resume point to hand to Open.
func (s *Snapshot) Position() binpos.Position {
	return s.pos
}

// Records returns the snapshot rows as upserts, grouped by table in the
// order the tables were requested.
func (s *Snapshot) Records() <-chan types.Record {
	return s.out
}

// Err reports whether the snapshot completed. It must be consulted
// after Records closes; a partial snapshot must be discarded.
func (s *Snapshot) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// LoadTables captures a consistent snapshot of the given tables.
//
// The load takes a global read lock only long enough to record the
// binlog position and open the snapshot transactions; row streaming
// happens afterward, in parallel, against REPEATABLE READ transactions
// opened under the lock. The position is recorded before any row is
// read, so every change committed after it is replayed by the log.
//
// Any single table failure aborts the whole load.
func LoadTables(ctx context.Context, cfg *Config, specs []types.TableSpec) (*Snapshot, error) {
	if err := cfg.Preflight(); err != nil {
		return nil, err
	}
	return loadTables(ctx, cfg, specs, func() (sourceConn, error) {
		return dialSource(cfg)
	})
}

func loadTables(
	ctx context.Context, cfg *Config, specs []types.TableSpec, dial func() (sourceConn, error),
) (*Snapshot, error) {
	for _, spec := range specs {
		if spec.Key == nil {
			return nil, errors.Errorf("no key function for table %s", spec.Table)
		}
	}

	admin, err := dial()
	if err != nil {
		return nil, err
	}
	defer func() { _ = admin.Close() }()

	// The lock blocks writers across the whole server, so everything
	// under it is cheap: read the position, open the transactions.
	if err := admin.Exec(ctx, "FLUSH TABLES WITH READ LOCK"); err != nil {
		return nil, errors.Wrap(err, "could not acquire global read lock")
	}
	locked := true
	defer func() {
		if locked {
			_ = admin.Exec(ctx, "UNLOCK TABLES")
		}
	}()

	pos, err := admin.CurrentPosition(ctx)
	if err != nil {
		return nil, err
	}

	workers := cfg.SnapshotConcurrency
	if workers > len(specs) {
		workers = len(specs)
	}
	if workers < 1 {
		workers = 1
	}
	conns := make([]sourceConn, 0, workers)
	closeConns := func() {
		for _, conn := range conns {
			_ = conn.Close()
		}
	}
	for i := 0; i < workers; i++ {
		conn, err := dial()
		if err != nil {
			closeConns()
			return nil, err
		}
		conns = append(conns, conn)
		if err := conn.Exec(ctx,
			"SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
			closeConns()
			return nil, errors.WithStack(err)
		}
		if err := conn.Exec(ctx,
			"START TRANSACTION WITH CONSISTENT SNAPSHOT"); err != nil {
			closeConns()
			return nil, errors.WithStack(err)
		}
	}

	// The snapshot transactions now pin the view; writers may resume.
	if err := admin.Exec(ctx, "UNLOCK TABLES"); err != nil {
		closeConns()
		return nil, errors.Wrap(err, "could not release global read lock")
	}
	locked = false

	log.WithField("position", pos).Infof("snapshotting %d tables", len(specs))

	snap := &Snapshot{
		pos:  pos,
		out:  make(chan types.Record, cfg.OutputBuffer),
		done: make(chan struct{}),
	}

	// Each table streams into its own queue; a merge loop forwards the
	// queues in the caller's table order. At most one fetcher runs per
	// connection.
	pool := make(chan sourceConn, len(conns))
	for _, conn := range conns {
		pool <- conn
	}
	results := make([]chan types.Record, len(specs))
	for i := range results {
		results[i] = make(chan types.Record, 64)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	// Launch apart from the merge loop; g.Go blocks at the limit, and
	// the merge must keep draining while it does. Tables launch in
	// request order, so the earliest unmerged table is always running.
	go func() {
		for i, spec := range specs {
			i, spec := i, spec
			g.Go(func() error {
				defer close(results[i])
				conn := <-pool
				defer func() { pool <- conn }()
				return snapshotTable(gctx, conn, spec, results[i])
			})
		}
	}()
	go func() {
		// Merge in request order. On failure the remaining queues are
		// drained so their fetchers can exit.
		failed := false
		for _, ch := range results {
			for rec := range ch {
				if failed {
					continue
				}
				select {
				case snap.out <- rec:
				case <-gctx.Done():
					failed = true
				}
			}
		}
		snap.err = g.Wait()
		closeConns()
		close(snap.done)
		close(snap.out)
	}()

	return snap, nil
}

func snapshotTable(
	ctx context.Context, conn sourceConn, spec types.TableSpec, out chan<- types.Record,
) error {
	var rows int64
	err := conn.StreamRows(ctx, spec.Table, func(row map[string]any) error {
		key, err := spec.Key(row)
		if err != nil {
			return errors.Wrapf(err, "could not key snapshot row in %s", spec.Table)
		}
		rows++
		snapshotRowCount.Inc()
		select {
		case out <- &types.Upsert{Table: spec.Table, Key: key, Content: row}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return errors.Wrapf(err, "could not snapshot table %s", spec.Table)
	}
	log.WithField("table", spec.Table).Infof("snapshot read %d rows", rows)
	return nil
}

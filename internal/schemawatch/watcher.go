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

// Package schemawatch contains a cache of the source database's column
// layouts, which are required to decode binlog row images.
package schemawatch

import (
	"context"
	"sync"
	"time"

	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/retry"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

// A ColumnQuerier reads a table's ordered column metadata from the
// source database. Calls may fail transiently; the Watcher retries.
type ColumnQuerier interface {
	Columns(ctx context.Context, table types.Table) ([]types.ColData, error)
}

const (
	defaultBackoffMax   = time.Minute
	defaultRetryTimeout = 5 * time.Minute
)

// A Watcher is a concurrency-safe cache of column layouts, loaded on
// demand and invalidated when a schema-change event is observed.
//
// Loads are single-flight per table: concurrent resolutions for the
// same table share one fetch, and a load for one table never blocks
// resolution for another. An invalidation that arrives while a load is
// in flight is not lost; the freshly loaded layout is discarded and the
// table is fetched once more.
type Watcher struct {
	db           ColumnQuerier
	backoffMax   time.Duration
	retryTimeout time.Duration
	flight       singleflight.Group

	mu struct {
		sync.RWMutex
		entries map[types.Table][]types.ColData
		gens    map[types.Table]uint64
	}
}

// New constructs a Watcher around the given querier. Fetch retries
// back off exponentially up to backoffMax per attempt interval; once
// retryTimeout has elapsed without success the load fails and the
// error is surfaced to the resolving caller.
func New(db ColumnQuerier, backoffMax, retryTimeout time.Duration) *Watcher {
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	if retryTimeout <= 0 {
		retryTimeout = defaultRetryTimeout
	}
	w := &Watcher{db: db, backoffMax: backoffMax, retryTimeout: retryTimeout}
	w.mu.entries = make(map[types.Table][]types.ColData)
	w.mu.gens = make(map[types.Table]uint64)
	return w
}

// Get returns the cached column layout for the table, loading it if the
// cache entry is absent or has been invalidated. A layout that cannot
// be loaded within the retry budget is a fatal error for the caller:
// row images cannot be interpreted without it.
func (w *Watcher) Get(ctx context.Context, table types.Table) ([]types.ColData, error) {
	w.mu.RLock()
	cols, ok := w.mu.entries[table]
	w.mu.RUnlock()
	if ok {
		return cols, nil
	}

	v, err, _ := w.flight.Do(table.String(), func() (any, error) {
		return w.load(ctx, table)
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.ColData), nil
}

// Invalidate marks the table's cached layout as stale, forcing the next
// Get to reload it. It never blocks on an in-flight load.
func (w *Watcher) Invalidate(table types.Table) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.mu.entries, table)
	w.mu.gens[table]++
	invalidateCount.WithLabelValues(table.String()).Inc()
}

// load runs under the single-flight group. The generation counter
// linearizes loads with respect to Invalidate: a bump between the read
// below and the store means the fetched layout may predate a schema
// change, so it is discarded and fetched again.
func (w *Watcher) load(ctx context.Context, table types.Table) ([]types.ColData, error) {
	for {
		w.mu.RLock()
		cols, ok := w.mu.entries[table]
		gen := w.mu.gens[table]
		w.mu.RUnlock()
		if ok {
			return cols, nil
		}

		var loaded []types.ColData
		err := retry.WithBackoff(ctx, w.backoffMax, w.retryTimeout, func(ctx context.Context) error {
			var err error
			loaded, err = w.db.Columns(ctx, table)
			if err != nil {
				loadFailureCount.WithLabelValues(table.String()).Inc()
				return err
			}
			if len(loaded) == 0 {
				return retry.Permanent(errors.Errorf("table %s does not exist on the source", table))
			}
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "could not load schema for %s", table)
		}
		loadSuccessCount.WithLabelValues(table.String()).Inc()

		w.mu.Lock()
		if w.mu.gens[table] != gen {
			w.mu.Unlock()
			continue
		}
		w.mu.entries[table] = loaded
		w.mu.Unlock()
		return loaded, nil
	}
}

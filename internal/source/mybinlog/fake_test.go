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

	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/binpos"
	"github.com/pkg/errors"
)

// fakeSource is an in-memory sourceConn shared by the snapshot and
// stream tests. Tables hold pre-keyed row maps; statements and closes
// are recorded for assertions.
type fakeSource struct {
	mu sync.Mutex

	pos      binpos.Position
	retained []binpos.RetainedLog
	columns  map[types.Table][]types.ColData
	// columnsOnce, when set, overrides columns for the first fetch of
	// each listed table.
	columnsOnce map[types.Table][]types.ColData
	rows        map[types.Table][]map[string]any

	stmts  []string
	closed bool

	// failTable makes StreamRows fail for one table.
	failTable types.Table
	// beforeRows runs at the start of StreamRows for the table.
	beforeRows func(table types.Table)
	// beforeColumns runs at the start of each Columns call; a non-nil
	// return short-circuits the fetch.
	beforeColumns func(ctx context.Context, table types.Table) error
}

var _ sourceConn = (*fakeSource)(nil)

func (f *fakeSource) CurrentPosition(context.Context) (binpos.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos, nil
}

func (f *fakeSource) RetainedLogs(context.Context) ([]binpos.RetainedLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retained, nil
}

func (f *fakeSource) Columns(ctx context.Context, table types.Table) ([]types.ColData, error) {
	f.mu.Lock()
	hook := f.beforeColumns
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, table); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if cols, ok := f.columnsOnce[table]; ok {
		delete(f.columnsOnce, table)
		return cols, nil
	}
	return f.columns[table], nil
}

func (f *fakeSource) StreamRows(
	ctx context.Context, table types.Table, fn func(row map[string]any) error,
) error {
	f.mu.Lock()
	rows := f.rows[table]
	failed := table == f.failTable
	hook := f.beforeRows
	f.mu.Unlock()
	if hook != nil {
		hook(table)
	}
	if failed {
		return errors.Errorf("injected read failure on %s", table)
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) Exec(_ context.Context, stmt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmts = append(f.stmts, stmt)
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stmts...)
}

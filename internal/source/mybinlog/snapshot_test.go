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
	"testing"
	"time"

	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/binpos"
	"github.com/stretchr/testify/require"
)

var (
	snapAccounts = types.NewTable("app", "accounts")
	snapOrders   = types.NewTable("app", "orders")
)

func snapshotFixture() *fakeSource {
	return &fakeSource{
		pos: binpos.Position{File: "binlog.000007", Offset: 1234},
		rows: map[types.Table][]map[string]any{
			snapAccounts: {
				{"id": int64(1), "name": "alice"},
				{"id": int64(2), "name": "bob"},
			},
			snapOrders: {
				{"order_id": int64(10), "total": "12.50"},
				{"order_id": int64(11), "total": "3.99"},
				{"order_id": int64(12), "total": "99.00"},
			},
		},
	}
}

func snapshotConfig() *Config {
	cfg := &Config{Host: "db", User: "feed", SnapshotConcurrency: 2}
	if err := cfg.Preflight(); err != nil {
		panic(err)
	}
	return cfg
}

func collectSnapshot(t *testing.T, snap *Snapshot) []types.Record {
	t.Helper()
	var recs []types.Record
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec, open := <-snap.Records():
			if !open {
				return recs
			}
			recs = append(recs, rec)
		case <-timeout:
			t.Fatal("snapshot did not drain")
		}
	}
}

func TestSnapshotOrderedOutput(t *testing.T) {
	r := require.New(t)
	db := snapshotFixture()
	specs := []types.TableSpec{
		{Table: snapAccounts, Key: types.KeyColumn("id")},
		{Table: snapOrders, Key: types.KeyColumn("order_id")},
	}

	snap, err := loadTables(context.Background(), snapshotConfig(), specs,
		func() (sourceConn, error) { return db, nil })
	r.NoError(err)
	r.Equal(binpos.Position{File: "binlog.000007", Offset: 1234}, snap.Position())

	recs := collectSnapshot(t, snap)
	r.NoError(snap.Err())
	r.Len(recs, 5)

	// The merged output preserves the requested table order even
	// though tables are fetched in parallel.
	tables := make([]types.Table, len(recs))
	for i, rec := range recs {
		tables[i] = rec.RecordTable()
	}
	r.Equal([]types.Table{
		snapAccounts, snapAccounts, snapOrders, snapOrders, snapOrders,
	}, tables)

	up := recs[0].(*types.Upsert)
	r.Equal(int64(1), up.Key)
	r.Equal("alice", up.Content["name"])
}

// The lock and position protocol: the global read lock is taken, the
// position read under it, and the lock released before rows stream.
func TestSnapshotLockProtocol(t *testing.T) {
	r := require.New(t)
	db := snapshotFixture()
	specs := []types.TableSpec{{Table: snapAccounts, Key: types.KeyColumn("id")}}

	snap, err := loadTables(context.Background(), snapshotConfig(), specs,
		func() (sourceConn, error) { return db, nil })
	r.NoError(err)

	// loadTables returns only after UNLOCK TABLES, so the statement
	// log already holds the complete protocol.
	stmts := db.statements()
	r.Equal("FLUSH TABLES WITH READ LOCK", stmts[0])
	r.Equal("UNLOCK TABLES", stmts[len(stmts)-1])
	r.Contains(stmts, "START TRANSACTION WITH CONSISTENT SNAPSHOT")
	r.Contains(stmts, "SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ")

	collectSnapshot(t, snap)
	r.NoError(snap.Err())
}

func TestSnapshotSingleFailureAborts(t *testing.T) {
	r := require.New(t)
	db := snapshotFixture()
	db.failTable = snapOrders
	specs := []types.TableSpec{
		{Table: snapAccounts, Key: types.KeyColumn("id")},
		{Table: snapOrders, Key: types.KeyColumn("order_id")},
	}

	snap, err := loadTables(context.Background(), snapshotConfig(), specs,
		func() (sourceConn, error) { return db, nil })
	r.NoError(err)

	collectSnapshot(t, snap)
	r.Error(snap.Err())
	r.Contains(snap.Err().Error(), "app.orders")
}

func TestSnapshotRequiresKeys(t *testing.T) {
	r := require.New(t)
	db := snapshotFixture()
	specs := []types.TableSpec{{Table: snapAccounts}}

	_, err := loadTables(context.Background(), snapshotConfig(), specs,
		func() (sourceConn, error) { return db, nil })
	r.Error(err)
}

func TestSnapshotEmptyTableList(t *testing.T) {
	r := require.New(t)
	db := snapshotFixture()

	snap, err := loadTables(context.Background(), snapshotConfig(), nil,
		func() (sourceConn, error) { return db, nil })
	r.NoError(err)
	recs := collectSnapshot(t, snap)
	r.Empty(recs)
	r.NoError(snap.Err())
}

func TestSnapshotMoreTablesThanWorkers(t *testing.T) {
	r := require.New(t)
	db := snapshotFixture()
	extra := types.NewTable("app", "events")
	db.rows[extra] = []map[string]any{{"id": int64(100)}}
	cfg := snapshotConfig()
	cfg.SnapshotConcurrency = 1

	specs := []types.TableSpec{
		{Table: snapOrders, Key: types.KeyColumn("order_id")},
		{Table: snapAccounts, Key: types.KeyColumn("id")},
		{Table: extra, Key: types.KeyColumn("id")},
	}
	snap, err := loadTables(context.Background(), cfg, specs,
		func() (sourceConn, error) { return db, nil })
	r.NoError(err)

	recs := collectSnapshot(t, snap)
	r.NoError(snap.Err())
	r.Len(recs, 6)
	r.Equal(snapOrders, recs[0].RecordTable())
	r.Equal(snapAccounts, recs[3].RecordTable())
	r.Equal(extra, recs[5].RecordTable())
}

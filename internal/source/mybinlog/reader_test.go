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
	"testing"

	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/binpos"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/stretchr/testify/require"
)

func wireEvent(eventType replication.EventType, logPos uint32, ev replication.Event) *replication.BinlogEvent {
	return &replication.BinlogEvent{
		Header: &replication.EventHeader{EventType: eventType, LogPos: logPos},
		Event:  ev,
	}
}

func rowsEvent(schema, table string, rows [][]any) *replication.RowsEvent {
	return &replication.RowsEvent{
		Table: &replication.TableMapEvent{Schema: []byte(schema), Table: []byte(table)},
		Rows:  rows,
	}
}

func TestMapperTransaction(t *testing.T) {
	r := require.New(t)
	m := newEventMapper(binpos.Position{File: "binlog.000003", Offset: 100}, nil)

	msgs, err := m.next(wireEvent(replication.QUERY_EVENT, 150,
		&replication.QueryEvent{Query: []byte("BEGIN")}))
	r.NoError(err)
	r.Equal([]message{beginTx{}}, msgs)

	msgs, err = m.next(wireEvent(replication.WRITE_ROWS_EVENTv2, 200,
		rowsEvent("app", "accounts", [][]any{{int64(1), "alice"}})))
	r.NoError(err)
	r.Len(msgs, 1)
	batch, ok := msgs[0].(*rowBatch)
	r.True(ok)
	r.Equal(types.NewTable("app", "accounts"), batch.table)
	r.Equal(insertMutation, batch.op)
	r.Equal([][]any{{int64(1), "alice"}}, batch.rows)

	msgs, err = m.next(wireEvent(replication.XID_EVENT, 250, &replication.XIDEvent{XID: 7}))
	r.NoError(err)
	r.Equal([]message{commitTx{pos: binpos.Position{File: "binlog.000003", Offset: 250}}}, msgs)
}

func TestMapperMutationTypes(t *testing.T) {
	r := require.New(t)
	m := newEventMapper(binpos.Position{File: "binlog.000001", Offset: 4}, nil)

	tcs := []struct {
		eventType replication.EventType
		op        mutationType
	}{
		{replication.WRITE_ROWS_EVENTv1, insertMutation},
		{replication.UPDATE_ROWS_EVENTv2, updateMutation},
		{replication.DELETE_ROWS_EVENTv0, deleteMutation},
	}
	for _, tc := range tcs {
		msgs, err := m.next(wireEvent(tc.eventType, 100,
			rowsEvent("app", "orders", [][]any{{int64(1)}})))
		r.NoError(err)
		r.Len(msgs, 1)
		r.Equal(tc.op, msgs[0].(*rowBatch).op)
	}
}

// Rotation updates the file component carried by later commit markers.
func TestMapperRotation(t *testing.T) {
	r := require.New(t)
	m := newEventMapper(binpos.Position{File: "binlog.000003", Offset: 100}, nil)

	msgs, err := m.next(wireEvent(replication.ROTATE_EVENT, 0,
		&replication.RotateEvent{Position: 4, NextLogName: []byte("binlog.000004")}))
	r.NoError(err)
	r.Empty(msgs)

	msgs, err = m.next(wireEvent(replication.XID_EVENT, 300, &replication.XIDEvent{}))
	r.NoError(err)
	r.Equal([]message{commitTx{pos: binpos.Position{File: "binlog.000004", Offset: 300}}}, msgs)
}

// DDL statements are implicitly committed, so the mapper emits both the
// schema change and a commit marker advancing the resume position.
func TestMapperDDL(t *testing.T) {
	r := require.New(t)
	m := newEventMapper(binpos.Position{File: "binlog.000001", Offset: 4}, nil)

	msgs, err := m.next(wireEvent(replication.QUERY_EVENT, 500, &replication.QueryEvent{
		Schema: []byte("app"),
		Query:  []byte("ALTER TABLE accounts ADD COLUMN email varchar(255)"),
	}))
	r.NoError(err)
	r.Equal([]message{
		schemaChange{table: types.NewTable("app", "accounts")},
		commitTx{pos: binpos.Position{File: "binlog.000001", Offset: 500}},
	}, msgs)
}

func TestMapperIgnoresOtherQueries(t *testing.T) {
	r := require.New(t)
	m := newEventMapper(binpos.Position{File: "binlog.000001", Offset: 4}, nil)

	msgs, err := m.next(wireEvent(replication.QUERY_EVENT, 600, &replication.QueryEvent{
		Schema: []byte("app"),
		Query:  []byte("CREATE INDEX idx ON accounts (name)"),
	}))
	r.NoError(err)
	r.Empty(msgs)
}

func TestMapperTableFilter(t *testing.T) {
	r := require.New(t)
	only := map[types.Table]bool{types.NewTable("app", "accounts"): true}
	m := newEventMapper(binpos.Position{File: "binlog.000001", Offset: 4}, only)

	msgs, err := m.next(wireEvent(replication.WRITE_ROWS_EVENTv2, 100,
		rowsEvent("app", "audit_log", [][]any{{int64(1)}})))
	r.NoError(err)
	r.Empty(msgs)

	msgs, err = m.next(wireEvent(replication.QUERY_EVENT, 200, &replication.QueryEvent{
		Schema: []byte("app"),
		Query:  []byte("ALTER TABLE audit_log ADD c int"),
	}))
	r.NoError(err)
	r.Empty(msgs)

	msgs, err = m.next(wireEvent(replication.WRITE_ROWS_EVENTv2, 300,
		rowsEvent("app", "accounts", [][]any{{int64(1)}})))
	r.NoError(err)
	r.Len(msgs, 1)
}

func TestMapperFormatDescription(t *testing.T) {
	r := require.New(t)
	m := newEventMapper(binpos.Position{File: "binlog.000001", Offset: 4}, nil)

	msgs, err := m.next(wireEvent(replication.FORMAT_DESCRIPTION_EVENT, 120,
		&replication.FormatDescriptionEvent{Version: 4, ServerVersion: []byte("8.0.36")}))
	r.NoError(err)
	r.Empty(msgs)

	_, err = m.next(wireEvent(replication.FORMAT_DESCRIPTION_EVENT, 120,
		&replication.FormatDescriptionEvent{Version: 3}))
	r.Error(err)
}

func TestMapperIgnoresBookkeeping(t *testing.T) {
	r := require.New(t)
	m := newEventMapper(binpos.Position{File: "binlog.000001", Offset: 4}, nil)

	msgs, err := m.next(wireEvent(replication.TABLE_MAP_EVENT, 90,
		&replication.TableMapEvent{Schema: []byte("app"), Table: []byte("accounts")}))
	r.NoError(err)
	r.Empty(msgs)
}

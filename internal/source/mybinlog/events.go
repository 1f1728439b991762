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
	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/binpos"
)

// A message is one raw unit drawn from the replication feed, or a
// product of an intermediate pipeline stage. The union is internal to
// this package; only typed records leave the pipeline.
type message any

// beginTx opens a transactional group.
type beginTx struct{}

// commitTx closes a transactional group. pos is the position
// immediately after the commit, i.e. the resume point once the
// transaction has been fully forwarded.
type commitTx struct {
	pos binpos.Position
}

// rollbackTx discards the current transactional group.
type rollbackTx struct{}

// A rowBatch carries the row images of one binlog rows event. Updates
// carry before/after image pairs, so rows holds 2n entries for n
// logical rows.
type rowBatch struct {
	table types.Table
	op    mutationType
	rows  [][]any
}

// schemaChange reports a DDL statement affecting the named table.
type schemaChange struct {
	table types.Table
}

// A txGroup is emitted by the grouping stage for one committed
// transaction: adjacent same-table batches coalesced, source order
// preserved.
type txGroup struct {
	batches []*rowBatch
	pos     binpos.Position
}

// msgRollback is a sentinel injected by the reconnect loop so that the
// grouping stage discards any partially received transaction before
// the feed replays from the last committed position.
var msgRollback message = &struct{}{}

func isRollback(m message) bool {
	return m == msgRollback
}

type mutationType int

const (
	unknownMutation mutationType = iota
	insertMutation
	updateMutation
	deleteMutation
)

func (m mutationType) String() string {
	switch m {
	case insertMutation:
		return "insert"
	case updateMutation:
		return "update"
	case deleteMutation:
		return "delete"
	default:
		return "unknown"
	}
}

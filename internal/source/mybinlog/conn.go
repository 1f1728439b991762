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
	"fmt"

	"github.com/binfeed/binfeed/internal/schemawatch"
	"github.com/binfeed/binfeed/internal/types"
	"github.com/binfeed/binfeed/internal/util/binpos"
	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pkg/errors"
)

// A sourceConn provides the SQL-level operations the feed needs from
// the source database. It is satisfied by a live MySQL connection and
// by fakes in tests.
type sourceConn interface {
	schemawatch.ColumnQuerier

	// CurrentPosition reads the source's current binlog position.
	CurrentPosition(ctx context.Context) (binpos.Position, error)
	// RetainedLogs lists the binlog files the source still retains.
	RetainedLogs(ctx context.Context) ([]binpos.RetainedLog, error)
	// StreamRows reads a table's full contents, invoking fn once per
	// row with the column name to value mapping.
	StreamRows(ctx context.Context, table types.Table, fn func(row map[string]any) error) error
	// Exec runs a statement, discarding any result.
	Exec(ctx context.Context, stmt string) error
	Close() error
}

// mysqlConn adapts a go-mysql client connection. The underlying
// connection is not safe for concurrent use; each pipeline worker owns
// its own.
type mysqlConn struct {
	conn *client.Conn
}

var _ sourceConn = (*mysqlConn)(nil)

func dialSource(cfg *Config) (*mysqlConn, error) {
	conn, err := client.Connect(cfg.addr(), cfg.User, cfg.Password, "")
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to source %s", cfg.addr())
	}
	return &mysqlConn{conn: conn}, nil
}

// CurrentPosition implements sourceConn. It must be called before any
// snapshot rows are fetched so that replaying the log from the
// returned position never misses a later change.
func (c *mysqlConn) CurrentPosition(ctx context.Context) (binpos.Position, error) {
	if err := ctx.Err(); err != nil {
		return binpos.Position{}, err
	}
	r, err := c.conn.Execute("SHOW MASTER STATUS")
	if err != nil {
		return binpos.Position{}, errors.WithStack(err)
	}
	defer r.Close()
	if r.RowNumber() == 0 {
		return binpos.Position{}, errors.New("source has no binary log; is log_bin enabled?")
	}
	file, err := r.GetString(0, 0)
	if err != nil {
		return binpos.Position{}, errors.WithStack(err)
	}
	offset, err := r.GetUint(0, 1)
	if err != nil {
		return binpos.Position{}, errors.WithStack(err)
	}
	return binpos.Position{File: file, Offset: uint32(offset)}, nil
}

// RetainedLogs implements sourceConn.
func (c *mysqlConn) RetainedLogs(ctx context.Context) ([]binpos.RetainedLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := c.conn.Execute("SHOW BINARY LOGS")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()
	ret := make([]binpos.RetainedLog, 0, r.RowNumber())
	for i := 0; i < r.RowNumber(); i++ {
		name, err := r.GetString(i, 0)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		size, err := r.GetUint(i, 1)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		ret = append(ret, binpos.RetainedLog{Name: name, Size: size})
	}
	return ret, nil
}

const columnsQuery = `SELECT column_name, data_type, column_key
FROM information_schema.columns
WHERE table_schema = ? AND table_name = ?
ORDER BY ordinal_position`

// Columns implements schemawatch.ColumnQuerier.
func (c *mysqlConn) Columns(ctx context.Context, table types.Table) ([]types.ColData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := c.conn.Execute(columnsQuery, table.Schema, table.Name)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer r.Close()
	ret := make([]types.ColData, 0, r.RowNumber())
	for i := 0; i < r.RowNumber(); i++ {
		name, err := r.GetString(i, 0)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		dataType, err := r.GetString(i, 1)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		key, err := r.GetString(i, 2)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		ret = append(ret, types.ColData{Name: name, Type: dataType, Primary: key == "PRI"})
	}
	return ret, nil
}

// StreamRows implements sourceConn. Row values are copied out of the
// driver's buffers before fn returns.
func (c *mysqlConn) StreamRows(
	ctx context.Context, table types.Table, fn func(row map[string]any) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	query := fmt.Sprintf("SELECT * FROM `%s`.`%s`", table.Schema, table.Name)
	var result mysql.Result
	var fields []string
	err := c.conn.ExecuteSelectStreaming(query, &result,
		func(row []mysql.FieldValue) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m := make(map[string]any, len(fields))
			for i := range row {
				if i < len(fields) {
					m[fields[i]] = normalizeValue(row[i].Value())
				}
			}
			return fn(m)
		},
		func(result *mysql.Result) error {
			fields = make([]string, len(result.Fields))
			for i, f := range result.Fields {
				fields[i] = string(f.Name)
			}
			return nil
		})
	return errors.WithStack(err)
}

// Exec implements sourceConn.
func (c *mysqlConn) Exec(ctx context.Context, stmt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := c.conn.Execute(stmt)
	return errors.WithStack(err)
}

// Close implements sourceConn.
func (c *mysqlConn) Close() error {
	return errors.WithStack(c.conn.Close())
}

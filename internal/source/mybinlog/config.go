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

// Package mybinlog contains support for producing an ordered stream of
// row-level change records from a MySQL binary-log replication feed,
// seeded by a consistent full-table snapshot.
//
// The expected source settings are binlog_format=ROW and
// binlog_row_image=FULL (the server defaults).
package mybinlog

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/binfeed/binfeed/internal/types"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

const (
	defaultDialTimeout         = 3 * time.Second
	defaultKeepaliveInterval   = time.Minute
	defaultKeepaliveTimeout    = 3 * time.Second
	defaultSchemaBackoffMax    = time.Minute
	defaultSchemaRetryTimeout  = 5 * time.Minute
	defaultSnapshotConcurrency = 4
	defaultEventBuffer         = 256
	defaultOutputBuffer        = 256
)

// Config contains the configuration necessary for connecting to the
// source database and shaping the change feed.
type Config struct {
	// Host of the MySQL source.
	Host string
	// Port of the MySQL source.
	Port uint16
	// User for the connection. It needs REPLICATION SLAVE,
	// REPLICATION CLIENT, RELOAD and SELECT privileges.
	User string
	// Password for the connection.
	Password string
	// Charset for the connection; defaults to utf8mb4.
	Charset string
	// ServerID is the replica id presented to the source. It must be
	// unique within the replication topology; a random id is chosen
	// when zero.
	ServerID uint32

	// DialTimeout bounds the initial replication connection attempt.
	DialTimeout time.Duration
	// KeepaliveInterval is how long to wait between reconnection
	// attempts after the feed breaks.
	KeepaliveInterval time.Duration
	// KeepaliveTimeout bounds each reconnection attempt.
	KeepaliveTimeout time.Duration
	// SchemaBackoffMax caps the exponential backoff between schema
	// fetch retries.
	SchemaBackoffMax time.Duration
	// SchemaRetryTimeout bounds the total time spent retrying one
	// schema load before the stream fails.
	SchemaRetryTimeout time.Duration
	// SnapshotConcurrency is the number of tables fetched in parallel
	// during a snapshot. The merged output still preserves the
	// caller's table order.
	SnapshotConcurrency int
	// EventBuffer is the capacity of the queues between pipeline
	// stages.
	EventBuffer int
	// OutputBuffer is the capacity of the output record queue. Pushes
	// block when the consumer falls behind.
	OutputBuffer int

	// Keys maps each captured table to the function that derives its
	// row identifier. A mutation for a table with no key function is a
	// fatal error.
	Keys map[types.Table]types.KeyFunc
	// OnlyTables restricts the stream to the given tables. Empty means
	// all tables.
	OnlyTables []types.Table

	keyFlags  []string
	onlyFlags []string
}

// Bind adds flags to the set.
func (c *Config) Bind(f *pflag.FlagSet) {
	f.StringVar(&c.Host, "sourceHost", "", "the MySQL source host")
	f.Uint16Var(&c.Port, "sourcePort", 3306, "the MySQL source port")
	f.StringVar(&c.User, "sourceUser", "", "the MySQL source user")
	f.StringVar(&c.Password, "sourcePassword", "", "the MySQL source password")
	f.StringVar(&c.Charset, "sourceCharset", "", "the connection charset")
	f.Uint32Var(&c.ServerID, "serverID", 0,
		"the replica server id presented to the source; random if zero")
	f.DurationVar(&c.DialTimeout, "dialTimeout", defaultDialTimeout,
		"the timeout for the initial replication connection")
	f.DurationVar(&c.KeepaliveInterval, "keepaliveInterval", defaultKeepaliveInterval,
		"how long to wait between reconnection attempts")
	f.DurationVar(&c.KeepaliveTimeout, "keepaliveTimeout", defaultKeepaliveTimeout,
		"the timeout for each reconnection attempt")
	f.DurationVar(&c.SchemaBackoffMax, "schemaBackoffMax", defaultSchemaBackoffMax,
		"the maximum backoff between schema fetch retries")
	f.DurationVar(&c.SchemaRetryTimeout, "schemaRetryTimeout", defaultSchemaRetryTimeout,
		"the total retry budget for one schema load")
	f.IntVar(&c.SnapshotConcurrency, "snapshotConcurrency", defaultSnapshotConcurrency,
		"the number of tables to fetch in parallel during a snapshot")
	f.StringSliceVar(&c.keyFlags, "key", nil,
		"a schema.table=column pair naming a table's key column; repeatable")
	f.StringSliceVar(&c.onlyFlags, "onlyTable", nil,
		"restrict the stream to the named schema.table; repeatable")
}

// Preflight ensures that unset configuration options have sane
// defaults and returns an error if the Config is missing any fields
// for which a default cannot be provided.
func (c *Config) Preflight() error {
	if c.Host == "" {
		return errors.New("no source host was configured")
	}
	if c.User == "" {
		return errors.New("no source user was configured")
	}
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.Charset == "" {
		c.Charset = "utf8mb4"
	}
	if c.ServerID == 0 {
		c.ServerID = randomServerID()
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = defaultKeepaliveInterval
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaultKeepaliveTimeout
	}
	if c.SchemaBackoffMax == 0 {
		c.SchemaBackoffMax = defaultSchemaBackoffMax
	}
	if c.SchemaRetryTimeout == 0 {
		c.SchemaRetryTimeout = defaultSchemaRetryTimeout
	}
	if c.SnapshotConcurrency <= 0 {
		c.SnapshotConcurrency = defaultSnapshotConcurrency
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.OutputBuffer <= 0 {
		c.OutputBuffer = defaultOutputBuffer
	}

	if c.Keys == nil {
		c.Keys = make(map[types.Table]types.KeyFunc)
	}
	// The flag slices are consumed so that a second Preflight call
	// does not fold them in twice.
	for _, pair := range c.keyFlags {
		idx := strings.Index(pair, "=")
		if idx < 0 {
			return errors.Errorf("malformed key flag %q; expected schema.table=column", pair)
		}
		table, err := types.ParseTable(pair[:idx])
		if err != nil {
			return err
		}
		column := pair[idx+1:]
		if column == "" {
			return errors.Errorf("no key column in %q", pair)
		}
		c.Keys[table] = types.KeyColumn(column)
	}
	c.keyFlags = nil
	for _, name := range c.onlyFlags {
		table, err := types.ParseTable(name)
		if err != nil {
			return err
		}
		c.OnlyTables = append(c.OnlyTables, table)
	}
	c.onlyFlags = nil
	// A table named up front must be decodable; an unfiltered stream
	// reports a missing key function when the table is first seen.
	for _, table := range c.OnlyTables {
		if _, ok := c.Keys[table]; !ok {
			return errors.Errorf("no key function configured for table %s", table)
		}
	}
	return nil
}

// keyFor returns the identifier-extraction function for the table.
func (c *Config) keyFor(table types.Table) (types.KeyFunc, bool) {
	fn, ok := c.Keys[table]
	return fn, ok
}

// filter returns the allow-list as a set, or nil for "all tables".
func (c *Config) filter() map[types.Table]bool {
	if len(c.OnlyTables) == 0 {
		return nil
	}
	only := make(map[types.Table]bool, len(c.OnlyTables))
	for _, table := range c.OnlyTables {
		only[table] = true
	}
	return only
}

func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) binlogSyncerConfig() replication.BinlogSyncerConfig {
	return replication.BinlogSyncerConfig{
		ServerID:   c.ServerID,
		Flavor:     mysql.MySQLFlavor,
		Host:       c.Host,
		Port:       c.Port,
		User:       c.User,
		Password:   c.Password,
		Charset:    c.Charset,
		ParseTime:  true,
		UseDecimal: true,
	}
}

// randomServerID derives a non-zero replica id. Replica ids must not
// collide within the source's replication topology.
func randomServerID() uint32 {
	for {
		u := uuid.New()
		if id := binary.BigEndian.Uint32(u[:4]); id != 0 {
			return id
		}
	}
}

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

// Package types contains data types and interfaces that are shared
// across the feed packages.
package types

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// A Table identifies a table within a source database schema.
type Table struct {
	Schema string
	Name   string
}

// NewTable constructs a Table.
func NewTable(schema, name string) Table {
	return Table{Schema: schema, Name: name}
}

// ParseTable parses the "schema.table" form used by CLI flags.
func ParseTable(s string) (Table, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Table{}, errors.Errorf("malformed table name %q; expected schema.table", s)
	}
	return Table{Schema: parts[0], Name: parts[1]}, nil
}

// String returns the "schema.table" form.
func (t Table) String() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// MarshalText implements encoding.TextMarshaler so that Table can be
// used as a JSON object key.
func (t Table) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ColData hold a column's metadata, in the ordinal position reported by
// the source database. Decoding a row image depends on this order.
type ColData struct {
	Name    string
	Type    string
	Primary bool
}

// A KeyFunc derives the row identifier from a full row image. It is
// configured once per table at startup and never changes for the
// lifetime of a pipeline.
type KeyFunc func(row map[string]any) (any, error)

// KeyColumn returns a KeyFunc that extracts the named column.
func KeyColumn(name string) KeyFunc {
	return func(row map[string]any) (any, error) {
		v, ok := row[name]
		if !ok {
			return nil, errors.Errorf("key column %q not present in row image", name)
		}
		return v, nil
	}
}

// A TableSpec names a table to capture and the function that derives
// row identifiers for it.
type TableSpec struct {
	Table Table
	Key   KeyFunc
}

// A Record is one element of the output stream: either an Upsert or a
// Delete. The union is closed; switching over the two concrete types is
// exhaustive.
type Record interface {
	json.Marshaler

	// RecordTable returns the table the record belongs to.
	RecordTable() Table

	isRecord()
}

// An Upsert carries the full current column mapping for one row.
// Applying the same Upsert twice is idempotent: Content replaces,
// never merges.
type Upsert struct {
	Table   Table
	Key     any
	Content map[string]any
}

// A Delete removes one row by identifier.
type Delete struct {
	Table Table
	Key   any
}

var (
	_ Record = (*Upsert)(nil)
	_ Record = (*Delete)(nil)
)

func (u *Upsert) isRecord() {}
func (d *Delete) isRecord() {}

// RecordTable implements Record.
func (u *Upsert) RecordTable() Table { return u.Table }

// RecordTable implements Record.
func (d *Delete) RecordTable() Table { return d.Table }

// MarshalJSON implements json.Marshaler with an explicit operation tag.
func (u *Upsert) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op      string         `json:"op"`
		Table   string         `json:"table"`
		Key     any            `json:"key"`
		Content map[string]any `json:"content"`
	}{Op: "upsert", Table: u.Table.String(), Key: u.Key, Content: u.Content})
}

// MarshalJSON implements json.Marshaler with an explicit operation tag.
func (d *Delete) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op    string `json:"op"`
		Table string `json:"table"`
		Key   any    `json:"key"`
	}{Op: "delete", Table: d.Table.String(), Key: d.Key})
}

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

// Package binpos contains the binary-log position used as a resume
// token and as a snapshot consistency marker.
package binpos

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// A Position identifies a point within the source's binary log. It is
// comparable only between positions drawn from the same server, since
// file rotation order is a property of the source.
type Position struct {
	File   string
	Offset uint32
}

// IsZero returns true if the Position has no file component.
func (p Position) IsZero() bool {
	return p.File == ""
}

// Less returns true if the callee precedes the other Position. Binlog
// file names share a basename with a monotonic numeric suffix, so the
// file comparison is lexicographic.
func (p Position) Less(other Position) bool {
	if p.File != other.File {
		return p.File < other.File
	}
	return p.Offset < other.Offset
}

// Compare returns -1, 0, or 1 if a is less than, equal to, or greater
// than b. A zero Position is less than any non-zero Position.
func Compare(a, b Position) int {
	switch {
	case a == b:
		return 0
	case a.IsZero():
		return -1
	case b.IsZero():
		return 1
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}

// String is suitable for round-tripping through UnmarshalText.
func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

type positionPayload struct {
	File   string `json:"file"`
	Offset uint32 `json:"offset"`
}

// MarshalJSON implements json.Marshaler. The encoded form is the
// durable resume token that callers persist across restarts.
func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal(positionPayload{File: p.File, Offset: p.Offset})
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Position) UnmarshalJSON(data []byte) error {
	var payload positionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return errors.WithStack(err)
	}
	p.File = payload.File
	p.Offset = payload.Offset
	return nil
}

// UnmarshalText supports CLI flags and default values. The expected
// form is "file:offset".
func (p *Position) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	idx := strings.LastIndex(string(data), ":")
	if idx < 0 {
		return errors.Errorf("malformed binlog position %q; expected file:offset", data)
	}
	offset, err := strconv.ParseUint(string(data[idx+1:]), 10, 32)
	if err != nil {
		return errors.Wrapf(err, "malformed binlog offset in %q", data)
	}
	p.File = string(data[:idx])
	p.Offset = uint32(offset)
	return nil
}

// Set implements pflag.Value.
func (p *Position) Set(value string) error {
	return p.UnmarshalText([]byte(value))
}

// Type implements pflag.Value.
func (p *Position) Type() string {
	return "binlogPosition"
}

// A RetainedLog describes one binary-log file still retained by the
// source, as reported by SHOW BINARY LOGS.
type RetainedLog struct {
	Name string
	Size uint64
}

// Valid performs a bounds check of the given Position against the
// source's retained log-file set: the named file must still exist and
// the offset must not exceed its current size. It cannot detect an
// offset that falls in the middle of an event; callers must refuse to
// start a stream from a position this function rejects.
func Valid(p Position, retained []RetainedLog) bool {
	if p.IsZero() {
		return false
	}
	for _, l := range retained {
		if l.Name == p.File {
			return uint64(p.Offset) <= l.Size
		}
	}
	return false
}

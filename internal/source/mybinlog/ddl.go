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
	"regexp"
	"strings"

	"github.com/binfeed/binfeed/internal/types"
)

// ddlTarget matches the statement forms that change a table's column
// layout. The capture is the (possibly qualified, possibly quoted)
// table name. Anything else in the query stream is not a schema change
// we need to react to.
var ddlTarget = regexp.MustCompile(
	`(?is)^\s*(?:alter\s+table|create\s+table|drop\s+table|rename\s+table|truncate\s+table|truncate)\s+` +
		`(?:if\s+(?:not\s+)?exists\s+)?([^\s(;,]+)`)

// parseDDLTarget extracts the table affected by a DDL statement.
// Unqualified names resolve against the statement's default schema.
// RENAME TABLE may affect several tables; only the first is reported,
// which is sufficient because the stream keys row images by the name
// the binlog reports afterwards.
func parseDDLTarget(query, defaultSchema string) (types.Table, bool) {
	m := ddlTarget.FindStringSubmatch(query)
	if m == nil {
		return types.Table{}, false
	}
	parts := strings.SplitN(m[1], ".", 2)
	for i := range parts {
		parts[i] = strings.Trim(parts[i], "`\"")
	}
	if len(parts) == 2 {
		if parts[0] == "" || parts[1] == "" {
			return types.Table{}, false
		}
		return types.NewTable(parts[0], parts[1]), true
	}
	if defaultSchema == "" || parts[0] == "" {
		return types.Table{}, false
	}
	return types.NewTable(defaultSchema, parts[0]), true
}

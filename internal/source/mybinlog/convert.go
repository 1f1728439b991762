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
	"github.com/pkg/errors"
)

// convertBatch expands one raw row batch into output records using the
// table's cached column layout, preserving within-batch row order.
// Inserts and updates become upserts carrying the full after-image;
// the before-image of an update is discarded, since only current state
// is exposed. Deletes are keyed from the before-image.
func convertBatch(
	cols []types.ColData, key types.KeyFunc, batch *rowBatch,
) ([]types.Record, error) {
	switch batch.op {
	case insertMutation:
		ret := make([]types.Record, 0, len(batch.rows))
		for _, row := range batch.rows {
			rec, err := upsertFrom(cols, key, batch.table, row)
			if err != nil {
				return nil, err
			}
			mutationCount.WithLabelValues(insertMutation.String()).Inc()
			ret = append(ret, rec)
		}
		return ret, nil

	case updateMutation:
		if len(batch.rows)%2 != 0 {
			return nil, errors.Errorf(
				"update batch for %s has %d row images; expected before/after pairs",
				batch.table, len(batch.rows))
		}
		ret := make([]types.Record, 0, len(batch.rows)/2)
		for i := 1; i < len(batch.rows); i += 2 {
			rec, err := upsertFrom(cols, key, batch.table, batch.rows[i])
			if err != nil {
				return nil, err
			}
			mutationCount.WithLabelValues(updateMutation.String()).Inc()
			ret = append(ret, rec)
		}
		return ret, nil

	case deleteMutation:
		ret := make([]types.Record, 0, len(batch.rows))
		for _, row := range batch.rows {
			before, err := rowToMap(cols, batch.table, row)
			if err != nil {
				return nil, err
			}
			k, err := key(before)
			if err != nil {
				return nil, errors.Wrapf(err, "could not key delete on %s", batch.table)
			}
			mutationCount.WithLabelValues(deleteMutation.String()).Inc()
			ret = append(ret, &types.Delete{Table: batch.table, Key: k})
		}
		return ret, nil

	default:
		return nil, errors.Errorf("unsupported mutation type %s on %s", batch.op, batch.table)
	}
}

func upsertFrom(
	cols []types.ColData, key types.KeyFunc, table types.Table, row []any,
) (types.Record, error) {
	content, err := rowToMap(cols, table, row)
	if err != nil {
		return nil, err
	}
	k, err := key(content)
	if err != nil {
		return nil, errors.Wrapf(err, "could not key upsert on %s", table)
	}
	return &types.Upsert{Table: table, Key: k, Content: content}, nil
}

// rowToMap pairs a row image with the cached column order. A width
// mismatch means the image was written under a layout the cache has
// not seen; continuing would corrupt the pairing, so it is fatal.
func rowToMap(cols []types.ColData, table types.Table, row []any) (map[string]any, error) {
	if len(row) != len(cols) {
		return nil, errors.Errorf(
			"row image for %s has %d values but the cached schema has %d columns",
			table, len(row), len(cols))
	}
	m := make(map[string]any, len(cols))
	for i, col := range cols {
		m[col.Name] = normalizeValue(row[i])
	}
	return m, nil
}

// normalizeValue maps driver byte slices to strings so that records
// are self-contained and JSON-friendly.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

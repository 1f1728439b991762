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

package schemawatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	invalidateCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schema_invalidate_total",
		Help: "the number of times a cached schema was invalidated by a DDL event",
	}, []string{"table"})
	loadFailureCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schema_load_failure_total",
		Help: "the number of schema fetch attempts that failed",
	}, []string{"table"})
	loadSuccessCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schema_load_success_total",
		Help: "the number of schema fetch attempts that succeeded",
	}, []string{"table"})
)

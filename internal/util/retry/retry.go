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

// Package retry contains utility code for retrying transient source
// database failures.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// WithBackoff retries the given idempotent function with exponential
// backoff, starting at a base interval and doubling up to maxInterval.
// The delay resets on each call, so a success always restarts the next
// retry sequence at the base interval. Once maxElapsed has passed, the
// last error is returned to the caller and becomes fatal. The function
// can wrap an error with [Permanent] to stop retrying immediately.
func WithBackoff(
	ctx context.Context, maxInterval, maxElapsed time.Duration, fn func(ctx context.Context) error,
) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = maxElapsed

	return backoff.RetryNotify(
		func() error { return fn(ctx) },
		backoff.WithContext(b, ctx),
		func(err error, delay time.Duration) {
			log.WithError(err).Warnf("transient source error; retrying in %s", delay)
		})
}

// Permanent marks an error as one that should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

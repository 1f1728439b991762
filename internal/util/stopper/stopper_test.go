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

package stopper

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopClosesChannels(t *testing.T) {
	a := assert.New(t)
	s := WithContext(context.Background())

	a.False(s.IsStopping())
	select {
	case <-s.Stopping():
		a.Fail("stopping channel closed early")
	default:
	}

	s.Stop()
	s.Stop() // idempotent

	a.True(s.IsStopping())
	<-s.Stopping()
	<-s.Done()
	a.NoError(s.Wait())
}

func TestWorkerErrorStopsSiblings(t *testing.T) {
	r := require.New(t)
	s := WithContext(context.Background())

	boom := errors.New("boom")
	s.Go(func() error {
		return boom
	})
	s.Go(func() error {
		<-s.Stopping()
		return nil
	})

	r.ErrorIs(s.Wait(), boom)
	r.True(s.IsStopping())
}

func TestParentCancellationStops(t *testing.T) {
	r := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	s := WithContext(ctx)

	s.Go(func() error {
		<-s.Stopping()
		return nil
	})

	cancel()
	r.NoError(s.Wait())

	select {
	case <-s.Stopping():
	case <-time.After(time.Second):
		r.Fail("stop did not propagate from parent")
	}
}

func TestFirstErrorWins(t *testing.T) {
	r := require.New(t)
	s := WithContext(context.Background())

	first := errors.New("first")
	s.Go(func() error {
		return first
	})
	s.Go(func() error {
		<-s.Stopping()
		return errors.New("second")
	})

	r.ErrorIs(s.Wait(), first)
}

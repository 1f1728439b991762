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

// Package stream contains a command to tail the binary log and print
// change records as NDJSON.
package stream

import (
	"bufio"
	"encoding/json"
	"os"
	"time"

	"github.com/binfeed/binfeed/internal/source/mybinlog"
	"github.com/binfeed/binfeed/internal/util/binpos"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Command returns the stream command.
//
// The --from position must come from a snapshot taken against the same
// source, or from a previous run's logged position. Replaying an older
// committed position is safe; records are at-least-once.
func Command() *cobra.Command {
	cfg := &mybinlog.Config{}
	var from binpos.Position
	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Short: "tail the binary log, printing change records as NDJSON",
		Use:   "stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from.IsZero() {
				return errors.New("no resume position; use --from file:offset")
			}
			feed, err := mybinlog.Open(cmd.Context(), cfg, from)
			if err != nil {
				return err
			}
			feed.Start()
			defer feed.Stop()

			out := bufio.NewWriter(os.Stdout)
			enc := json.NewEncoder(out)
			flush := time.NewTicker(time.Second)
			defer flush.Stop()

			for {
				select {
				case rec, open := <-feed.Records():
					if !open {
						_ = out.Flush()
						<-feed.Done()
						if err := feed.Err(); err != nil {
							return err
						}
						log.WithField("position", feed.Position()).Info("stream stopped")
						return nil
					}
					if err := enc.Encode(rec); err != nil {
						return errors.WithStack(err)
					}
				case <-flush.C:
					if err := out.Flush(); err != nil {
						return errors.WithStack(err)
					}
					log.WithField("position", feed.Position()).Debug("progress")
				}
			}
		},
	}
	f := cmd.Flags()
	cfg.Bind(f)
	f.Var(&from, "from", "the binlog position to resume from, as file:offset")
	return cmd
}

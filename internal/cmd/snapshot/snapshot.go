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

// Package snapshot contains a command to capture a consistent snapshot
// of a set of tables and print it as NDJSON.
package snapshot

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/binfeed/binfeed/internal/source/mybinlog"
	"github.com/binfeed/binfeed/internal/types"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Command returns the snapshot command.
//
// The snapshot's binlog position is logged and written to the file
// named by --positionFile; hand it to "binfeed stream --from" to tail
// the changes made after the snapshot.
func Command() *cobra.Command {
	cfg := &mybinlog.Config{}
	var positionFile string
	cmd := &cobra.Command{
		Args:  cobra.NoArgs,
		Short: "capture a consistent table snapshot as NDJSON on stdout",
		Use:   "snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Preflight(); err != nil {
				return err
			}
			if len(cfg.OnlyTables) == 0 {
				return errors.New("no tables requested; use --onlyTable")
			}
			specs := make([]types.TableSpec, len(cfg.OnlyTables))
			for i, table := range cfg.OnlyTables {
				specs[i] = types.TableSpec{Table: table, Key: cfg.Keys[table]}
			}

			snap, err := mybinlog.LoadTables(cmd.Context(), cfg, specs)
			if err != nil {
				return err
			}
			log.WithField("position", snap.Position()).Info("snapshot started")

			out := bufio.NewWriter(os.Stdout)
			enc := json.NewEncoder(out)
			var rows int64
			for rec := range snap.Records() {
				if err := enc.Encode(rec); err != nil {
					return errors.WithStack(err)
				}
				rows++
			}
			if err := snap.Err(); err != nil {
				return err
			}
			if err := out.Flush(); err != nil {
				return errors.WithStack(err)
			}

			if positionFile != "" {
				data, err := json.Marshal(snap.Position())
				if err != nil {
					return errors.WithStack(err)
				}
				if err := os.WriteFile(positionFile, data, 0644); err != nil {
					return errors.WithStack(err)
				}
			}
			log.WithFields(log.Fields{
				"position": snap.Position(),
				"rows":     rows,
			}).Info("snapshot complete")
			return nil
		},
	}
	f := cmd.Flags()
	cfg.Bind(f)
	f.StringVar(&positionFile, "positionFile", "",
		"write the snapshot's binlog position to this file as JSON")
	return cmd
}

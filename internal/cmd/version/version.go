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

// Package version reports the build's version and its module
// bill-of-materials.
package version

import (
	"runtime"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// BuildVersion is overridden by the linker in release builds.
var BuildVersion = "<unknown>"

// Command returns the version command.
func Command() *cobra.Command {
	return &cobra.Command{
		Args:  cobra.NoArgs,
		Short: "print version and build information",
		Use:   "version",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.WithFields(log.Fields{
				"build":    BuildVersion,
				"go":       runtime.Version(),
				"platform": runtime.GOOS + "/" + runtime.GOARCH,
			}).Info("binfeed")

			bi, ok := debug.ReadBuildInfo()
			if !ok {
				return nil
			}
			for _, m := range bi.Deps {
				for m.Replace != nil {
					m = m.Replace
				}
				log.WithFields(log.Fields{
					"sum":     m.Sum,
					"version": m.Version,
				}).Info(m.Path)
			}
			return nil
		},
	}
}

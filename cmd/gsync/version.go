/*
 * Copyright 2025 The grommunio-sync Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/grommunio/grommunio-sync/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of grommunio-sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("grommunio-sync: %s\n", version.Version)
			cmd.Printf("Go: %s\n", runtime.Version())
			if version.BuildDate != "" {
				cmd.Printf("Build Date: %s\n", version.BuildDate)
			}
			return nil
		},
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

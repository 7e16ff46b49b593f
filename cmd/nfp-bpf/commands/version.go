// Copyright (c) 2026 Tigera, Inc. All rights reserved.
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

package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Filled in by the linker.
var (
	GitVersion  = "dev"
	GitRevision = "unknown"
	BuildDate   = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Prints the version and exits",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Version:            %s\n", GitVersion)
		fmt.Fprintf(cmd.OutOrStdout(), "Full git commit ID: %s\n", GitRevision)
		fmt.Fprintf(cmd.OutOrStdout(), "Build date:         %s\n", BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

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
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nfpbpf/offload/config"
	"github.com/nfpbpf/offload/logutils"
)

var (
	cfg      *config.Config
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nfp-bpf",
	Short: "Translates eBPF programs for the flow processor and manages the card",
	Long: `nfp-bpf compiles eBPF and tcpdump filters into flow processor microcode,
disassembles the result and reports the ports and drop counters of the card.

Settings are read from NFP_* environment variables; flags override them.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Screen log level, overrides NFP_LOG_SEVERITY_SCREEN")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load()
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.LogSeverityScreen = logLevel
	}
	if err := logutils.ConfigureLogging(c); err != nil {
		return err
	}
	log.WithField("config", c).Debug("Loaded configuration")
	cfg = c
	return nil
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	logutils.ConfigureEarlyLogging()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

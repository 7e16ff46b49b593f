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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/nfpbpf/offload/nfp/stats"
	"github.com/nfpbpf/offload/timeshim"
)

var (
	statsCount  int
	statsPeriod time.Duration
)

var statsCmd = &cobra.Command{
	Use:   "stats <iface>",
	Short: "Watches the drop counters of the offloaded filter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		period := cfg.StatsPeriod
		if cmd.Flags().Changed("period") {
			period = statsPeriod
		}
		reader, err := stats.NewEthtoolReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
		defer cancel()
		return watchDrops(ctx, cmd.OutOrStdout(), reader, timeshim.RealTime(), period, statsCount)
	},
}

func init() {
	statsCmd.Flags().IntVar(&statsCount, "count", 0, "Number of samples to print, 0 for no limit")
	statsCmd.Flags().DurationVar(&statsPeriod, "period", time.Second, "Sampling period")
	rootCmd.AddCommand(statsCmd)
}

// watchDrops prints one line per period until ctx is done or count lines have
// been printed.
func watchDrops(
	ctx context.Context,
	w io.Writer,
	reader stats.CounterReader,
	clock timeshim.Interface,
	period time.Duration,
	count int,
) error {
	poller, err := stats.NewPoller(reader, period, clock, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	poller.Start()
	defer poller.Stop()

	fmt.Fprintf(w, "%14s %14s %14s %10s %12s %10s\n", "KTIME", "PKTS", "BYTES", "PKTS/s", "BYTES/s", "IDLE")
	for n := 0; count == 0 || n < count; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-clock.After(period):
		}
		cur, delta := poller.Current(), poller.Delta()
		secs := period.Seconds()
		fmt.Fprintf(w, "%14.3f %14d %14d %10.0f %12.0f %10s\n",
			float64(clock.KTimeNanos())/1e9,
			cur.Pkts, cur.Bytes,
			float64(delta.Pkts)/secs, float64(delta.Bytes)/secs,
			clock.Since(poller.LastChange()).Truncate(time.Second))
	}
	return nil
}

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
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nfpbpf/offload/nfp/ports"
)

// newPortManager is replaced in tests.
var newPortManager = func(prefix string) (portManager, error) {
	m, err := ports.NewNetlinkManager(prefix)
	if err != nil {
		return nil, err
	}
	return m, nil
}

type portManager interface {
	ports.Manager
	Close()
}

// portsCmd represents the ports command
var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Shows and switches the physical ports",
}

var portsListCmd = &cobra.Command{
	Use:   "list",
	Short: "lists the port table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := newPortManager(selectedPrefix())
		if err != nil {
			return err
		}
		defer m.Close()
		t, err := m.ReadPorts()
		if err != nil {
			return errors.WithMessage(err, "failed to read ports")
		}
		renderPorts(cmd.OutOrStdout(), t)
		return nil
	},
}

var portsEnableCmd = &cobra.Command{
	Use:   "enable <eth-index>",
	Short: "brings a port up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPortEnabled(args[0], true)
	},
}

var portsDisableCmd = &cobra.Command{
	Use:   "disable <eth-index>",
	Short: "takes a port down",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setPortEnabled(args[0], false)
	},
}

func init() {
	portsCmd.PersistentFlags().StringVar(&portPrefix, "prefix", "", "Only consider links whose name starts with this")
	portsCmd.AddCommand(portsListCmd)
	portsCmd.AddCommand(portsEnableCmd)
	portsCmd.AddCommand(portsDisableCmd)
	rootCmd.AddCommand(portsCmd)
}

var portPrefix string

func selectedPrefix() string {
	if portPrefix != "" {
		return portPrefix
	}
	return cfg.PortPrefix
}

func setPortEnabled(arg string, enable bool) error {
	idx, err := strconv.Atoi(arg)
	if err != nil {
		return errors.Errorf("bad port index %q", arg)
	}
	m, err := newPortManager(selectedPrefix())
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.SetEnabled(idx, enable); err != nil {
		return err
	}
	log.WithFields(log.Fields{"port": idx, "enabled": enable}).Info("Port state changed")
	return nil
}

func renderPorts(w io.Writer, t *ports.Table) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ETH", "IFINDEX", "LABEL", "MAC", "NBI", "BASE", "LANES", "SPEED", "STATE"})
	for _, p := range t.Ports {
		speed := "unknown"
		if p.Speed > 0 {
			speed = fmt.Sprintf("%dM", p.Speed)
		}
		state := "down"
		if p.Enabled {
			state = "up"
		}
		table.Append([]string{
			strconv.Itoa(p.EthIndex),
			strconv.Itoa(p.Index),
			p.Label,
			p.MAC.String(),
			strconv.Itoa(p.NBI),
			strconv.Itoa(p.Base),
			strconv.Itoa(p.Lanes),
			speed,
			state,
		})
	}
	table.SetCaption(true, fmt.Sprintf("%d ports.", len(t.Ports)))
	table.Render()
}

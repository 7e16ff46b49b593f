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

// Package ports reports the physical ports of the card and switches them on
// and off.
package ports

import (
	"math"
	"net"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/safchain/ethtool"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// Port describes one physical port.  NBI, Base and Lanes describe where the
// port sits on the network block interface; the kernel does not expose them,
// so they are derived from the port order and speed.
type Port struct {
	EthIndex int
	// Index is the kernel interface index.
	Index int
	NBI   int
	Base  int
	Lanes int
	// Speed is in Mbit/s, zero if unknown.
	Speed int

	MAC   net.HardwareAddr
	Label string

	Enabled   bool
	TxEnabled bool
	RxEnabled bool
}

type Table struct {
	Ports []Port
}

// Manager reads the port table and flips the administrative state of a port.
type Manager interface {
	ReadPorts() (*Table, error)
	SetEnabled(ethIndex int, enable bool) error
}

type netlinkShim interface {
	LinkList() ([]netlink.Link, error)
	LinkSetUp(link netlink.Link) error
	LinkSetDown(link netlink.Link) error
}

type ethtoolShim interface {
	PermAddr(intf string) (string, error)
	Speed(intf string) (uint32, error)
	Close()
}

type realEthtool struct {
	*ethtool.Ethtool
}

func (e realEthtool) Speed(intf string) (uint32, error) {
	return e.CmdGet(&ethtool.EthtoolCmd{}, intf)
}

// lanesPerPort gives the lane count for a port speed in Mbit/s.
func lanesPerPort(speed int) int {
	if speed >= 40000 {
		return 4
	}
	return 1
}

type NetlinkManager struct {
	prefix  string
	nl      netlinkShim
	ethtool ethtoolShim
}

var _ Manager = (*NetlinkManager)(nil)

// NewNetlinkManager manages the links whose names start with prefix.
func NewNetlinkManager(prefix string) (*NetlinkManager, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open netlink handle")
	}
	et, err := ethtool.NewEthtool()
	if err != nil {
		h.Close()
		return nil, errors.Wrap(err, "failed to open ethtool socket")
	}
	return newManager(prefix, h, realEthtool{et}), nil
}

func newManager(prefix string, nl netlinkShim, et ethtoolShim) *NetlinkManager {
	return &NetlinkManager{prefix: prefix, nl: nl, ethtool: et}
}

func (m *NetlinkManager) Close() {
	m.ethtool.Close()
	if c, ok := m.nl.(interface{ Close() }); ok {
		c.Close()
	}
}

func (m *NetlinkManager) links() ([]netlink.Link, error) {
	all, err := m.nl.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list links")
	}
	var links []netlink.Link
	for _, l := range all {
		attrs := l.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 || !strings.HasPrefix(attrs.Name, m.prefix) {
			continue
		}
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool {
		return links[i].Attrs().Index < links[j].Attrs().Index
	})
	return links, nil
}

func (m *NetlinkManager) ReadPorts() (*Table, error) {
	links, err := m.links()
	if err != nil {
		return nil, err
	}
	t := &Table{}
	base := 0
	for i, l := range links {
		attrs := l.Attrs()
		logCxt := log.WithField("link", attrs.Name)
		p := Port{
			EthIndex:  i,
			Index:     attrs.Index,
			MAC:       attrs.HardwareAddr,
			Label:     attrs.Name,
			Enabled:   attrs.Flags&net.FlagUp != 0,
			TxEnabled: attrs.OperState == netlink.OperUp,
			RxEnabled: attrs.OperState == netlink.OperUp,
		}
		if attrs.Alias != "" {
			p.Label = attrs.Alias
		}
		if speed, err := m.ethtool.Speed(attrs.Name); err != nil {
			logCxt.WithError(err).Debug("Link speed unavailable")
		} else if speed != math.MaxUint32 {
			p.Speed = int(speed)
		}
		if perm, err := m.ethtool.PermAddr(attrs.Name); err != nil {
			logCxt.WithError(err).Debug("Permanent address unavailable")
		} else if mac, err := net.ParseMAC(perm); err == nil {
			p.MAC = mac
		}
		p.Lanes = lanesPerPort(p.Speed)
		p.Base = base
		base += p.Lanes
		t.Ports = append(t.Ports, p)
	}
	return t, nil
}

func (m *NetlinkManager) SetEnabled(ethIndex int, enable bool) error {
	links, err := m.links()
	if err != nil {
		return err
	}
	if ethIndex < 0 || ethIndex >= len(links) {
		return errors.Errorf("no port %d (have %d)", ethIndex, len(links))
	}
	link := links[ethIndex]
	log.WithFields(log.Fields{"link": link.Attrs().Name, "enable": enable}).Info("Setting port state")
	if enable {
		err = m.nl.LinkSetUp(link)
	} else {
		err = m.nl.LinkSetDown(link)
	}
	return errors.Wrapf(err, "failed to set %s enabled=%v", link.Attrs().Name, enable)
}

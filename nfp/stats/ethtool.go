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
package stats

import (
	"github.com/pkg/errors"
	"github.com/safchain/ethtool"
)

// Names of the driver statistics that count packets the offloaded program
// dropped.
const (
	StatDropPkts  = "bpf_app1_pkts"
	StatDropBytes = "bpf_app1_bytes"
)

type statsShim interface {
	Stats(intf string) (map[string]uint64, error)
	Close()
}

// EthtoolReader reads the drop counters from the driver's ethtool statistics.
type EthtoolReader struct {
	iface string
	et    statsShim
}

func NewEthtoolReader(iface string) (*EthtoolReader, error) {
	et, err := ethtool.NewEthtool()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open ethtool socket")
	}
	return &EthtoolReader{iface: iface, et: et}, nil
}

func (r *EthtoolReader) ReadDropCounters() (Pair, error) {
	all, err := r.et.Stats(r.iface)
	if err != nil {
		return Pair{}, errors.Wrapf(err, "failed to read statistics of %s", r.iface)
	}
	pkts, ok := all[StatDropPkts]
	if !ok {
		return Pair{}, errors.Errorf("%s has no %s statistic; is the offload firmware loaded?", r.iface, StatDropPkts)
	}
	return Pair{Pkts: pkts, Bytes: all[StatDropBytes]}, nil
}

func (r *EthtoolReader) Close() {
	r.et.Close()
}

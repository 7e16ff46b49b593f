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

// Package stats polls the drop counters of an offloaded filter.
package stats

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/nfpbpf/offload/timeshim"
)

// Pair is a packet and byte count.
type Pair struct {
	Pkts  uint64
	Bytes uint64
}

func (p Pair) Sub(q Pair) Pair {
	return Pair{Pkts: p.Pkts - q.Pkts, Bytes: p.Bytes - q.Bytes}
}

// CounterReader reads the cumulative hardware drop counters.
type CounterReader interface {
	ReadDropCounters() (Pair, error)
}

// Poller samples a CounterReader every period.  A single lock guards both the
// sample-and-reschedule step and Stop, so once Stop returns no further sample is
// taken and none is in flight.
type Poller struct {
	reader CounterReader
	period time.Duration
	clock  timeshim.Interface

	lock       sync.Mutex
	armed      bool
	timer      timeshim.Timer
	stopC      chan struct{}
	loopDone   chan struct{}
	cur, prev  Pair
	lastChange time.Time

	droppedPackets prometheus.Gauge
	droppedBytes   prometheus.Gauge
}

// NewPoller creates a stopped poller.  If reg is non-nil the current counters
// are exported through it.
func NewPoller(
	reader CounterReader,
	period time.Duration,
	clock timeshim.Interface,
	reg prometheus.Registerer,
) (*Poller, error) {
	if period <= 0 {
		return nil, errors.Errorf("invalid poll period %v", period)
	}
	p := &Poller{
		reader: reader,
		period: period,
		clock:  clock,
		droppedPackets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfp_bpf_filter_dropped_packets",
			Help: "Packets dropped by the offloaded filter.",
		}),
		droppedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nfp_bpf_filter_dropped_bytes",
			Help: "Bytes dropped by the offloaded filter.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{p.droppedPackets, p.droppedBytes} {
			if err := reg.Register(c); err != nil {
				return nil, errors.Wrap(err, "failed to register drop counters")
			}
		}
	}
	return p, nil
}

// Start takes a baseline sample and arms the timer.  It is a no-op if the
// poller is already running.
func (p *Poller) Start() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.armed {
		return
	}
	p.armed = true
	if c, err := p.reader.ReadDropCounters(); err != nil {
		log.WithError(err).Warn("Failed to read baseline drop counters")
	} else {
		p.cur, p.prev = c, c
		p.export()
	}
	p.lastChange = p.clock.Now()
	p.timer = p.clock.NewTimer(p.period)
	p.stopC = make(chan struct{})
	p.loopDone = make(chan struct{})
	go p.loop(p.timer, p.stopC, p.loopDone)
	log.WithField("period", p.period).Debug("Drop counter polling started")
}

// Stop disarms the timer and waits for the polling goroutine to exit.
func (p *Poller) Stop() {
	p.lock.Lock()
	if !p.armed {
		p.lock.Unlock()
		return
	}
	p.armed = false
	p.timer.Stop()
	close(p.stopC)
	done := p.loopDone
	p.lock.Unlock()

	<-done
	log.Debug("Drop counter polling stopped")
}

func (p *Poller) loop(timer timeshim.Timer, stopC <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stopC:
			return
		case <-timer.Chan():
			p.sample()
		}
	}
}

func (p *Poller) sample() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if !p.armed {
		return
	}
	c, err := p.reader.ReadDropCounters()
	if err != nil {
		log.WithError(err).Warn("Failed to read drop counters")
	} else {
		p.prev, p.cur = p.cur, c
		if c != p.prev {
			p.lastChange = p.clock.Now()
		}
		p.export()
	}
	p.timer.Reset(p.period)
}

func (p *Poller) export() {
	p.droppedPackets.Set(float64(p.cur.Pkts))
	p.droppedBytes.Set(float64(p.cur.Bytes))
}

// Delta returns the change between the last two samples.
func (p *Poller) Delta() Pair {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.cur.Sub(p.prev)
}

// Current returns the last sampled counters.
func (p *Poller) Current() Pair {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.cur
}

// LastChange returns when the counters were last seen to move.
func (p *Poller) LastChange() time.Time {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.lastChange
}

func (p *Poller) Running() bool {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.armed
}

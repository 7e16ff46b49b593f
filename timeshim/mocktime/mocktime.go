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

// Package mocktime is a manually advanced clock.  Timers fire synchronously,
// from inside IncrementTime, once the clock reaches their deadline.
package mocktime

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nfpbpf/offload/timeshim"
)

var StartTime, _ = time.Parse(time.RFC3339, "2024-03-01T09:00:00Z")

// StartKTime is the kernel clock reading at StartTime.
const StartKTime = 1000 * time.Hour

var _ timeshim.Interface = (*MockTime)(nil)

type MockTime struct {
	lock sync.Mutex

	now           time.Time
	autoIncrement time.Duration
	pending       []*mockTimer
}

func New() *MockTime {
	return &MockTime{now: StartTime}
}

type mockTimer struct {
	clock    *MockTime
	deadline time.Time
	c        chan time.Time
}

func (t *mockTimer) fire() {
	select {
	case t.c <- t.deadline:
	default:
		log.WithField("deadline", t.deadline).Panic("Mock timer channel already full")
	}
}

func (t *mockTimer) Stop() bool {
	return t.clock.cancel(t)
}

func (t *mockTimer) Reset(d timeshim.Duration) {
	t.clock.cancel(t)
	t.clock.schedule(t, d)
}

func (t *mockTimer) Chan() <-chan timeshim.Time {
	return t.c
}

func (m *MockTime) NewTimer(d timeshim.Duration) timeshim.Timer {
	t := &mockTimer{clock: m, c: make(chan time.Time, 1)}
	m.schedule(t, d)
	return t
}

func (m *MockTime) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).Chan()
}

func (m *MockTime) schedule(t *mockTimer, d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	t.deadline = m.now.Add(d)
	m.pending = append(m.pending, t)
}

// cancel removes t from the queue and reports whether it was still pending.
func (m *MockTime) cancel(t *mockTimer) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	found := false
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p == t {
			found = true
			continue
		}
		kept = append(kept, p)
	}
	m.pending = kept
	return found
}

func (m *MockTime) Now() time.Time {
	m.lock.Lock()
	defer m.lock.Unlock()
	t := m.now
	m.advanceLockHeld(m.autoIncrement)
	return t
}

func (m *MockTime) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

func (m *MockTime) Until(t time.Time) time.Duration {
	return t.Sub(m.Now())
}

func (m *MockTime) KTimeNanos() int64 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return int64(m.now.Sub(StartTime) + StartKTime)
}

// SetAutoIncrement makes every call to Now advance the clock by d.
func (m *MockTime) SetAutoIncrement(d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.autoIncrement = d
}

func (m *MockTime) IncrementTime(d time.Duration) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.advanceLockHeld(d)
}

func (m *MockTime) HasTimers() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.pending) > 0
}

func (m *MockTime) advanceLockHeld(d time.Duration) {
	if d == 0 {
		return
	}
	m.now = m.now.Add(d)
	log.WithField("elapsed", m.now.Sub(StartTime)).Debug("Mock clock advanced")

	sort.Slice(m.pending, func(i, j int) bool {
		return m.pending[i].deadline.Before(m.pending[j].deadline)
	})
	for len(m.pending) > 0 && !m.pending[0].deadline.After(m.now) {
		t := m.pending[0]
		m.pending = m.pending[1:]
		t.fire()
	}
}

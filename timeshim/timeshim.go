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

// Package timeshim wraps the parts of the time package that code under test
// needs to control.
package timeshim

import (
	"time"

	"github.com/gavv/monotime"
)

type (
	Time     = time.Time
	Duration = time.Duration
)

type Interface interface {
	Now() Time
	Since(t Time) Duration
	Until(t Time) Duration
	After(d Duration) <-chan Time
	NewTimer(d Duration) Timer
	// KTimeNanos returns the monotonic kernel clock, as used to timestamp
	// hardware counter reads.
	KTimeNanos() int64
}

type Timer interface {
	Stop() bool
	Reset(d Duration)
	Chan() <-chan Time
}

func RealTime() Interface {
	return realTime{}
}

type realTime struct{}

func (realTime) Now() Time {
	return time.Now()
}

func (realTime) Since(t Time) Duration {
	return time.Since(t)
}

func (realTime) Until(t Time) Duration {
	return time.Until(t)
}

func (realTime) After(d Duration) <-chan Time {
	return time.After(d)
}

func (realTime) NewTimer(d Duration) Timer {
	return (*timerWrapper)(time.NewTimer(d))
}

func (realTime) KTimeNanos() int64 {
	return int64(monotime.Now())
}

type timerWrapper time.Timer

func (t *timerWrapper) Stop() bool {
	return (*time.Timer)(t).Stop()
}

func (t *timerWrapper) Reset(d Duration) {
	(*time.Timer)(t).Reset(d)
}

func (t *timerWrapper) Chan() <-chan Time {
	return t.C
}

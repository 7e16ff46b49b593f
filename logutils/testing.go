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

package logutils

import (
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
)

// TestingTWriter adapts a *testing.T as a log target.
type TestingTWriter struct {
	T *testing.T
}

func (l TestingTWriter) Write(p []byte) (n int, err error) {
	l.T.Helper()
	l.T.Log(strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// RedirectLogrusToTestingT sends log output to t until the returned func is
// called.
func RedirectLogrusToTestingT(t *testing.T) (cancel func()) {
	oldOut := log.StandardLogger().Out
	log.SetOutput(TestingTWriter{T: t})
	return func() {
		log.SetOutput(oldOut)
	}
}

var confForTestingOnce sync.Once

// ConfigureLoggingForTestingT captures log output in t's log for the duration
// of the test.
func ConfigureLoggingForTestingT(t *testing.T) {
	confForTestingOnce.Do(func() {
		ConfigureFormatter("test")
		log.SetLevel(log.DebugLevel)
	})
	t.Cleanup(RedirectLogrusToTestingT(t))
}

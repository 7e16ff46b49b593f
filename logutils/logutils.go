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

// Package logutils holds the logrus setup shared by the tool and its tests.
package logutils

import (
	"io"
	"os"
	"path"
	"sync"

	"github.com/mipearson/rfw"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/nfpbpf/offload/config"
)

var counterLogErrors = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "nfp_bpf_log_errors",
	Help: "Number of errors encountered while writing logs.",
})

func init() {
	prometheus.MustRegister(counterLogErrors)
}

// ConfigureEarlyLogging sets up screen logging before the configuration has
// been loaded.  The level comes from NFP_LOG_SEVERITY_SCREEN, defaulting to
// errors only.
func ConfigureEarlyLogging() {
	ConfigureFormatter("nfp-bpf")
	level := log.ErrorLevel
	if raw := os.Getenv("NFP_LOG_SEVERITY_SCREEN"); raw != "" {
		parsed, err := log.ParseLevel(raw)
		if err != nil {
			log.WithError(err).Error("Failed to parse early log level, defaulting to error.")
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)
}

// ConfigureLogging attaches the screen and file targets named by cfg.
func ConfigureLogging(cfg *config.Config) error {
	screenLevel := SafeParseLogLevel(cfg.LogSeverityScreen)
	fileLevel := SafeParseLogLevel(cfg.LogSeverityFile)

	hook := &fanOutHook{formatter: &Formatter{Component: "nfp-bpf"}}
	if cfg.LogSeverityScreen != "" {
		hook.dests = append(hook.dests, destination{level: screenLevel, w: os.Stderr})
	}
	if cfg.LogSeverityFile != "" && cfg.LogFilePath != "" {
		if err := os.MkdirAll(path.Dir(cfg.LogFilePath), 0o755); err != nil {
			return errors.Wrapf(err, "failed to create log directory for %s", cfg.LogFilePath)
		}
		f, err := rfw.Open(cfg.LogFilePath, 0o644)
		if err != nil {
			return errors.Wrapf(err, "failed to open log file %s", cfg.LogFilePath)
		}
		hook.dests = append(hook.dests, destination{level: fileLevel, w: f})
	}

	log.SetLevel(hook.mostVerbose())
	log.SetReportCaller(true)
	log.StandardLogger().ReplaceHooks(log.LevelHooks{})
	log.AddHook(hook)
	// The hook does all the writing.
	log.SetOutput(io.Discard)
	return nil
}

type destination struct {
	level log.Level
	w     io.Writer
}

// fanOutHook formats each entry once and writes it to every destination whose
// level admits it.
type fanOutHook struct {
	lock      sync.Mutex
	formatter log.Formatter
	dests     []destination
}

func (h *fanOutHook) mostVerbose() log.Level {
	level := log.PanicLevel
	for _, d := range h.dests {
		if d.level > level {
			level = d.level
		}
	}
	return level
}

func (h *fanOutHook) Levels() []log.Level {
	return FilterLevels(h.mostVerbose())
}

func (h *fanOutHook) Fire(entry *log.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		counterLogErrors.Inc()
		return err
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	for _, d := range h.dests {
		if entry.Level > d.level {
			continue
		}
		if _, err := d.w.Write(line); err != nil {
			counterLogErrors.Inc()
		}
	}
	return nil
}

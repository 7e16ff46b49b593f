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
	"bytes"
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	TimeFormat = "2006-01-02 15:04:05.000"

	// FileNameUnknown stands in for the file and line when the caller is not
	// recorded.
	FileNameUnknown = "<nil>"
)

// ConfigureFormatter installs our Formatter on the standard logger and turns on
// caller reporting, which the formatter needs for the file and line.
func ConfigureFormatter(component string) {
	log.SetReportCaller(true)
	log.SetFormatter(&Formatter{Component: component})
}

// Formatter writes one line per entry:
//
//	2024-03-01 09:00:00.123 [INFO][4242] nfp-bpf/jit.go 201: Offload compile succeeded action=direct words=3
//
// Fields are appended in sorted order.
type Formatter struct {
	// Component, if set, prefixes the file name.
	Component string
}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = &bytes.Buffer{}
	}
	AppendTime(b, entry.Time)
	fmt.Fprintf(b, " [%s][%d] ", strings.ToUpper(entry.Level.String()), os.Getpid())
	if f.Component != "" {
		b.WriteString(f.Component)
		b.WriteByte('/')
	}
	if entry.Caller == nil {
		b.WriteString(FileNameUnknown + " " + FileNameUnknown)
	} else {
		b.WriteString(path.Base(entry.Caller.File))
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(entry.Caller.Line))
	}
	b.WriteString(": ")
	b.WriteString(entry.Message)
	appendKVsAndNewLine(b, entry.Data)
	return b.Bytes(), nil
}

// AppendTime appends t in TimeFormat.
func AppendTime(b *bytes.Buffer, t time.Time) {
	b.Write(t.AppendFormat(b.AvailableBuffer(), TimeFormat))
}

func appendKVsAndNewLine(b *bytes.Buffer, data log.Fields) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		switch value := data[key].(type) {
		case string:
			b.WriteString(strconv.Quote(value))
		case error:
			b.WriteString(value.Error())
		case fmt.Stringer:
			b.WriteString(value.String())
		default:
			fmt.Fprintf(b, "%#v", value)
		}
	}
	b.WriteByte('\n')
}

// FilterLevels returns all the levels at or above the severity of maxLevel.
func FilterLevels(maxLevel log.Level) []log.Level {
	var levels []log.Level
	for _, l := range log.AllLevels {
		if l <= maxLevel {
			levels = append(levels, l)
		}
	}
	return levels
}

// SafeParseLogLevel parses a log level, defaulting to panic (quietest) if the
// value is empty or invalid.
func SafeParseLogLevel(logLevel string) log.Level {
	if logLevel == "" {
		return log.PanicLevel
	}
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithField("raw level", logLevel).Warn("Invalid log level, defaulting to panic")
		return log.PanicLevel
	}
	return level
}

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

package jit

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	compileCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nfp_bpf_jit_compiles_total",
		Help: "Number of offload compiles by action type and result.",
	}, []string{"action", "result"})

	programWords = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nfp_bpf_jit_program_words",
		Help:    "Size in instruction words of successfully compiled programs.",
		Buckets: prometheus.ExponentialBuckets(8, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(compileCounter)
	prometheus.MustRegister(programWords)
}

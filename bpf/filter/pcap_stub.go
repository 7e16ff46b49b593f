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

//go:build !cgo

package filter

import (
	"github.com/gopacket/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/nfpbpf/offload/bpf/asm"
)

func New(_ layers.LinkType, _ int, _ string) (asm.Insns, error) {
	return nil, errors.New("filter expressions need a cgo build with libpcap")
}

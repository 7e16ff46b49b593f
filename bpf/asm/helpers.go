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

package asm

import "fmt"

// Helper is a kernel helper id passed in the immediate of a Call.  The helpers
// listed are the ones that classifier and XDP programs commonly reach for; none of
// them exist on the offload target.
type Helper int32

// noinspection GoUnusedConst
const (
	HelperUnspec               Helper = 0
	HelperMapLookupElem        Helper = 1
	HelperMapUpdateElem        Helper = 2
	HelperMapDeleteElem        Helper = 3
	HelperKtimeGetNs           Helper = 5
	HelperTracePrintk          Helper = 6
	HelperGetPrandomU32        Helper = 7
	HelperSkbStoreBytes        Helper = 9
	HelperL3CsumReplace        Helper = 10
	HelperL4CsumReplace        Helper = 11
	HelperTailCall             Helper = 12
	HelperCloneRedirect        Helper = 13
	HelperRedirect             Helper = 23
	HelperPerfEventOutput      Helper = 25
	HelperSkbLoadBytes         Helper = 26
	HelperCsumDiff             Helper = 28
	HelperXdpAdjustHead        Helper = 44
	HelperRedirectMap          Helper = 51
	HelperXdpAdjustMeta        Helper = 54
	HelperXdpAdjustTail        Helper = 65
	HelperFibLookup            Helper = 69
	HelperSkbLoadBytesRelative Helper = 68
)

var helperNames = map[Helper]string{
	HelperUnspec:               "unspec",
	HelperMapLookupElem:        "map_lookup_elem",
	HelperMapUpdateElem:        "map_update_elem",
	HelperMapDeleteElem:        "map_delete_elem",
	HelperKtimeGetNs:           "ktime_get_ns",
	HelperTracePrintk:          "trace_printk",
	HelperGetPrandomU32:        "get_prandom_u32",
	HelperSkbStoreBytes:        "skb_store_bytes",
	HelperL3CsumReplace:        "l3_csum_replace",
	HelperL4CsumReplace:        "l4_csum_replace",
	HelperTailCall:             "tail_call",
	HelperCloneRedirect:        "clone_redirect",
	HelperRedirect:             "redirect",
	HelperPerfEventOutput:      "perf_event_output",
	HelperSkbLoadBytes:         "skb_load_bytes",
	HelperCsumDiff:             "csum_diff",
	HelperXdpAdjustHead:        "xdp_adjust_head",
	HelperRedirectMap:          "redirect_map",
	HelperXdpAdjustMeta:        "xdp_adjust_meta",
	HelperXdpAdjustTail:        "xdp_adjust_tail",
	HelperFibLookup:            "fib_lookup",
	HelperSkbLoadBytesRelative: "skb_load_bytes_relative",
}

func (h Helper) String() string {
	if n, ok := helperNames[h]; ok {
		return n
	}
	return fmt.Sprintf("helper#%d", int32(h))
}

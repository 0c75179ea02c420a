// Copyright 2025 Machine King Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package analytics

import "net/netip"

// IPClass describes where an address sits in the global address plan.
type IPClass struct {
	Type       string `json:"type"` // private, public, loopback, link_local, reserved, invalid
	RangeName  string `json:"range_name,omitempty"`
	IsInternal bool   `json:"is_internal"`
}

type ipRange struct {
	prefix    netip.Prefix
	class     string
	rangeName string
	internal  bool
}

// Order matters: the first containing prefix wins, so the specific
// reserved blocks sit above the broad private ones.
var ipRanges = []ipRange{
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback", "Loopback", true},
	{netip.MustParsePrefix("169.254.0.0/16"), "link_local", "Link-Local", true},
	{netip.MustParsePrefix("192.0.2.0/24"), "reserved", "TEST-NET-1", false},
	{netip.MustParsePrefix("198.51.100.0/24"), "reserved", "TEST-NET-2", false},
	{netip.MustParsePrefix("203.0.113.0/24"), "reserved", "TEST-NET-3", false},
	{netip.MustParsePrefix("100.64.0.0/10"), "reserved", "CGNAT", false},
	{netip.MustParsePrefix("224.0.0.0/4"), "reserved", "Multicast", false},
	{netip.MustParsePrefix("240.0.0.0/4"), "reserved", "Reserved", false},
	{netip.MustParsePrefix("10.0.0.0/8"), "private", "RFC1918 Class A", true},
	{netip.MustParsePrefix("172.16.0.0/12"), "private", "RFC1918 Class B", true},
	{netip.MustParsePrefix("192.168.0.0/16"), "private", "RFC1918 Class C", true},
	{netip.MustParsePrefix("::1/128"), "loopback", "Loopback", true},
	{netip.MustParsePrefix("fe80::/10"), "link_local", "Link-Local", true},
	{netip.MustParsePrefix("fc00::/7"), "private", "Unique Local", true},
}

// ClassifyIP reports the address class used by the anomaly context and
// the IP entity multiplier rationale. Unparseable input classifies as
// invalid.
func ClassifyIP(s string) IPClass {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return IPClass{Type: "invalid"}
	}
	addr = addr.Unmap()
	for _, r := range ipRanges {
		if r.prefix.Contains(addr) {
			return IPClass{Type: r.class, RangeName: r.rangeName, IsInternal: r.internal}
		}
	}
	return IPClass{Type: "public"}
}

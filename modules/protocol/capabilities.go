// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"sort"
	"strings"
)

// Capability names recognized by the upload-pack / receive-pack state
// machines (§4.8).
const (
	CapMultiAck         = "multi_ack"
	CapMultiAckDetailed = "multi_ack_detailed"
	CapSideBand64k      = "side-band-64k"
	CapThinPack         = "thin-pack"
	CapOFSDelta         = "ofs-delta"
	CapShallow          = "shallow"
	CapDeepenSince      = "deepen-since"
	CapDeepenNot        = "deepen-not"
	CapIncludeTag       = "include-tag"
	CapFilter           = "filter"
	CapReportStatus     = "report-status"
	CapReportStatusV2   = "report-status-v2"
	CapAtomic           = "atomic"
	CapPushOptions      = "push-options"
	CapPushCert         = "push-cert"
	CapAgent            = "agent"
	CapNoDone           = "no-done"
	CapDeleteRefs       = "delete-refs"
	CapAllowTipSHA1     = "allow-tip-sha1-in-want"
	CapAllowReachable   = "allow-reachable-sha1-in-want"
)

// Capabilities is the set negotiated on the first ref-advertisement (or
// command) line, parsed from the NUL-terminated capability string.
// Value-bearing capabilities (e.g. "agent=git/2.40.0", "push-cert=<nonce>")
// keep their value; flag capabilities map to the empty string.
type Capabilities map[string]string

// Has reports whether a flag or value-bearing capability was offered.
func (c Capabilities) Has(name string) bool {
	_, ok := c[name]
	return ok
}

// Value returns a value-bearing capability's value, or "" if absent.
func (c Capabilities) Value(name string) string { return c[name] }

// ParseCapabilities splits "<cap> <cap>=<value> ..." into a Capabilities set.
func ParseCapabilities(s string) Capabilities {
	caps := make(Capabilities)
	for _, tok := range strings.Fields(s) {
		if key, value, ok := strings.Cut(tok, "="); ok {
			caps[key] = value
		} else {
			caps[tok] = ""
		}
	}
	return caps
}

// Encode renders the capability set back to wire form, in a stable
// (sorted) order so advertisement output is deterministic.
func (c Capabilities) Encode() string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(renderTokens(names, c), " ")
}

func renderTokens(names []string, c Capabilities) []string {
	tokens := make([]string, 0, len(names))
	for _, name := range names {
		if v := c[name]; v != "" {
			tokens = append(tokens, name+"="+v)
		} else if _, ok := c[name]; ok {
			tokens = append(tokens, name)
		}
	}
	return tokens
}

// SplitCapabilityLine splits the first pkt-line of a ref advertisement
// (or the first command of a receive-pack command list) into its
// NUL-delimited data part and trailing capability string. If no NUL is
// present, the whole line is data with no capabilities.
func SplitCapabilityLine(line []byte) ([]byte, Capabilities) {
	idx := -1
	for i, b := range line {
		if b == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return line, Capabilities{}
	}
	return line[:idx], ParseCapabilities(string(line[idx+1:]))
}

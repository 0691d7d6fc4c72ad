package protocol

import (
	"strings"
)

// Capabilities is a set of smart protocol capabilities.
type Capabilities uint16

const (
	CapReportStatus Capabilities = 1 << iota
	CapReportStatusV2
	CapSideBand
	CapSideBand64k
	CapOfsDelta
	CapMultiAck
	CapMultiAckDetailed
	CapNoDone
	CapDeepenSince
	CapDeepenNot
)

var capNames = []struct {
	c    Capabilities
	name string
}{
	{CapReportStatus, "report-status"},
	{CapReportStatusV2, "report-status-v2"},
	{CapSideBand, "side-band"},
	{CapSideBand64k, "side-band-64k"},
	{CapOfsDelta, "ofs-delta"},
	{CapMultiAck, "multi_ack"},
	{CapMultiAckDetailed, "multi_ack_detailed"},
	{CapNoDone, "no-done"},
	{CapDeepenSince, "deepen-since"},
	{CapDeepenNot, "deepen-not"},
}

// ParseCapabilities parses a space-separated capability list. Unknown
// tokens and tokens carrying values (agent=..., symref=...) are ignored.
func ParseCapabilities(raw string) Capabilities {
	var caps Capabilities
	for _, tok := range strings.Fields(raw) {
		for _, cn := range capNames {
			if cn.name == tok {
				caps |= cn.c
				break
			}
		}
	}
	return caps
}

// Has reports whether every capability in c is present.
func (caps Capabilities) Has(c Capabilities) bool {
	return caps&c == c
}

// Intersect returns capabilities present in both sets.
func (caps Capabilities) Intersect(other Capabilities) Capabilities {
	return caps & other
}

// SideBand reports whether any side-band variant is set, and whether it is
// the 64k one.
func (caps Capabilities) SideBand() (enabled, large bool) {
	if caps.Has(CapSideBand64k) {
		return true, true
	}
	return caps.Has(CapSideBand), false
}

// String returns the space-separated capability list in canonical order.
func (caps Capabilities) String() string {
	names := make([]string, 0, len(capNames))
	for _, cn := range capNames {
		if caps.Has(cn.c) {
			names = append(names, cn.name)
		}
	}
	return strings.Join(names, " ")
}

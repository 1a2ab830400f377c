// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCapabilitiesSplitsFlagsAndValues(t *testing.T) {
	caps := ParseCapabilities("multi_ack side-band-64k agent=gitcore/1.0")
	require.True(t, caps.Has(CapMultiAck))
	require.True(t, caps.Has(CapSideBand64k))
	require.Equal(t, "gitcore/1.0", caps.Value(CapAgent))
	require.False(t, caps.Has(CapAtomic))
}

func TestEncodeIsSortedAndStable(t *testing.T) {
	caps := Capabilities{CapAtomic: "", CapAgent: "gitcore/1.0", CapDeleteRefs: ""}
	require.Equal(t, "agent=gitcore/1.0 atomic delete-refs", caps.Encode())
}

func TestSplitCapabilityLineWithNoNUL(t *testing.T) {
	data, caps := SplitCapabilityLine([]byte("data only"))
	require.Equal(t, "data only", string(data))
	require.Empty(t, caps)
}

func TestSplitCapabilityLineWithCapabilities(t *testing.T) {
	line := append([]byte("abc123 refs/heads/main\x00"), []byte("report-status atomic")...)
	data, caps := SplitCapabilityLine(line)
	require.Equal(t, "abc123 refs/heads/main", string(data))
	require.True(t, caps.Has(CapReportStatus))
	require.True(t, caps.Has(CapAtomic))
}

// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeDeltaApplyDeltaRoundTrip(t *testing.T) {
	base := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 50)
	target := append(append([]byte("PREFIX "), base...), []byte(" SUFFIX")...)

	delta := MakeDelta(base, target)
	out, err := ApplyDelta(base, delta)
	require.NoError(t, err)
	require.Equal(t, target, out)
}

func TestMakeDeltaApplyDeltaIdenticalContent(t *testing.T) {
	base := []byte("identical content, nothing changed here at all")
	delta := MakeDelta(base, base)
	out, err := ApplyDelta(base, delta)
	require.NoError(t, err)
	require.Equal(t, base, out)
}

func TestMakeDeltaApplyDeltaEmptyBase(t *testing.T) {
	base := []byte{}
	target := []byte("brand new content with no base to copy from")
	delta := MakeDelta(base, target)
	out, err := ApplyDelta(base, delta)
	require.NoError(t, err)
	require.Equal(t, target, out)
}

func TestApplyDeltaRejectsMismatchedSourceSize(t *testing.T) {
	base := []byte("some base content")
	delta := MakeDelta(base, []byte("some target content"))
	_, err := ApplyDelta([]byte("a different base entirely, wrong length"), delta)
	require.Error(t, err)
}

func TestApplyDeltaRejectsTruncatedStream(t *testing.T) {
	base := []byte("base content for truncation test")
	delta := MakeDelta(base, []byte("target content for truncation test"))
	_, err := ApplyDelta(base, delta[:len(delta)-2])
	require.Error(t, err)
}

func TestApplyDeltaRejectsCopyPastBase(t *testing.T) {
	// opcode 0x80|0x01|0x10: 1-byte offset=200, 1-byte size=50, base too short
	delta := []byte{0x05, 0x05, 0x91, 200, 50}
	_, err := ApplyDelta([]byte("short"), delta)
	require.Error(t, err)
}

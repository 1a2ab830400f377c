// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/kohrobin/gitcore/modules/object"
	"github.com/stretchr/testify/require"
)

func TestEntryTypeKindMapping(t *testing.T) {
	require.Equal(t, object.CommitKind, CommitType.Kind())
	require.Equal(t, object.TreeKind, TreeType.Kind())
	require.Equal(t, object.BlobKind, BlobType.Kind())
	require.Equal(t, object.TagKind, TagType.Kind())
	require.Equal(t, object.InvalidKind, OFSDeltaType.Kind())
}

func TestKindToEntryTypeRoundTrip(t *testing.T) {
	require.Equal(t, CommitType, KindToEntryType(object.CommitKind))
	require.Equal(t, TreeType, KindToEntryType(object.TreeKind))
	require.Equal(t, BlobType, KindToEntryType(object.BlobKind))
	require.Equal(t, TagType, KindToEntryType(object.TagKind))
}

func TestEncodeDecodeEntryHeaderSmallSize(t *testing.T) {
	var buf bytes.Buffer
	cw := &countingWriter{w: &buf}
	require.NoError(t, encodeEntryHeader(cw, BlobType, 10))

	gotType, gotSize, err := decodeEntryHeader(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, BlobType, gotType)
	require.Equal(t, uint64(10), gotSize)
}

func TestEncodeDecodeEntryHeaderLargeSize(t *testing.T) {
	var buf bytes.Buffer
	cw := &countingWriter{w: &buf}
	require.NoError(t, encodeEntryHeader(cw, TreeType, 1<<20+123))

	gotType, gotSize, err := decodeEntryHeader(bufio.NewReader(&buf))
	require.NoError(t, err)
	require.Equal(t, TreeType, gotType)
	require.Equal(t, uint64(1<<20+123), gotSize)
}

func TestEncodeDecodeOffsetRoundTrip(t *testing.T) {
	for _, off := range []uint64{0, 1, 127, 128, 16383, 16384, 1 << 30} {
		var buf bytes.Buffer
		cw := &countingWriter{w: &buf}
		require.NoError(t, encodeOffset(cw, off))

		got, err := decodeOffset(bufio.NewReader(&buf))
		require.NoError(t, err)
		require.Equal(t, off, got, "offset %d", off)
	}
}

func TestCountingWriterTracksBytesWritten(t *testing.T) {
	var buf bytes.Buffer
	cw := &countingWriter{w: &buf}
	require.NoError(t, cw.WriteByte('a'))
	n, err := cw.Write([]byte("bcde"))
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, int64(5), cw.n)
}

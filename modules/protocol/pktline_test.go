// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteLineString("hello\n"))
	require.NoError(t, w.WriteLineString("world\n"))
	require.NoError(t, w.Flush())

	r := NewReader(&buf)
	line, err := r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(line))

	line, err = r.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "world\n", string(line))

	_, err = r.ReadLine()
	require.ErrorIs(t, err, ErrFlush)
}

func TestReaderRecognizesDelimPkt(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteLineString("arg\n"))
	require.NoError(t, w.Delim())

	r := NewReader(&buf)
	_, err := r.ReadLine()
	require.NoError(t, err)
	_, err = r.ReadLine()
	require.ErrorIs(t, err, ErrDelim)
}

func TestReadLinesStopsAtFlush(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteLineString("a\n"))
	require.NoError(t, w.WriteLineString("b\n"))
	require.NoError(t, w.Flush())

	r := NewReader(&buf)
	lines, err := r.ReadLines()
	require.NoError(t, err)
	require.Len(t, lines, 2)
}

func TestWriteLineRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	err := w.WriteLine(make([]byte, MaxPktLinePayload+1))
	require.Error(t, err)
}

func TestReadLineRejectsNonHexLength(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("zzzz")))
	_, err := r.ReadLine()
	require.Error(t, err)
}

func TestReadLineErrorsOnTruncatedStream(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("0009ab")))
	_, err := r.ReadLine()
	require.Error(t, err)
}

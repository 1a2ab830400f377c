// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the Smart transfer protocol engine: pkt-line
// framing, capability negotiation, and the upload-pack / receive-pack
// state machines that ride on top of it (§3.5, §4.8).
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/kohrobin/gitcore/modules/gerr"
)

// ErrFlush is returned by ReadLine when the peer sends a flush-pkt
// ("0000"), marking the end of a logical section.
var ErrFlush = errors.New("protocol: flush-pkt")

// ErrDelim is returned by ReadLine when the peer sends a delim-pkt
// ("0001"), used inside protocol v2 command argument sections.
var ErrDelim = errors.New("protocol: delim-pkt")

const (
	pktLineHeaderLen = 4
	// MaxPktLinePayload is the largest payload a single pkt-line may carry;
	// the 4-byte hex length header brings the wire frame to 65520 bytes.
	MaxPktLinePayload = 65516
)

// Writer frames outgoing data as pkt-lines.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteLine frames and writes one pkt-line payload.
func (w *Writer) WriteLine(data []byte) error {
	if len(data) > MaxPktLinePayload {
		return gerr.New(gerr.ProtocolViolation, "protocol.WriteLine", "payload of %d bytes exceeds max pkt-line payload %d", len(data), MaxPktLinePayload)
	}
	if _, err := fmt.Fprintf(w.w, "%04x", pktLineHeaderLen+len(data)); err != nil {
		return gerr.Wrap(gerr.Io, "protocol.WriteLine", err, "write length header")
	}
	if _, err := w.w.Write(data); err != nil {
		return gerr.Wrap(gerr.Io, "protocol.WriteLine", err, "write payload")
	}
	return nil
}

// WriteLineString is WriteLine for a string payload, conventionally
// newline-terminated by the caller as most pkt-line payloads are.
func (w *Writer) WriteLineString(s string) error { return w.WriteLine([]byte(s)) }

// Flush writes a flush-pkt.
func (w *Writer) Flush() error {
	_, err := w.w.Write([]byte("0000"))
	if err != nil {
		return gerr.Wrap(gerr.Io, "protocol.Flush", err, "write flush-pkt")
	}
	return nil
}

// Delim writes a delim-pkt (protocol v2 argument section separator).
func (w *Writer) Delim() error {
	_, err := w.w.Write([]byte("0001"))
	if err != nil {
		return gerr.Wrap(gerr.Io, "protocol.Delim", err, "write delim-pkt")
	}
	return nil
}

// Reader parses incoming pkt-line framing.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: bufio.NewReader(r)} }

// ReadLine returns the next pkt-line's payload, or ErrFlush / ErrDelim for
// the two zero-payload control packets.
func (r *Reader) ReadLine() ([]byte, error) {
	var hexLen [pktLineHeaderLen]byte
	if _, err := io.ReadFull(r.r, hexLen[:]); err != nil {
		return nil, gerr.Wrap(gerr.Io, "protocol.ReadLine", err, "read length header")
	}
	length, err := strconv.ParseUint(string(hexLen[:]), 16, 32)
	if err != nil {
		return nil, gerr.Wrap(gerr.ProtocolViolation, "protocol.ReadLine", err, "non-hex length header %q", hexLen)
	}
	switch length {
	case 0:
		return nil, ErrFlush
	case 1:
		return nil, ErrDelim
	}
	if length < pktLineHeaderLen {
		return nil, gerr.New(gerr.ProtocolViolation, "protocol.ReadLine", "length %d shorter than header", length)
	}
	if length-pktLineHeaderLen > MaxPktLinePayload {
		return nil, gerr.New(gerr.ProtocolViolation, "protocol.ReadLine", "declared payload %d exceeds max %d", length-pktLineHeaderLen, MaxPktLinePayload)
	}
	data := make([]byte, length-pktLineHeaderLen)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return nil, gerr.Wrap(gerr.Io, "protocol.ReadLine", err, "read payload")
	}
	return data, nil
}

// ReadLines reads pkt-lines until a flush-pkt, returning every payload
// seen. A delim-pkt is returned as ErrDelim to the caller without
// consuming further input, letting a v2 argument-section reader stop there.
func (r *Reader) ReadLines() ([][]byte, error) {
	var lines [][]byte
	for {
		line, err := r.ReadLine()
		switch {
		case errors.Is(err, ErrFlush):
			return lines, nil
		case errors.Is(err, ErrDelim):
			return lines, ErrDelim
		case err != nil:
			return nil, err
		default:
			lines = append(lines, line)
		}
	}
}

// Underlying exposes the buffered reader for callers that need to switch
// to raw byte reading mid-stream (e.g. after the last pkt-line of a
// negotiation, to read a raw packfile).
func (r *Reader) Underlying() *bufio.Reader { return r.r }

// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"github.com/kohrobin/gitcore/modules/gerr"
)

// Sideband channel identifiers (§4.8): band 1 carries pack data, band 2
// carries human-readable progress text, band 3 carries a fatal error
// message that terminates the stream.
const (
	SidebandPackData byte = 1
	SidebandProgress byte = 2
	SidebandError    byte = 3
)

// SidebandWriter multiplexes up to three logical channels onto one
// pkt-line stream by prefixing each frame with a one-byte channel id, used
// when the side-band-64k capability was negotiated.
type SidebandWriter struct {
	w *Writer
}

func NewSidebandWriter(w *Writer) *SidebandWriter { return &SidebandWriter{w: w} }

// WriteBand frames data on the given channel, splitting it across
// multiple pkt-lines if needed to respect the one-byte channel prefix
// eating into the max payload.
func (s *SidebandWriter) WriteBand(band byte, data []byte) error {
	const chunk = MaxPktLinePayload - 1
	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		frame := make([]byte, n+1)
		frame[0] = band
		copy(frame[1:], data[:n])
		if err := s.w.WriteLine(frame); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// SidebandReader demultiplexes a pkt-line stream previously produced by a
// SidebandWriter.
type SidebandReader struct {
	r *Reader
}

func NewSidebandReader(r *Reader) *SidebandReader { return &SidebandReader{r: r} }

// ReadBand returns the next frame's channel id and payload, or ErrFlush
// once the stream ends.
func (s *SidebandReader) ReadBand() (byte, []byte, error) {
	line, err := s.r.ReadLine()
	if err != nil {
		return 0, nil, err
	}
	if len(line) == 0 {
		return 0, nil, gerr.New(gerr.ProtocolViolation, "SidebandReader.ReadBand", "empty sideband frame")
	}
	return line[0], line[1:], nil
}

// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"bufio"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/object"
)

// EntryType is the wire type tag in a pack entry header, distinct from
// object.Kind because it also covers the two delta representations (§3.4).
type EntryType uint8

const (
	_ EntryType = iota
	CommitType
	TreeType
	BlobType
	TagType
	_ // 5 reserved
	OFSDeltaType
	RefDeltaType
)

func (t EntryType) Kind() object.Kind {
	switch t {
	case CommitType:
		return object.CommitKind
	case TreeType:
		return object.TreeKind
	case BlobType:
		return object.BlobKind
	case TagType:
		return object.TagKind
	default:
		return object.InvalidKind
	}
}

func KindToEntryType(k object.Kind) EntryType {
	switch k {
	case object.CommitKind:
		return CommitType
	case object.TreeKind:
		return TreeType
	case object.BlobKind:
		return BlobType
	case object.TagKind:
		return TagType
	default:
		return 0
	}
}

// encodeEntryHeader writes the variable-length type-and-size header: the
// first byte holds the type (3 bits) and the low 4 bits of size, with the
// high bit as a continuation flag; subsequent bytes hold 7 more size bits
// each, little-endian, also continuation-flagged.
func encodeEntryHeader(w *countingWriter, t EntryType, size uint64) error {
	first := byte(t) << 4
	first |= byte(size & 0x0f)
	size >>= 4
	if size != 0 {
		first |= 0x80
	}
	if err := w.WriteByte(first); err != nil {
		return err
	}
	for size != 0 {
		b := byte(size & 0x7f)
		size >>= 7
		if size != 0 {
			b |= 0x80
		}
		if err := w.WriteByte(b); err != nil {
			return err
		}
	}
	return nil
}

// decodeEntryHeader reads a variable-length type-and-size header from r.
func decodeEntryHeader(r *bufio.Reader) (EntryType, uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, 0, gerr.Wrap(gerr.Corrupt, "decodeEntryHeader", err, "read first header byte")
	}
	t := EntryType((first >> 4) & 0x7)
	size := uint64(first & 0x0f)
	shift := uint(4)
	for first&0x80 != 0 {
		b, err := r.ReadByte()
		if err != nil {
			return 0, 0, gerr.Wrap(gerr.Corrupt, "decodeEntryHeader", err, "read continuation header byte")
		}
		size |= uint64(b&0x7f) << shift
		shift += 7
		first = b
	}
	return t, size, nil
}

// encodeOffset writes a big-endian base-128 varint with continuation in the
// high bit of all but the last byte — the representation used for
// ofs-delta negative offsets (§3.4).
func encodeOffset(w *countingWriter, off uint64) error {
	var stack []byte
	stack = append(stack, byte(off&0x7f))
	off >>= 7
	for off != 0 {
		off--
		stack = append(stack, byte(off&0x7f)|0x80)
		off >>= 7
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if err := w.WriteByte(stack[i]); err != nil {
			return err
		}
	}
	return nil
}

func decodeOffset(r *bufio.Reader) (uint64, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	off := uint64(b & 0x7f)
	for b&0x80 != 0 {
		b, err = r.ReadByte()
		if err != nil {
			return 0, err
		}
		off = ((off + 1) << 7) | uint64(b&0x7f)
	}
	return off, nil
}

// countingWriter tracks bytes written, used while emitting a pack so entry
// offsets can be recorded for ofs-delta backreferences.
type countingWriter struct {
	w interface {
		Write([]byte) (int, error)
	}
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) WriteByte(b byte) error {
	_, err := c.Write([]byte{b})
	return err
}

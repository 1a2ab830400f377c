// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"bytes"
	"encoding/binary"

	"github.com/kohrobin/gitcore/modules/gerr"
)

// encodeDeltaSize writes a base-128 varint (little-endian, 7 bits per byte,
// continuation in the high bit) as used for the source/target size fields
// at the head of a delta payload.
func encodeDeltaSize(buf *bytes.Buffer, n uint64) {
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			buf.WriteByte(b | 0x80)
		} else {
			buf.WriteByte(b)
			return
		}
	}
}

func decodeDeltaSize(b []byte) (uint64, int) {
	var n uint64
	var shift uint
	for i, c := range b {
		n |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return n, i + 1
		}
		shift += 7
	}
	return 0, len(b)
}

const maxCopySize = 0x10000

// deltaOp is one instruction of a delta payload's instruction stream
// (§3.4): a copy from the base (isCopy) or an insert of literal bytes.
type deltaOp struct {
	isCopy bool
	offset uint64 // copy
	size   uint64 // copy size or insert literal length
	data   []byte // insert literal bytes
}

// encodeDeltaOps serializes the instruction stream following the two size
// varints, per git's delta format (copy instructions use the high bit of
// the opcode byte; insert instructions use opcodes 1..127 as literal
// length).
func encodeDeltaOps(buf *bytes.Buffer, ops []deltaOp) {
	for _, op := range ops {
		if op.isCopy {
			encodeCopyOp(buf, op.offset, op.size)
			continue
		}
		data := op.data
		for len(data) > 0 {
			chunk := data
			if len(chunk) > 127 {
				chunk = chunk[:127]
			}
			buf.WriteByte(byte(len(chunk)))
			buf.Write(chunk)
			data = data[len(chunk):]
		}
	}
}

func encodeCopyOp(buf *bytes.Buffer, offset, size uint64) {
	var offBytes, sizeBytes [4]byte
	binary.LittleEndian.PutUint32(offBytes[:], uint32(offset))
	binary.LittleEndian.PutUint32(sizeBytes[:], uint32(size))
	opcode := byte(0x80)
	var extra []byte
	for i := 0; i < 4; i++ {
		if offBytes[i] != 0 {
			opcode |= 1 << uint(i)
			extra = append(extra, offBytes[i])
		}
	}
	for i := 0; i < 3; i++ { // size is a 24-bit field in the base git format
		if sizeBytes[i] != 0 {
			opcode |= 1 << uint(4+i)
			extra = append(extra, sizeBytes[i])
		}
	}
	buf.WriteByte(opcode)
	buf.Write(extra)
}

// ApplyDelta reconstructs the target object bytes given the base object
// bytes and a delta payload (source-size varint, target-size varint,
// instruction stream). It fails with gerr.Corrupt on any inconsistency.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	srcSize, n := decodeDeltaSize(delta)
	if n == 0 {
		return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "truncated source size varint")
	}
	delta = delta[n:]
	if srcSize != uint64(len(base)) {
		return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "delta source size %d does not match base length %d", srcSize, len(base))
	}
	targetSize, n := decodeDeltaSize(delta)
	if n == 0 {
		return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "truncated target size varint")
	}
	delta = delta[n:]

	out := make([]byte, 0, targetSize)
	for len(delta) > 0 {
		opcode := delta[0]
		delta = delta[1:]
		if opcode&0x80 != 0 {
			var offset, size uint32
			shift := uint(0)
			for i := 0; i < 4; i++ {
				if opcode&(1<<uint(i)) != 0 {
					if len(delta) == 0 {
						return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "truncated copy offset")
					}
					offset |= uint32(delta[0]) << shift
					delta = delta[1:]
				}
				shift += 8
			}
			shift = 0
			for i := 0; i < 3; i++ {
				if opcode&(1<<uint(4+i)) != 0 {
					if len(delta) == 0 {
						return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "truncated copy size")
					}
					size |= uint32(delta[0]) << shift
					delta = delta[1:]
				}
				shift += 8
			}
			if size == 0 {
				size = maxCopySize
			}
			if uint64(offset)+uint64(size) > uint64(len(base)) {
				return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "copy instruction reads past base (off=%d size=%d base=%d)", offset, size, len(base))
			}
			out = append(out, base[offset:offset+size]...)
		} else if opcode != 0 {
			n := int(opcode)
			if len(delta) < n {
				return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "truncated insert literal")
			}
			out = append(out, delta[:n]...)
			delta = delta[n:]
		} else {
			return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "reserved opcode 0 in delta stream")
		}
	}
	if uint64(len(out)) != targetSize {
		return nil, gerr.New(gerr.Corrupt, "ApplyDelta", "reconstructed size %d does not match declared target size %d", len(out), targetSize)
	}
	return out, nil
}

// minCopyRun bounds how short a matched run must be before it's worth
// emitting as a copy instruction rather than folding it into surrounding
// insert literals.
const minCopyRun = 8

// windowSize is the number of bytes hashed per block when indexing the base
// object for delta candidate matching.
const windowSize = 16

// MakeDelta computes a delta transforming base into target. It is not
// required to find the globally smallest delta — only to produce one that
// ApplyDelta(base, delta) reconstructs target byte-for-byte — so it uses a
// simple rolling block index rather than a full suffix automaton.
func MakeDelta(base, target []byte) []byte {
	var buf bytes.Buffer
	encodeDeltaSize(&buf, uint64(len(base)))
	encodeDeltaSize(&buf, uint64(len(target)))

	index := indexBlocks(base)
	ops := matchOps(base, target, index)
	encodeDeltaOps(&buf, ops)
	return buf.Bytes()
}

func indexBlocks(base []byte) map[uint64][]int {
	idx := make(map[uint64][]int)
	if len(base) < windowSize {
		return idx
	}
	for i := 0; i+windowSize <= len(base); i += windowSize {
		h := blockHash(base[i : i+windowSize])
		idx[h] = append(idx[h], i)
	}
	return idx
}

func blockHash(b []byte) uint64 {
	var h uint64 = 1469598103934665603
	for _, c := range b {
		h ^= uint64(c)
		h *= 1099511628211
	}
	return h
}

func matchOps(base, target []byte, index map[uint64][]int) []deltaOp {
	var ops []deltaOp
	var literal []byte
	flushLiteral := func() {
		if len(literal) > 0 {
			ops = append(ops, deltaOp{data: literal})
			literal = nil
		}
	}
	i := 0
	for i < len(target) {
		if i+windowSize > len(target) {
			literal = append(literal, target[i:]...)
			break
		}
		h := blockHash(target[i : i+windowSize])
		candidates := index[h]
		bestLen, bestOff := 0, 0
		for _, off := range candidates {
			l := matchLen(base[off:], target[i:])
			if l > bestLen {
				bestLen, bestOff = l, off
			}
		}
		if bestLen >= minCopyRun {
			flushLiteral()
			for bestLen > 0 {
				chunk := bestLen
				if chunk > maxCopySize {
					chunk = maxCopySize
				}
				ops = append(ops, deltaOp{isCopy: true, offset: uint64(bestOff), size: uint64(chunk)})
				bestOff += chunk
				i += chunk
				bestLen -= chunk
			}
			continue
		}
		literal = append(literal, target[i])
		i++
	}
	flushLiteral()
	return ops
}

func matchLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

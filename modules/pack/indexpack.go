// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/klauspost/compress/zlib"
)

// byteAtATimeReader forces every Read call to return at most one byte. This
// is what lets us ask "how many input bytes did this zlib stream actually
// consume" afterwards by comparing positions, since compress/flate may
// otherwise buffer ahead past the logical end of a deflate stream.
type byteAtATimeReader struct {
	r   *bytes.Reader
	pos int64
}

func (b *byteAtATimeReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var one [1]byte
	n, err := b.r.Read(one[:])
	if n == 1 {
		p[0] = one[0]
		b.pos++
	}
	return n, err
}

// scannedEntry is what pass 1 of IndexPack records for each entry.
type scannedEntry struct {
	offset   uint64
	compLen  uint64
	crc      uint32
	t        EntryType
	size     uint64
	payload  []byte      // set for base kinds
	delta    []byte      // set for delta kinds
	baseOff  uint64      // ofs-delta
	baseOID  hashing.OID // ref-delta
}

// IndexPack rebuilds a pack index from a bare .pack file via the two-pass
// scan described in §4.6: pass 1 parses every entry header and collects
// OIDs for non-delta objects (materializing + hashing them immediately);
// pass 2 resolves deltas in dependency order. A cycle is impossible for a
// valid pack and is reported as gerr.Corrupt.
func IndexPack(algo hashing.Algo, packData []byte) ([]IndexEntry, hashing.OID, error) {
	if len(packData) < 12 || string(packData[:4]) != packMagic {
		return nil, nil, gerr.New(gerr.Corrupt, "IndexPack", "missing PACK magic")
	}
	count := binary.BigEndian.Uint32(packData[8:12])
	hashSize := algo.Size()
	if len(packData) < hashSize {
		return nil, nil, gerr.New(gerr.Corrupt, "IndexPack", "pack too short for trailer")
	}
	trailer := hashing.OID(packData[len(packData)-hashSize:])
	computed := hashing.Hash(algo, packData[:len(packData)-hashSize])
	if !computed.Equal(trailer) {
		return nil, nil, gerr.New(gerr.Corrupt, "IndexPack", "pack trailer hash mismatch")
	}

	entries := make([]scannedEntry, 0, count)
	offset := uint64(12)
	end := uint64(len(packData) - hashSize)
	for i := uint32(0); i < count; i++ {
		if offset >= end {
			return nil, nil, gerr.New(gerr.Corrupt, "IndexPack", "truncated pack: expected %d entries, ran out at %d", count, i)
		}
		se, next, err := scanEntry(algo, packData, offset)
		if err != nil {
			return nil, nil, err
		}
		se.offset = offset
		entries = append(entries, se)
		offset = next
	}
	if offset != end {
		return nil, nil, gerr.New(gerr.Corrupt, "IndexPack", "trailing garbage after last entry")
	}

	byOffset := make(map[uint64]*scannedEntry, len(entries))
	for i := range entries {
		byOffset[entries[i].offset] = &entries[i]
	}
	resolved := make(map[uint64]object.Kind, len(entries))
	oids := make(map[uint64]hashing.OID, len(entries))

	var resolve func(off uint64, seen map[uint64]bool) (object.Kind, []byte, error)
	resolve = func(off uint64, seen map[uint64]bool) (object.Kind, []byte, error) {
		se, ok := byOffset[off]
		if !ok {
			return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "IndexPack", "delta references offset %d with no entry", off)
		}
		if seen[off] {
			return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "IndexPack", "cyclic delta chain detected at offset %d", off)
		}
		seen[off] = true
		switch se.t {
		case CommitType, TreeType, BlobType, TagType:
			return se.t.Kind(), se.payload, nil
		case OFSDeltaType:
			baseKind, baseBytes, err := resolve(off-se.baseOff, seen)
			if err != nil {
				return object.InvalidKind, nil, err
			}
			target, err := ApplyDelta(baseBytes, se.delta)
			if err != nil {
				return object.InvalidKind, nil, err
			}
			return baseKind, target, nil
		case RefDeltaType:
			for candOff, cse := range byOffset {
				if oid, ok := oids[candOff]; ok && oid.Equal(se.baseOID) {
					baseKind, baseBytes, err := resolve(candOff, seen)
					if err != nil {
						return object.InvalidKind, nil, err
					}
					target, err := ApplyDelta(baseBytes, se.delta)
					if err != nil {
						return object.InvalidKind, nil, err
					}
					return baseKind, target, nil
				}
				_ = cse
			}
			return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "IndexPack", "ref-delta base %s not found within pack", se.baseOID)
		default:
			return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "IndexPack", "unknown entry type at %d", off)
		}
	}

	// First resolve and hash every base (non-delta) object so ref-delta
	// bases become available to later passes.
	for i := range entries {
		if entries[i].t == CommitType || entries[i].t == TreeType || entries[i].t == BlobType || entries[i].t == TagType {
			oid := hashing.Hash(algo, canonicalBytes(entries[i].t.Kind(), entries[i].payload))
			oids[entries[i].offset] = oid
			resolved[entries[i].offset] = entries[i].t.Kind()
		}
	}
	// Then resolve deltas until all are done (dependency order; a second
	// sweep suffices because forward references are rare but not
	// disallowed).
	pending := len(entries) - len(oids)
	for pending > 0 {
		progressed := false
		for i := range entries {
			if _, done := oids[entries[i].offset]; done {
				continue
			}
			kind, bytes2, err := resolve(entries[i].offset, map[uint64]bool{})
			if err != nil {
				return nil, nil, err
			}
			oid := hashing.Hash(algo, canonicalBytes(kind, bytes2))
			oids[entries[i].offset] = oid
			resolved[entries[i].offset] = kind
			pending--
			progressed = true
		}
		if !progressed && pending > 0 {
			return nil, nil, gerr.New(gerr.Corrupt, "IndexPack", "unresolved delta chains remain (cycle or missing base)")
		}
	}

	out := make([]IndexEntry, 0, len(entries))
	for i := range entries {
		out = append(out, IndexEntry{OID: oids[entries[i].offset], CRC32: entries[i].crc, Offset: entries[i].offset})
	}
	return out, trailer, nil
}

func canonicalBytes(kind object.Kind, payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(kind.String())
	buf.WriteByte(' ')
	buf.WriteString(itoa(len(payload)))
	buf.WriteByte(0)
	buf.Write(payload)
	return buf.Bytes()
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// scanEntry parses the entry starting at offset and returns it plus the
// offset of the next entry.
func scanEntry(algo hashing.Algo, data []byte, offset uint64) (scannedEntry, uint64, error) {
	br := bufio.NewReader(bytes.NewReader(data[offset:]))
	t, size, err := decodeEntryHeader(br)
	if err != nil {
		return scannedEntry{}, 0, err
	}
	se := scannedEntry{t: t, size: size}
	headerConsumed := int64(len(data[offset:])) - int64(br.Buffered())
	switch t {
	case OFSDeltaType:
		off, err := decodeOffset(br)
		if err != nil {
			return scannedEntry{}, 0, gerr.Wrap(gerr.Corrupt, "scanEntry", err, "ofs-delta offset at %d", offset)
		}
		se.baseOff = off
		headerConsumed = int64(len(data[offset:])) - int64(br.Buffered())
	case RefDeltaType:
		oid := make(hashing.OID, algo.Size())
		if _, err := io.ReadFull(br, oid); err != nil {
			return scannedEntry{}, 0, gerr.Wrap(gerr.Corrupt, "scanEntry", err, "ref-delta oid at %d", offset)
		}
		se.baseOID = oid
		headerConsumed = int64(len(data[offset:])) - int64(br.Buffered())
	}

	compStart := offset + uint64(headerConsumed)
	bar := &byteAtATimeReader{r: bytes.NewReader(data[compStart:])}
	zr, err := zlib.NewReader(bar)
	if err != nil {
		return scannedEntry{}, 0, gerr.Wrap(gerr.Corrupt, "scanEntry", err, "zlib header at %d", offset)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		return scannedEntry{}, 0, gerr.Wrap(gerr.Corrupt, "scanEntry", err, "inflate entry at %d", offset)
	}
	zr.Close()
	compLen := uint64(bar.pos)
	se.compLen = compLen
	switch t {
	case OFSDeltaType, RefDeltaType:
		se.delta = payload
	default:
		se.payload = payload
	}
	se.crc = crc32.ChecksumIEEE(data[offset : compStart+compLen])
	return se, compStart + compLen, nil
}

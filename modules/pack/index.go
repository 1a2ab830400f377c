// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
)

// Index v2 on-disk layout (§3.5):
//
//	magic(4) version(4)
//	fanout[256] uint32
//	sorted-oid-table[N] (hashSize bytes each)
//	crc32-table[N] uint32
//	offset-table[N] uint32 (high bit => index into large-offset table)
//	large-offset-table[M] uint64
//	pack-trailer-hash (hashSize bytes)
//	index-trailer-hash (hashSize bytes)
const (
	IndexVersion = 2

	fanoutEntries = 256
)

var indexMagic = [4]byte{0xff, 't', 'O', 'c'}

// IndexEntry is one parsed record: an OID, its CRC32, and its packfile byte
// offset.
type IndexEntry struct {
	OID    hashing.OID
	CRC32  uint32
	Offset uint64
}

// Index is a decoded (but lazily-materialized) pack index.
type Index struct {
	algo   hashing.Algo
	fanout [fanoutEntries]uint32
	count  int

	oidTable    []byte // count*hashSize
	crcTable    []byte // count*4
	offTable    []byte // count*4
	largeOffTab []byte // variable*8

	PackTrailer  hashing.OID
	IndexTrailer hashing.OID
}

// DecodeIndex parses a complete .idx v2 byte buffer.
func DecodeIndex(algo hashing.Algo, b []byte) (*Index, error) {
	if len(b) < 8+fanoutEntries*4 {
		return nil, gerr.New(gerr.Corrupt, "DecodeIndex", "truncated index header")
	}
	if !bytes.Equal(b[:4], indexMagic[:]) {
		return nil, gerr.New(gerr.Corrupt, "DecodeIndex", "bad index magic")
	}
	version := binary.BigEndian.Uint32(b[4:8])
	if version != IndexVersion {
		return nil, gerr.New(gerr.Corrupt, "DecodeIndex", "unsupported index version %d", version)
	}
	idx := &Index{algo: algo}
	off := 8
	for i := 0; i < fanoutEntries; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	idx.count = int(idx.fanout[fanoutEntries-1])
	hashSize := algo.Size()

	need := func(n int) error {
		if len(b) < off+n {
			return gerr.New(gerr.Corrupt, "DecodeIndex", "truncated index body")
		}
		return nil
	}

	if err := need(idx.count * hashSize); err != nil {
		return nil, err
	}
	idx.oidTable = b[off : off+idx.count*hashSize]
	off += idx.count * hashSize

	if err := need(idx.count * 4); err != nil {
		return nil, err
	}
	idx.crcTable = b[off : off+idx.count*4]
	off += idx.count * 4

	if err := need(idx.count * 4); err != nil {
		return nil, err
	}
	idx.offTable = b[off : off+idx.count*4]
	off += idx.count * 4

	// Count how many offsets overflow into the large-offset table.
	large := 0
	for i := 0; i < idx.count; i++ {
		v := binary.BigEndian.Uint32(idx.offTable[i*4 : i*4+4])
		if v&0x80000000 != 0 {
			large++
		}
	}
	if err := need(large * 8); err != nil {
		return nil, err
	}
	idx.largeOffTab = b[off : off+large*8]
	off += large * 8

	if err := need(hashSize * 2); err != nil {
		return nil, err
	}
	idx.PackTrailer = hashing.OID(b[off : off+hashSize])
	off += hashSize
	idx.IndexTrailer = hashing.OID(b[off : off+hashSize])
	off += hashSize

	computed := hashing.Hash(algo, b[:off-hashSize])
	if !computed.Equal(idx.IndexTrailer) {
		return nil, gerr.New(gerr.Corrupt, "DecodeIndex", "index trailer hash mismatch")
	}
	return idx, nil
}

// Count returns the number of objects indexed.
func (idx *Index) Count() int { return idx.count }

func (idx *Index) nameAt(i int) hashing.OID {
	hs := idx.algo.Size()
	return hashing.OID(idx.oidTable[i*hs : i*hs+hs])
}

func (idx *Index) crcAt(i int) uint32 {
	return binary.BigEndian.Uint32(idx.crcTable[i*4 : i*4+4])
}

func (idx *Index) offsetAt(i int) uint64 {
	v := binary.BigEndian.Uint32(idx.offTable[i*4 : i*4+4])
	if v&0x80000000 == 0 {
		return uint64(v)
	}
	li := int(v &^ 0x80000000)
	return binary.BigEndian.Uint64(idx.largeOffTab[li*8 : li*8+8])
}

// Find performs an O(log N) fanout-accelerated binary search for oid,
// returning its full entry or (nil, false).
func (idx *Index) Find(oid hashing.OID) (*IndexEntry, bool) {
	left, right := idx.bounds(oid[0])
	for left < right {
		mid := left + (right-left)/2
		name := idx.nameAt(mid)
		switch name.Compare(oid) {
		case 0:
			return &IndexEntry{OID: name.Clone(), CRC32: idx.crcAt(mid), Offset: idx.offsetAt(mid)}, true
		case -1:
			left = mid + 1
		default:
			right = mid
		}
	}
	return nil, false
}

func (idx *Index) bounds(firstByte byte) (int, int) {
	var left int
	if firstByte != 0 {
		left = int(idx.fanout[firstByte-1])
	}
	right := int(idx.fanout[firstByte])
	return left, right
}

// FindAbbrev linearly narrows candidates matching a hex prefix within the
// fanout-bounded slice for the prefix's first byte; used for abbreviation
// resolution (§4.3). Returns every matching OID (caller decides Ambiguous).
func (idx *Index) FindAbbrev(whole []byte, halfNibble byte, hasHalf bool) []hashing.OID {
	if len(whole) == 0 {
		return nil
	}
	left, right := idx.bounds(whole[0])
	var out []hashing.OID
	for i := left; i < right; i++ {
		name := idx.nameAt(i)
		if hashing.HasPrefix(name, whole, halfNibble, hasHalf) {
			out = append(out, name.Clone())
		}
	}
	return out
}

// ForEach calls fn for every (oid, offset) pair in index order (ascending
// by OID), stopping and returning fn's error if it is non-nil.
func (idx *Index) ForEach(fn func(hashing.OID, uint64) error) error {
	for i := 0; i < idx.count; i++ {
		if err := fn(idx.nameAt(i).Clone(), idx.offsetAt(i)); err != nil {
			return err
		}
	}
	return nil
}

// BuildIndex encodes a complete .idx v2 file from a set of entries (which
// need not be pre-sorted) and the packfile's trailer hash.
func BuildIndex(algo hashing.Algo, entries []IndexEntry, packTrailer hashing.OID) []byte {
	sort.Sort(sorterOIDs(entries))
	var fanout [fanoutEntries]uint32
	for _, e := range entries {
		for b := int(e.OID[0]); b < fanoutEntries; b++ {
			fanout[b]++
		}
	}

	var buf bytes.Buffer
	buf.Write(indexMagic[:])
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], IndexVersion)
	buf.Write(verBuf[:])
	for _, f := range fanout {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], f)
		buf.Write(b[:])
	}
	for _, e := range entries {
		buf.Write(e.OID)
	}
	for _, e := range entries {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], e.CRC32)
		buf.Write(b[:])
	}
	var largeOffsets []uint64
	for _, e := range entries {
		var b [4]byte
		if e.Offset > 0x7fffffff {
			binary.BigEndian.PutUint32(b[:], 0x80000000|uint32(len(largeOffsets)))
			largeOffsets = append(largeOffsets, e.Offset)
		} else {
			binary.BigEndian.PutUint32(b[:], uint32(e.Offset))
		}
		buf.Write(b[:])
	}
	for _, o := range largeOffsets {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], o)
		buf.Write(b[:])
	}
	buf.Write(packTrailer)
	trailer := hashing.Hash(algo, buf.Bytes())
	buf.Write(trailer)
	return buf.Bytes()
}

// sorterOIDs adapts []IndexEntry to hashing.Sort's comparator requirements.
type sorterOIDs []IndexEntry

func (s sorterOIDs) Len() int           { return len(s) }
func (s sorterOIDs) Less(i, j int) bool { return s[i].OID.Compare(s[j].OID) < 0 }
func (s sorterOIDs) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

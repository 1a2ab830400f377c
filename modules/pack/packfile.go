// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/klauspost/compress/zlib"
)

const packMagic = "PACK"

// DefaultMaxDeltaDepth bounds delta chain walks (§4.3, §8 property 9).
const DefaultMaxDeltaDepth = 50

// RawEntry is one fully-parsed-but-not-delta-resolved pack entry: either a
// base object (commit/tree/blob/tag) with its canonical payload, or a delta
// against a base located by pack offset (ofs-delta) or OID (ref-delta,
// possibly outside this pack — a thin pack reference).
type RawEntry struct {
	Type       EntryType
	Size       uint64 // declared decompressed size (payload for base kinds, delta instruction stream for deltas)
	Payload    []byte // populated for base kinds
	Delta      []byte // populated for delta kinds
	BaseOffset uint64 // valid when Type == OFSDeltaType; base = this entry's offset - BaseOffset
	BaseOID    hashing.OID // valid when Type == RefDeltaType
	HeaderLen  int64        // bytes consumed by the type+size+delta-ref header
	CompLen    int64        // bytes consumed by the compressed payload
}

// Packfile wraps a memory-mapped .pack file plus its paired .idx, and
// resolves object lookups and delta chains.
type Packfile struct {
	algo    hashing.Algo
	m       mappedFile
	idx     *Index
	Version uint32
	Count   uint32
	path    string
}

// Open opens the packPath/.pack and its sibling .idx, verifying both
// trailers (§4.6).
func Open(algo hashing.Algo, packPath, idxPath string) (*Packfile, error) {
	m, err := mmapFile(packPath)
	if err != nil {
		return nil, gerr.Wrap(gerr.Io, "pack.Open", err, "mmap %s", packPath)
	}
	data := m.Bytes()
	if len(data) < 12 {
		m.Close()
		return nil, gerr.New(gerr.Corrupt, "pack.Open", "%s too short for a pack header", packPath)
	}
	if string(data[:4]) != packMagic {
		m.Close()
		return nil, gerr.New(gerr.Corrupt, "pack.Open", "%s missing PACK magic", packPath)
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 && version != 3 {
		m.Close()
		return nil, gerr.New(gerr.Corrupt, "pack.Open", "%s has unsupported version %d", packPath, version)
	}
	count := binary.BigEndian.Uint32(data[8:12])

	hashSize := algo.Size()
	if len(data) < hashSize {
		m.Close()
		return nil, gerr.New(gerr.Corrupt, "pack.Open", "%s too short for trailer", packPath)
	}
	trailer := hashing.OID(data[len(data)-hashSize:])
	computed := hashing.Hash(algo, data[:len(data)-hashSize])
	if !computed.Equal(trailer) {
		m.Close()
		return nil, gerr.New(gerr.Corrupt, "pack.Open", "%s trailer hash mismatch", packPath)
	}

	idxBytes, err := os.ReadFile(idxPath)
	if err != nil {
		m.Close()
		return nil, gerr.Wrap(gerr.Io, "pack.Open", err, "read %s", idxPath)
	}
	idx, err := DecodeIndex(algo, idxBytes)
	if err != nil {
		m.Close()
		return nil, err
	}
	if !idx.PackTrailer.Equal(trailer) {
		m.Close()
		return nil, gerr.New(gerr.Corrupt, "pack.Open", "%s index does not match pack trailer", idxPath)
	}
	return &Packfile{algo: algo, m: m, idx: idx, Version: version, Count: count, path: packPath}, nil
}

func (p *Packfile) Close() error { return p.m.Close() }

func (p *Packfile) Index() *Index { return p.idx }

func (p *Packfile) Path() string { return p.path }

// Find looks up oid via the paired index.
func (p *Packfile) Find(oid hashing.OID) (*IndexEntry, bool) { return p.idx.Find(oid) }

// CRC32Of returns the stored CRC32 of oid's compressed entry bytes, or
// (0, false) if absent.
func (p *Packfile) CRC32Of(oid hashing.OID) (uint32, bool) {
	e, ok := p.idx.Find(oid)
	if !ok {
		return 0, false
	}
	return e.CRC32, true
}

// ReadRawAt parses (but does not delta-resolve) the entry at packfile byte
// offset "at".
func (p *Packfile) ReadRawAt(at uint64) (*RawEntry, error) {
	data := p.m.Bytes()
	if at >= uint64(len(data)) {
		return nil, gerr.New(gerr.Corrupt, "Packfile.ReadRawAt", "offset %d out of range", at)
	}
	br := bufio.NewReader(bytes.NewReader(data[at:]))
	t, size, err := decodeEntryHeader(br)
	if err != nil {
		return nil, err
	}
	headerLen := int64(len(data[at:])) - int64(br.Buffered())
	entry := &RawEntry{Type: t, Size: size}
	switch t {
	case OFSDeltaType:
		off, err := decodeOffset(br)
		if err != nil {
			return nil, gerr.Wrap(gerr.Corrupt, "Packfile.ReadRawAt", err, "read ofs-delta offset at %d", at)
		}
		entry.BaseOffset = off
		headerLen = int64(len(data[at:])) - int64(br.Buffered())
	case RefDeltaType:
		oid := make(hashing.OID, p.algo.Size())
		if _, err := io.ReadFull(br, oid); err != nil {
			return nil, gerr.Wrap(gerr.Corrupt, "Packfile.ReadRawAt", err, "read ref-delta base oid at %d", at)
		}
		entry.BaseOID = oid
		headerLen = int64(len(data[at:])) - int64(br.Buffered())
	}
	entry.HeaderLen = headerLen

	zr, err := zlib.NewReader(br)
	if err != nil {
		return nil, gerr.Wrap(gerr.Corrupt, "Packfile.ReadRawAt", err, "zlib header at %d", at)
	}
	defer zr.Close()
	payload := make([]byte, size)
	if _, err := io.ReadFull(zr, payload); err != nil {
		return nil, gerr.Wrap(gerr.Corrupt, "Packfile.ReadRawAt", err, "inflate entry at %d", at)
	}
	switch t {
	case OFSDeltaType, RefDeltaType:
		entry.Delta = payload
	default:
		entry.Payload = payload
	}
	return entry, nil
}

// BaseResolver resolves a ref-delta base OID that is not present in the
// current pack — across other mapped packs, loose storage, and alternates.
// Implemented by the ODB facade (§4.3 delta reconstruction).
type BaseResolver interface {
	ResolveBase(oid hashing.OID) (object.Kind, []byte, error)
}

// Resolve fully materializes the object at packfile offset "at", walking
// the delta chain (by offset for ofs-delta, by resolver for ref-delta) up
// to maxDepth hops. Exceeding the bound fails with gerr.Corrupt (§8
// property 9).
func (p *Packfile) Resolve(at uint64, resolver BaseResolver, maxDepth int) (object.Kind, []byte, error) {
	return p.resolveDepth(at, resolver, maxDepth, 0)
}

func (p *Packfile) resolveDepth(at uint64, resolver BaseResolver, maxDepth, depth int) (object.Kind, []byte, error) {
	if depth > maxDepth {
		return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "Packfile.Resolve", "delta chain exceeds max depth %d", maxDepth)
	}
	entry, err := p.ReadRawAt(at)
	if err != nil {
		return object.InvalidKind, nil, err
	}
	switch entry.Type {
	case CommitType, TreeType, BlobType, TagType:
		return entry.Type.Kind(), entry.Payload, nil
	case OFSDeltaType:
		if entry.BaseOffset == 0 || entry.BaseOffset > at {
			return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "Packfile.Resolve", "invalid ofs-delta base offset at %d", at)
		}
		baseKind, baseBytes, err := p.resolveDepth(at-entry.BaseOffset, resolver, maxDepth, depth+1)
		if err != nil {
			return object.InvalidKind, nil, err
		}
		target, err := ApplyDelta(baseBytes, entry.Delta)
		if err != nil {
			return object.InvalidKind, nil, err
		}
		return baseKind, target, nil
	case RefDeltaType:
		if e, ok := p.idx.Find(entry.BaseOID); ok {
			baseKind, baseBytes, err := p.resolveDepth(e.Offset, resolver, maxDepth, depth+1)
			if err != nil {
				return object.InvalidKind, nil, err
			}
			target, err := ApplyDelta(baseBytes, entry.Delta)
			if err != nil {
				return object.InvalidKind, nil, err
			}
			return baseKind, target, nil
		}
		if resolver == nil {
			return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "Packfile.Resolve", "ref-delta base %s not in pack and no resolver configured", entry.BaseOID)
		}
		if depth+1 > maxDepth {
			return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "Packfile.Resolve", "delta chain exceeds max depth %d", maxDepth)
		}
		baseKind, baseBytes, err := resolver.ResolveBase(entry.BaseOID)
		if err != nil {
			return object.InvalidKind, nil, err
		}
		target, err := ApplyDelta(baseBytes, entry.Delta)
		if err != nil {
			return object.InvalidKind, nil, err
		}
		return baseKind, target, nil
	default:
		return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "Packfile.Resolve", "unknown entry type %d at %d", entry.Type, at)
	}
}

// ForEachOffset iterates every object's (oid, offset) in index order
// (ascending OID, as the .idx stores them), not in pack offset order.
func (p *Packfile) ForEachOffset(fn func(hashing.OID, uint64) error) error {
	return p.idx.ForEach(fn)
}

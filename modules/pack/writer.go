// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
	"sort"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/klauspost/compress/zlib"
)

// crcCountingWriter multiplexes writes to the pack's running byte counter
// while also feeding a CRC32, so each entry's compressed-bytes checksum
// (stored in the index) can be computed in the same pass that writes it.
type crcCountingWriter struct {
	out *countingWriter
	crc hash.Hash32
}

func newCRCCountingWriter(out *countingWriter) *crcCountingWriter {
	return &crcCountingWriter{out: out, crc: crc32.NewIEEE()}
}

func (c *crcCountingWriter) Write(p []byte) (int, error) {
	n, err := c.out.Write(p)
	c.crc.Write(p[:n])
	return n, err
}

func (c *crcCountingWriter) WriteByte(b byte) error {
	_, err := c.Write([]byte{b})
	return err
}

func (c *crcCountingWriter) Sum32() uint32 { return c.crc.Sum32() }

// Policy bundles the writer's tunables (§4.7).
type Policy struct {
	Thin        bool
	Window      int // default 10
	MaxDepth    int // default 50
	MaxSizeFrac float64 // delta must be <= source size * MaxSizeFrac; default 1.0
}

// DefaultPolicy matches the spec's stated defaults.
func DefaultPolicy() Policy {
	return Policy{Thin: false, Window: 10, MaxDepth: DefaultMaxDeltaDepth, MaxSizeFrac: 1.0}
}

// ObjectSource supplies object bytes for both the objects being packed and
// (for thin packs) the "haves" used only as delta bases.
type ObjectSource interface {
	ReadPayload(oid hashing.OID) (object.Kind, []byte, error)
}

type writeCandidate struct {
	oid     hashing.OID
	kind    object.Kind
	payload []byte
	offset  int64 // -1 if not emitted into this pack (a "have")
	depth   int
}

// WritePack streams a deterministic pack for `objects` (already computed as
// reachable(wants) \ reachable(haves) by the caller) to w, optionally
// permitting ref-delta bases drawn from `haves` for thin packs. It returns
// the pack trailer OID and the index entries describing what was written
// (offset + CRC32 per object), ready for BuildIndex.
func WritePack(algo hashing.Algo, w io.Writer, source ObjectSource, objects []hashing.OID, haves []hashing.OID, policy Policy) (hashing.OID, []IndexEntry, error) {
	if policy.Window <= 0 {
		policy.Window = 10
	}
	if policy.MaxDepth <= 0 {
		policy.MaxDepth = DefaultMaxDeltaDepth
	}
	if policy.MaxSizeFrac <= 0 {
		policy.MaxSizeFrac = 1.0
	}

	hasher := hashing.NewHasher(algo)
	cw := &countingWriter{w: io.MultiWriter(w, hasher)}

	type toPack struct {
		oid     hashing.OID
		kind    object.Kind
		payload []byte
	}
	items := make([]toPack, 0, len(objects))
	for _, oid := range objects {
		kind, payload, err := source.ReadPayload(oid)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, toPack{oid: oid, kind: kind, payload: payload})
	}
	// Sort by (kind, size descending) — a heuristic grouping deltifiable
	// candidates, per §4.7 step 2. Path-hint grouping is omitted: this
	// object-graph-level writer has no path context, only kind+bytes.
	sort.Slice(items, func(i, j int) bool {
		if items[i].kind != items[j].kind {
			return items[i].kind < items[j].kind
		}
		return len(items[i].payload) > len(items[j].payload)
	})

	var window []*writeCandidate
	if policy.Thin {
		for _, oid := range haves {
			kind, payload, err := source.ReadPayload(oid)
			if err != nil {
				continue // haves are best-effort delta bases; absence is not fatal
			}
			window = append(window, &writeCandidate{oid: oid, kind: kind, payload: payload, offset: -1, depth: 0})
		}
	}

	entries := make([]IndexEntry, 0, len(items))
	header := make([]byte, 12)
	copy(header, packMagic)
	binary.BigEndian.PutUint32(header[4:8], 2)
	binary.BigEndian.PutUint32(header[8:12], uint32(len(items)))
	if _, err := cw.Write(header); err != nil {
		return nil, nil, gerr.Wrap(gerr.Io, "WritePack", err, "write pack header")
	}

	for _, it := range items {
		entryOffset := cw.n
		bestCandidate, bestDelta, bestDepth := pickBase(it.kind, it.payload, window, policy)

		var (
			entryType EntryType
			payload   []byte
		)
		if bestCandidate != nil {
			payload = bestDelta
			if bestCandidate.offset >= 0 {
				entryType = OFSDeltaType
			} else {
				entryType = RefDeltaType
			}
		} else {
			entryType = KindToEntryType(it.kind)
			payload = it.payload
		}

		crc, err := writeEntry(cw, entryType, uint64(len(it.payload)), payload, bestCandidate, entryOffset)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, IndexEntry{OID: it.oid, CRC32: crc, Offset: uint64(entryOffset)})

		depth := 0
		if bestCandidate != nil {
			depth = bestDepth + 1
		}
		window = append(window, &writeCandidate{oid: it.oid, kind: it.kind, payload: it.payload, offset: entryOffset, depth: depth})
		if len(window) > policy.Window && policy.Window > 0 {
			// Keep permanent "have" candidates (offset == -1) plus the
			// most recent Window in-pack candidates.
			var trimmed []*writeCandidate
			inPack := 0
			for i := len(window) - 1; i >= 0; i-- {
				if window[i].offset == -1 {
					continue
				}
				inPack++
			}
			drop := inPack - policy.Window
			for _, c := range window {
				if c.offset != -1 && drop > 0 {
					drop--
					continue
				}
				trimmed = append(trimmed, c)
			}
			window = trimmed
		}
	}

	trailer := hasher.Sum()
	if _, err := w.Write(trailer); err != nil {
		return nil, nil, gerr.Wrap(gerr.Io, "WritePack", err, "write trailer")
	}
	return trailer, entries, nil
}

func pickBase(kind object.Kind, payload []byte, window []*writeCandidate, policy Policy) (*writeCandidate, []byte, int) {
	var best *writeCandidate
	var bestDelta []byte
	for _, c := range window {
		if c.kind != kind {
			continue
		}
		if c.depth+1 > policy.MaxDepth {
			continue
		}
		delta := MakeDelta(c.payload, payload)
		if float64(len(delta)) > float64(len(c.payload))*policy.MaxSizeFrac {
			continue
		}
		if best == nil || len(delta) < len(bestDelta) {
			best, bestDelta = c, delta
		}
	}
	if best == nil {
		return nil, nil, 0
	}
	return best, bestDelta, best.depth
}

// writeEntry encodes and emits one pack entry, returning its CRC32.
func writeEntry(cw *countingWriter, t EntryType, originalSize uint64, payload []byte, base *writeCandidate, entryOffset int64) (uint32, error) {
	crcWriter := newCRCCountingWriter(cw)
	size := originalSize
	if t == OFSDeltaType || t == RefDeltaType {
		size = uint64(len(payload))
	}
	if err := encodeEntryHeader(&countingWriter{w: crcWriter}, t, size); err != nil {
		return 0, err
	}
	switch t {
	case OFSDeltaType:
		if err := encodeOffset(&countingWriter{w: crcWriter}, uint64(entryOffset-base.offset)); err != nil {
			return 0, err
		}
	case RefDeltaType:
		if _, err := crcWriter.Write(base.oid); err != nil {
			return 0, err
		}
	}
	zw := zlib.NewWriter(crcWriter)
	if _, err := zw.Write(payload); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return crcWriter.Sum32(), nil
}

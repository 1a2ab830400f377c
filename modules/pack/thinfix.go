// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"encoding/binary"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/klauspost/compress/zlib"
)

// FixThin rewrites a thin pack's header count and appends one full-object
// entry per ref-delta base the pack itself doesn't contain, resolving each
// through resolver (the receiving side's object database). The result is a
// self-contained pack IndexPack can index without any outside knowledge
// (§4.8 "thin-pack fix-up on receive").
func FixThin(algo hashing.Algo, packData []byte, resolver BaseResolver) ([]byte, error) {
	if len(packData) < 12 || string(packData[:4]) != packMagic {
		return nil, gerr.New(gerr.Corrupt, "FixThin", "missing PACK magic")
	}
	hashSize := algo.Size()
	if len(packData) < 12+hashSize {
		return nil, gerr.New(gerr.Corrupt, "FixThin", "pack too short for trailer")
	}
	count := binary.BigEndian.Uint32(packData[8:12])
	body := packData[12 : len(packData)-hashSize]

	present := make(map[string]bool, count)
	var missingBases []hashing.OID
	offset := uint64(0)
	for i := uint32(0); i < count; i++ {
		se, next, err := scanEntry(algo, body, offset)
		if err != nil {
			return nil, err
		}
		switch se.t {
		case CommitType, TreeType, BlobType, TagType:
			oid := hashing.Hash(algo, canonicalBytes(se.t.Kind(), se.payload))
			present[oid.String()] = true
		case RefDeltaType:
			if !present[se.baseOID.String()] {
				missingBases = append(missingBases, se.baseOID)
			}
		}
		offset = next
	}
	if len(missingBases) == 0 {
		return packData, nil
	}

	seen := make(map[string]bool, len(missingBases))
	var appended []byte
	added := uint32(0)
	for _, oid := range missingBases {
		key := oid.String()
		if seen[key] || present[key] {
			continue
		}
		seen[key] = true
		kind, payload, err := resolver.ResolveBase(oid)
		if err != nil {
			return nil, gerr.Wrap(gerr.NotFound, "FixThin", err, "thin pack base %s not found", oid)
		}
		buf := &sliceWriter{}
		entryCW := &countingWriter{w: buf}
		if err := encodeEntryHeader(entryCW, KindToEntryType(kind), uint64(len(payload))); err != nil {
			return nil, err
		}
		zw := zlib.NewWriter(entryCW)
		if _, err := zw.Write(payload); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		appended = append(appended, buf.b...)
		added++
	}

	out := make([]byte, 0, len(packData)+len(appended))
	out = append(out, packData[:len(packData)-hashSize]...)
	out = append(out, appended...)
	binary.BigEndian.PutUint32(out[8:12], count+added)

	trailer := hashing.Hash(algo, out)
	out = append(out, trailer...)
	return out, nil
}

// sliceWriter is the minimal io.Writer a countingWriter can wrap when we
// need the bytes back rather than streaming them onward.
type sliceWriter struct {
	b []byte
}

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.b = append(s.b, p...)
	return len(p), nil
}

// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	payloads map[string]struct {
		kind    object.Kind
		payload []byte
	}
}

func newFakeSource() *fakeSource {
	return &fakeSource{payloads: make(map[string]struct {
		kind    object.Kind
		payload []byte
	})}
}

func canonicalOID(algo hashing.Algo, kind object.Kind, payload []byte) hashing.OID {
	header := fmt.Sprintf("%s %d\x00", kind, len(payload))
	return hashing.Hash(algo, append([]byte(header), payload...))
}

func (f *fakeSource) add(algo hashing.Algo, kind object.Kind, payload []byte) hashing.OID {
	oid := canonicalOID(algo, kind, payload)
	f.payloads[oid.String()] = struct {
		kind    object.Kind
		payload []byte
	}{kind, payload}
	return oid
}

func (f *fakeSource) ReadPayload(oid hashing.OID) (object.Kind, []byte, error) {
	e, ok := f.payloads[oid.String()]
	if !ok {
		return object.InvalidKind, nil, os.ErrNotExist
	}
	return e.kind, e.payload, nil
}

func writePackAndIndex(t *testing.T, dir string, algo hashing.Algo, src *fakeSource, objects []hashing.OID) (packPath, idxPath string) {
	t.Helper()
	var buf bytes.Buffer
	trailer, entries, err := WritePack(algo, &buf, src, objects, nil, DefaultPolicy())
	require.NoError(t, err)

	packPath = filepath.Join(dir, "pack-test.pack")
	require.NoError(t, os.WriteFile(packPath, buf.Bytes(), 0o644))

	idxBytes := BuildIndex(algo, entries, trailer)
	idxPath = filepath.Join(dir, "pack-test.idx")
	require.NoError(t, os.WriteFile(idxPath, idxBytes, 0o644))
	return packPath, idxPath
}

func TestWritePackBuildIndexOpenFindResolve(t *testing.T) {
	algo := hashing.SHA256
	src := newFakeSource()

	blobOID := src.add(algo, object.BlobKind, bytes.Repeat([]byte("repeated payload content "), 100))
	treeOID := src.add(algo, object.TreeKind, []byte("a minimal tree payload"))

	dir := t.TempDir()
	packPath, idxPath := writePackAndIndex(t, dir, algo, src, []hashing.OID{blobOID, treeOID})

	pf, err := Open(algo, packPath, idxPath)
	require.NoError(t, err)
	defer pf.Close()

	require.Equal(t, uint32(2), pf.Count)

	entry, ok := pf.Find(blobOID)
	require.True(t, ok)

	kind, payload, err := pf.Resolve(entry.Offset, nil, DefaultMaxDeltaDepth)
	require.NoError(t, err)
	require.Equal(t, object.BlobKind, kind)
	want, _ := src.payloads[blobOID.String()]
	require.Equal(t, string(want.payload), string(payload))
}

func TestWritePackDeltifiesSimilarObjects(t *testing.T) {
	algo := hashing.SHA256
	src := newFakeSource()

	base := bytes.Repeat([]byte("some moderately long content to delta against "), 40)
	similar := append(append([]byte("PREFIX-"), base...), []byte("-SUFFIX")...)

	baseOID := src.add(algo, object.BlobKind, base)
	similarOID := src.add(algo, object.BlobKind, similar)

	dir := t.TempDir()
	packPath, idxPath := writePackAndIndex(t, dir, algo, src, []hashing.OID{baseOID, similarOID})

	pf, err := Open(algo, packPath, idxPath)
	require.NoError(t, err)
	defer pf.Close()

	entry, ok := pf.Find(similarOID)
	require.True(t, ok)
	kind, payload, err := pf.Resolve(entry.Offset, nil, DefaultMaxDeltaDepth)
	require.NoError(t, err)
	require.Equal(t, object.BlobKind, kind)
	require.Equal(t, string(similar), string(payload))
}

func TestIndexForEachVisitsInSortedOrder(t *testing.T) {
	algo := hashing.SHA256
	src := newFakeSource()
	var oids []hashing.OID
	for _, s := range []string{"one", "two", "three", "four", "five"} {
		oids = append(oids, src.add(algo, object.BlobKind, []byte(s)))
	}

	dir := t.TempDir()
	packPath, idxPath := writePackAndIndex(t, dir, algo, src, oids)

	pf, err := Open(algo, packPath, idxPath)
	require.NoError(t, err)
	defer pf.Close()

	var prev hashing.OID
	count := 0
	require.NoError(t, pf.ForEachOffset(func(oid hashing.OID, _ uint64) error {
		if prev != nil {
			require.LessOrEqual(t, prev.Compare(oid), 0)
		}
		prev = oid
		count++
		return nil
	}))
	require.Equal(t, len(oids), count)
}

func TestIndexPackRebuildsEntriesMatchingBuildIndex(t *testing.T) {
	algo := hashing.SHA256
	src := newFakeSource()
	oidA := src.add(algo, object.BlobKind, []byte("alpha payload"))
	oidB := src.add(algo, object.BlobKind, []byte("beta payload, a bit longer than alpha"))

	var buf bytes.Buffer
	trailer, entries, err := WritePack(algo, &buf, src, []hashing.OID{oidA, oidB}, nil, DefaultPolicy())
	require.NoError(t, err)

	rebuilt, rebuiltTrailer, err := IndexPack(algo, buf.Bytes())
	require.NoError(t, err)
	require.True(t, rebuiltTrailer.Equal(trailer))
	require.Len(t, rebuilt, len(entries))

	want := map[string]uint64{}
	for _, e := range entries {
		want[e.OID.String()] = e.Offset
	}
	for _, e := range rebuilt {
		require.Equal(t, want[e.OID.String()], e.Offset)
	}
}

func TestOpenRejectsTrailerMismatch(t *testing.T) {
	algo := hashing.SHA256
	src := newFakeSource()
	oid := src.add(algo, object.BlobKind, []byte("content"))

	dir := t.TempDir()
	packPath, idxPath := writePackAndIndex(t, dir, algo, src, []hashing.OID{oid})

	data, err := os.ReadFile(packPath)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(packPath, data, 0o644))

	_, err = Open(algo, packPath, idxPath)
	require.Error(t, err)
}

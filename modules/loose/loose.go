// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package loose implements the filesystem-backed single-object store: each
// object lives at objects/xx/yyyy… as zlib(canonical_form), written once via
// temp-file-then-rename and never mutated thereafter (§3.3).
package loose

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/klauspost/compress/zlib"
)

// Store is a loose object directory rooted at <repo>/objects.
type Store struct {
	root string
	algo hashing.Algo
}

// New opens (without requiring pre-existence) a loose object store rooted
// at objectsDir.
func New(objectsDir string, algo hashing.Algo) *Store {
	return &Store{root: objectsDir, algo: algo}
}

func (s *Store) path(oid hashing.OID) string {
	h := oid.String()
	return filepath.Join(s.root, h[:2], h[2:])
}

// Exists reports whether a loose object file exists for oid.
func (s *Store) Exists(oid hashing.OID) bool {
	_, err := os.Stat(s.path(oid))
	return err == nil
}

// ReadHeader returns the kind and declared payload size without fully
// decompressing the object, by stopping as soon as the header is parsed.
func (s *Store) ReadHeader(oid hashing.OID) (object.Kind, int64, error) {
	f, err := os.Open(s.path(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return object.InvalidKind, 0, gerr.New(gerr.NotFound, "loose.ReadHeader", "object %s not found", oid)
		}
		return object.InvalidKind, 0, gerr.Wrap(gerr.Io, "loose.ReadHeader", err, "open %s", oid)
	}
	defer f.Close()
	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.InvalidKind, 0, gerr.Wrap(gerr.Corrupt, "loose.ReadHeader", err, "zlib header for %s", oid)
	}
	defer zr.Close()
	kind, size, err := object.ParseHeader(bufio.NewReader(zr))
	if err != nil {
		return object.InvalidKind, 0, gerr.Wrap(gerr.Corrupt, "loose.ReadHeader", err, "parse header for %s", oid)
	}
	return kind, size, nil
}

// Read decompresses and returns the full canonical form (kind + raw
// payload bytes) of oid, and verifies the content actually hashes to oid.
func (s *Store) Read(oid hashing.OID) (object.Kind, []byte, error) {
	f, err := os.Open(s.path(oid))
	if err != nil {
		if os.IsNotExist(err) {
			return object.InvalidKind, nil, gerr.New(gerr.NotFound, "loose.Read", "object %s not found", oid)
		}
		return object.InvalidKind, nil, gerr.Wrap(gerr.Io, "loose.Read", err, "open %s", oid)
	}
	defer f.Close()
	zr, err := zlib.NewReader(f)
	if err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.Corrupt, "loose.Read", err, "zlib header for %s", oid)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.Corrupt, "loose.Read", err, "inflate %s", oid)
	}
	br := bufio.NewReader(bytes.NewReader(raw))
	kind, size, err := object.ParseHeader(br)
	if err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.Corrupt, "loose.Read", err, "parse header for %s", oid)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(br, payload); err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.Corrupt, "loose.Read", err, "short payload for %s", oid)
	}
	got := hashing.Hash(s.algo, raw)
	if !got.Equal(oid) {
		return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "loose.Read", "hash mismatch for %s: computed %s", oid, got)
	}
	return kind, payload, nil
}

// Insert writes obj to the loose store, returning its OID. Writing an OID
// that already exists is a no-op success (§4.3 insert_loose is idempotent).
func (s *Store) Insert(obj object.Object) (hashing.OID, error) {
	canon, err := object.Marshal(obj)
	if err != nil {
		return nil, err
	}
	oid := hashing.Hash(s.algo, canon)
	if s.Exists(oid) {
		return oid, nil
	}
	dir := filepath.Join(s.root, oid.String()[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, gerr.Wrap(gerr.Io, "loose.Insert", err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "tmp-obj-*")
	if err != nil {
		return nil, gerr.Wrap(gerr.Io, "loose.Insert", err, "create temp file")
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()
	zw := zlib.NewWriter(tmp)
	if _, err := zw.Write(canon); err != nil {
		return nil, gerr.Wrap(gerr.Io, "loose.Insert", err, "compress %s", oid)
	}
	if err := zw.Close(); err != nil {
		return nil, gerr.Wrap(gerr.Io, "loose.Insert", err, "flush compressor for %s", oid)
	}
	if err := tmp.Close(); err != nil {
		return nil, gerr.Wrap(gerr.Io, "loose.Insert", err, "close temp file for %s", oid)
	}
	success = true
	if err := os.Rename(tmpName, s.path(oid)); err != nil {
		return nil, gerr.Wrap(gerr.Io, "loose.Insert", err, "rename into place for %s", oid)
	}
	return oid, nil
}

// Iter calls fn for every loose OID present, in undefined order. fn's error
// aborts iteration.
func (s *Store) Iter(fn func(hashing.OID) error) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return gerr.Wrap(gerr.Io, "loose.Iter", err, "read %s", s.root)
	}
	for _, shard := range entries {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		if _, err := hex.DecodeString(shard.Name()); err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return gerr.Wrap(gerr.Io, "loose.Iter", err, "read shard %s", shard.Name())
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			oid, err := hashing.FromHex(shard.Name() + f.Name())
			if err != nil {
				continue
			}
			if oid.Algo() != s.algo {
				continue
			}
			if err := fn(oid); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove deletes a loose object file; used by GC and pack quarantine
// reconciliation. Missing files are not an error.
func (s *Store) Remove(oid hashing.OID) error {
	if err := os.Remove(s.path(oid)); err != nil && !os.IsNotExist(err) {
		return gerr.Wrap(gerr.Io, "loose.Remove", err, "remove %s", oid)
	}
	return nil
}

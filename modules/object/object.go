// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package object implements the canonical in-memory representation and byte
// encoding of the four Git object kinds: blob, tree, commit, and tag (§3.2).
// The codec is a bijection on canonical form — Parse(Encode(x)) == x and
// Encode(Parse(b)) == b for any valid b — which is what keeps an object's
// OID stable across re-encoding.
package object

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
)

// Kind distinguishes the four object kinds stored in the ODB.
type Kind int8

const (
	InvalidKind Kind = 0
	CommitKind  Kind = 1
	TreeKind    Kind = 2
	BlobKind    Kind = 3
	TagKind     Kind = 4
)

func (k Kind) String() string {
	switch k {
	case CommitKind:
		return "commit"
	case TreeKind:
		return "tree"
	case BlobKind:
		return "blob"
	case TagKind:
		return "tag"
	default:
		return "invalid"
	}
}

// KindFromString parses the ASCII header word used in the canonical form and
// in pack entry headers.
func KindFromString(s string) (Kind, error) {
	switch s {
	case "blob":
		return BlobKind, nil
	case "tree":
		return TreeKind, nil
	case "commit":
		return CommitKind, nil
	case "tag":
		return TagKind, nil
	default:
		return InvalidKind, gerr.New(gerr.Malformed, "object.KindFromString", "unknown object kind %q", s)
	}
}

// Object is satisfied by Blob, Tree, Commit and Tag. Encode produces the
// canonical payload (the bytes after the "<kind> SP <size> NUL" header);
// Kind reports which header word to use.
type Object interface {
	Kind() Kind
	Encode(w io.Writer) error
}

// EncodeCanonical writes the full canonical form of obj (header + payload)
// to w.
func EncodeCanonical(w io.Writer, obj Object) error {
	var payload bytes.Buffer
	if err := obj.Encode(&payload); err != nil {
		return gerr.Wrap(gerr.Io, "object.EncodeCanonical", err, "encode %s payload", obj.Kind())
	}
	if _, err := fmt.Fprintf(w, "%s %d\x00", obj.Kind(), payload.Len()); err != nil {
		return gerr.Wrap(gerr.Io, "object.EncodeCanonical", err, "write header")
	}
	if _, err := w.Write(payload.Bytes()); err != nil {
		return gerr.Wrap(gerr.Io, "object.EncodeCanonical", err, "write payload")
	}
	return nil
}

// Marshal returns the full canonical byte form of obj.
func Marshal(obj Object) ([]byte, error) {
	var buf bytes.Buffer
	if err := EncodeCanonical(&buf, obj); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ComputeOID hashes the canonical form of obj with the given algorithm.
func ComputeOID(algo hashing.Algo, obj Object) (hashing.OID, error) {
	h := hashing.NewHasher(algo)
	if err := EncodeCanonical(h, obj); err != nil {
		return nil, err
	}
	return h.Sum(), nil
}

// ParseHeader splits the leading "<kind> SP <size> NUL" header from raw
// canonical bytes, returning the kind and declared size; r is left
// positioned at the first payload byte. It fails with gerr.Malformed on a
// non-decimal size or an unknown kind word.
func ParseHeader(r *bufio.Reader) (Kind, int64, error) {
	word, err := r.ReadString(' ')
	if err != nil {
		return InvalidKind, 0, gerr.Wrap(gerr.Malformed, "object.ParseHeader", err, "read kind word")
	}
	kind, err := KindFromString(word[:len(word)-1])
	if err != nil {
		return InvalidKind, 0, err
	}
	sizeStr, err := r.ReadString(0)
	if err != nil {
		return InvalidKind, 0, gerr.Wrap(gerr.Malformed, "object.ParseHeader", err, "read size")
	}
	sizeStr = sizeStr[:len(sizeStr)-1]
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return InvalidKind, 0, gerr.New(gerr.Malformed, "object.ParseHeader", "non-decimal size %q", sizeStr)
	}
	return kind, size, nil
}

// Parse decodes the payload bytes (post-header) of kind into the matching
// Object value. Tree, Commit and Tag embed raw OIDs whose width depends on
// the repository's hash algorithm, so it must be supplied. It fails with
// gerr.Malformed on any shape violation.
func Parse(kind Kind, algo hashing.Algo, payload []byte) (Object, error) {
	r := bytes.NewReader(payload)
	switch kind {
	case BlobKind:
		return DecodeBlob(r, int64(len(payload)))
	case TreeKind:
		return DecodeTree(r, algo)
	case CommitKind:
		return DecodeCommit(r, algo)
	case TagKind:
		return DecodeTag(r, algo)
	default:
		return nil, gerr.New(gerr.Malformed, "object.Parse", "unknown kind %d", kind)
	}
}

// ParseCanonical decodes a full canonical byte form (header + payload),
// validating the declared size matches the actual payload length.
func ParseCanonical(algo hashing.Algo, b []byte) (Object, error) {
	br := bufio.NewReader(bytes.NewReader(b))
	kind, size, err := ParseHeader(br)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(br, payload); err != nil {
		return nil, gerr.Wrap(gerr.Malformed, "object.ParseCanonical", err, "short payload, want %d bytes", size)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, gerr.New(gerr.Malformed, "object.ParseCanonical", "trailing bytes after declared size %d", size)
	}
	return Parse(kind, algo, payload)
}

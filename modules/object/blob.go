// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package object

import "io"

// Blob is an opaque byte sequence; it carries no structure of its own.
type Blob struct {
	Size int64
	r    io.Reader
	buf  []byte
}

func (b *Blob) Kind() Kind { return BlobKind }

// NewBlob wraps in-memory content as a Blob.
func NewBlob(content []byte) *Blob {
	return &Blob{Size: int64(len(content)), buf: content}
}

// NewBlobFromReader wraps a streaming source of known size as a Blob,
// avoiding buffering the whole payload for large files.
func NewBlobFromReader(r io.Reader, size int64) *Blob {
	return &Blob{Size: size, r: r}
}

// Reader returns a reader over the blob content: a fresh one for an
// in-memory blob, and the one given to NewBlobFromReader (not rewound, so
// readable only once) for a streaming blob.
func (b *Blob) Reader() io.Reader {
	if b.r != nil {
		return b.r
	}
	return io.NewSectionReader(readerAtBytes(b.buf), 0, int64(len(b.buf)))
}

func (b *Blob) Encode(w io.Writer) error {
	if b.r != nil {
		_, err := io.Copy(w, b.r)
		return err
	}
	_, err := w.Write(b.buf)
	return err
}

// DecodeBlob reads the remaining bytes of r (exactly `size` long) as Blob
// content.
func DecodeBlob(r io.Reader, size int64) (*Blob, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return &Blob{Size: size, buf: buf}, nil
}

type readerAtBytes []byte

func (b readerAtBytes) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b)) {
		return 0, io.EOF
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

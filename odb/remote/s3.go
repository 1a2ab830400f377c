// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package remote implements a read-only S3-backed object database
// alternate, answering the Open Question on non-filesystem backends
// (SPEC_FULL.md §5): cold, rarely-read objects can live in object
// storage instead of the primary filesystem tree, consulted only on a
// miss against loose storage and mapped packs (odb.Database.alternates).
//
// Objects are stored key-compatible with modules/loose's on-disk layout
// (zlib(header + payload) under a two-hex-char shard), so the same bytes
// can be promoted between the filesystem store and this alternate
// without re-encoding.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zlib"
	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
)

// Client is the minimal S3 surface this alternate needs, satisfied by
// *s3.Client; narrowed to an interface so tests can substitute a fake.
type Client interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store is a read-only object alternate backed by one S3 bucket/prefix.
type Store struct {
	client Client
	bucket string
	prefix string
	algo   hashing.Algo
	ctx    context.Context
}

// New creates an alternate rooted at bucket/prefix, using ctx for every
// S3 call issued through it (a background context unless the caller
// needs per-call cancellation, in which case WithContext returns a copy
// bound to a different one).
func New(ctx context.Context, client Client, bucket, prefix string, algo hashing.Algo) *Store {
	return &Store{client: client, bucket: bucket, prefix: strings.TrimSuffix(prefix, "/"), algo: algo, ctx: ctx}
}

// WithContext returns a shallow copy of s bound to a different context,
// for call sites that want request-scoped cancellation instead of the
// background context New was built with.
func (s *Store) WithContext(ctx context.Context) *Store {
	cp := *s
	cp.ctx = ctx
	return &cp
}

func (s *Store) key(oid hashing.OID) string {
	h := oid.String()
	if s.prefix == "" {
		return h[:2] + "/" + h[2:]
	}
	return s.prefix + "/" + h[:2] + "/" + h[2:]
}

// Exists reports whether oid has a corresponding object in the bucket.
func (s *Store) Exists(oid hashing.OID) bool {
	_, err := s.client.HeadObject(s.ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(oid)),
	})
	return err == nil
}

// Read fetches and decompresses oid, verifying it hashes back to the
// requested id the same way modules/loose.Store.Read does.
func (s *Store) Read(oid hashing.OID) (object.Kind, []byte, error) {
	out, err := s.client.GetObject(s.ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(oid)),
	})
	if err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.NotFound, "remote.Read", err, "get %s", oid)
	}
	defer out.Body.Close()
	zr, err := zlib.NewReader(out.Body)
	if err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.Corrupt, "remote.Read", err, "zlib header for %s", oid)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.Corrupt, "remote.Read", err, "inflate %s", oid)
	}
	br := bufio.NewReader(bytes.NewReader(raw))
	kind, size, err := object.ParseHeader(br)
	if err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.Corrupt, "remote.Read", err, "parse header for %s", oid)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(br, payload); err != nil {
		return object.InvalidKind, nil, gerr.Wrap(gerr.Corrupt, "remote.Read", err, "short payload for %s", oid)
	}
	if got := hashing.Hash(s.algo, raw); !got.Equal(oid) {
		return object.InvalidKind, nil, gerr.New(gerr.Corrupt, "remote.Read", "hash mismatch for %s: computed %s", oid, got)
	}
	return kind, payload, nil
}

// IterOIDs lists every object key under the alternate's prefix, paging
// through ListObjectsV2 until exhausted.
func (s *Store) IterOIDs(fn func(hashing.OID) error) error {
	listPrefix := s.prefix
	if listPrefix != "" {
		listPrefix += "/"
	}
	var token *string
	for {
		out, err := s.client.ListObjectsV2(s.ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(listPrefix),
			ContinuationToken: token,
		})
		if err != nil {
			return gerr.Wrap(gerr.Io, "remote.IterOIDs", err, "list %s/%s", s.bucket, listPrefix)
		}
		for _, obj := range out.Contents {
			oid, ok := s.oidFromKey(aws.ToString(obj.Key))
			if !ok {
				continue
			}
			if err := fn(oid); err != nil {
				return err
			}
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			return nil
		}
		token = out.NextContinuationToken
	}
}

func (s *Store) oidFromKey(key string) (hashing.OID, bool) {
	rel := strings.TrimPrefix(key, s.prefix+"/")
	rel = strings.ReplaceAll(rel, "/", "")
	oid, err := hashing.FromHex(rel)
	if err != nil || oid.Algo() != s.algo {
		return nil, false
	}
	return oid, true
}

var _ types.Object // referenced only to keep the s3/types import honest if ListObjectsV2Output's Contents type ever changes shape

// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zlib"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte // key -> zlib(header+payload)
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) put(key string, raw []byte) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write(raw)
	zw.Close()
	f.objects[key] = buf.Bytes()
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, errors.New("not found")
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("not found")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var contents []types.Object
	for k := range f.objects {
		key := k
		contents = append(contents, types.Object{Key: &key})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func TestStoreReadRoundTrip(t *testing.T) {
	algo := hashing.SHA256
	payload := []byte("object stored in S3")
	raw := []byte("blob " + itoaLen(len(payload)) + "\x00" + string(payload))
	oid := hashing.Hash(algo, raw)

	client := newFakeS3()
	store := New(context.Background(), client, "bucket", "objects", algo)
	client.put(store.key(oid), raw)

	require.True(t, store.Exists(oid))
	kind, got, err := store.Read(oid)
	require.NoError(t, err)
	require.Equal(t, object.BlobKind, kind)
	require.Equal(t, string(payload), string(got))
}

func TestStoreReadRejectsHashMismatch(t *testing.T) {
	algo := hashing.SHA256
	payload := []byte("tampered payload")
	raw := []byte("blob " + itoaLen(len(payload)) + "\x00" + string(payload))
	oid := hashing.Hash(algo, []byte("blob 5\x00wrong"))

	client := newFakeS3()
	store := New(context.Background(), client, "bucket", "", algo)
	client.put(store.key(oid), raw)

	_, _, err := store.Read(oid)
	require.Error(t, err)
}

func TestStoreExistsFalseWhenMissing(t *testing.T) {
	algo := hashing.SHA256
	store := New(context.Background(), newFakeS3(), "bucket", "", algo)
	require.False(t, store.Exists(hashing.Hash(algo, []byte("absent"))))
}

func TestStoreIterOIDsVisitsStoredKeys(t *testing.T) {
	algo := hashing.SHA256
	client := newFakeS3()
	store := New(context.Background(), client, "bucket", "objects", algo)

	var oids []hashing.OID
	for _, s := range []string{"a", "b", "c"} {
		payload := []byte(s)
		raw := []byte("blob " + itoaLen(len(payload)) + "\x00" + string(payload))
		oid := hashing.Hash(algo, raw)
		client.put(store.key(oid), raw)
		oids = append(oids, oid)
	}

	seen := map[string]bool{}
	require.NoError(t, store.IterOIDs(func(oid hashing.OID) error {
		seen[oid.String()] = true
		return nil
	}))
	for _, oid := range oids {
		require.True(t, seen[oid.String()])
	}
}

func itoaLen(n int) string {
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

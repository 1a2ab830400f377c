// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package loose

import (
	"testing"

	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/stretchr/testify/require"
)

func TestInsertReadRoundTrip(t *testing.T) {
	store := New(t.TempDir(), hashing.SHA256)
	blob := object.NewBlob([]byte("loose content"))

	oid, err := store.Insert(blob)
	require.NoError(t, err)
	require.True(t, store.Exists(oid))

	kind, payload, err := store.Read(oid)
	require.NoError(t, err)
	require.Equal(t, object.BlobKind, kind)
	require.Equal(t, "loose content", string(payload))
}

func TestInsertIsIdempotent(t *testing.T) {
	store := New(t.TempDir(), hashing.SHA256)
	blob := object.NewBlob([]byte("same content"))

	oid1, err := store.Insert(blob)
	require.NoError(t, err)
	oid2, err := store.Insert(blob)
	require.NoError(t, err)
	require.True(t, oid1.Equal(oid2))
}

func TestReadMissingObjectReturnsNotFound(t *testing.T) {
	store := New(t.TempDir(), hashing.SHA256)
	_, _, err := store.Read(hashing.Hash(hashing.SHA256, []byte("absent")))
	require.Error(t, err)
}

func TestReadHeaderDoesNotRequireFullPayload(t *testing.T) {
	store := New(t.TempDir(), hashing.SHA256)
	tree := &object.Tree{}
	oid, err := store.Insert(tree)
	require.NoError(t, err)

	kind, size, err := store.ReadHeader(oid)
	require.NoError(t, err)
	require.Equal(t, object.TreeKind, kind)
	require.Equal(t, int64(0), size)
}

func TestIterVisitsEveryInsertedObject(t *testing.T) {
	store := New(t.TempDir(), hashing.SHA256)
	oid1, err := store.Insert(object.NewBlob([]byte("one")))
	require.NoError(t, err)
	oid2, err := store.Insert(object.NewBlob([]byte("two")))
	require.NoError(t, err)

	seen := map[string]bool{}
	require.NoError(t, store.Iter(func(oid hashing.OID) error {
		seen[oid.String()] = true
		return nil
	}))
	require.True(t, seen[oid1.String()])
	require.True(t, seen[oid2.String()])
	require.Len(t, seen, 2)
}

func TestRemoveDeletesObject(t *testing.T) {
	store := New(t.TempDir(), hashing.SHA256)
	oid, err := store.Insert(object.NewBlob([]byte("removable")))
	require.NoError(t, err)
	require.NoError(t, store.Remove(oid))
	require.False(t, store.Exists(oid))
	// removing an already-absent object is not an error
	require.NoError(t, store.Remove(oid))
}

// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package odb

import (
	"testing"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/stretchr/testify/require"
)

func TestInsertLooseReadRoundTrip(t *testing.T) {
	db, err := Open(t.TempDir(), hashing.SHA256)
	require.NoError(t, err)
	defer db.Close()

	oid, err := db.InsertLoose(object.NewBlob([]byte("hello odb")))
	require.NoError(t, err)
	require.True(t, db.Exists(oid))

	kind, payload, err := db.Read(oid)
	require.NoError(t, err)
	require.Equal(t, object.BlobKind, kind)
	require.Equal(t, "hello odb", string(payload))
}

func TestReadMissingReturnsNotFound(t *testing.T) {
	db, err := Open(t.TempDir(), hashing.SHA256)
	require.NoError(t, err)
	defer db.Close()

	_, _, err = db.Read(hashing.Hash(hashing.SHA256, []byte("nowhere")))
	require.True(t, gerr.Is(err, gerr.NotFound))
}

func TestExistsConsultsAlternateOnMiss(t *testing.T) {
	db, err := Open(t.TempDir(), hashing.SHA256)
	require.NoError(t, err)
	defer db.Close()

	altDB, err := Open(t.TempDir(), hashing.SHA256)
	require.NoError(t, err)
	defer altDB.Close()
	oid, err := altDB.InsertLoose(object.NewBlob([]byte("from alternate")))
	require.NoError(t, err)

	db2, err := Open(t.TempDir(), hashing.SHA256, WithAlternates(altDB))
	require.NoError(t, err)
	defer db2.Close()

	require.True(t, db2.Exists(oid))
	kind, payload, err := db2.Read(oid)
	require.NoError(t, err)
	require.Equal(t, object.BlobKind, kind)
	require.Equal(t, "from alternate", string(payload))
}

func TestResolveAbbrevUniqueMatch(t *testing.T) {
	db, err := Open(t.TempDir(), hashing.SHA256)
	require.NoError(t, err)
	defer db.Close()

	oid, err := db.InsertLoose(object.NewBlob([]byte("unique content")))
	require.NoError(t, err)

	resolved, err := db.ResolveAbbrev(oid.String()[:10])
	require.NoError(t, err)
	require.True(t, resolved.Equal(oid))
}

func TestResolveAbbrevNotFound(t *testing.T) {
	db, err := Open(t.TempDir(), hashing.SHA256)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ResolveAbbrev("deadbeef00")
	require.True(t, gerr.Is(err, gerr.NotFound))
}

func TestIterOIDsVisitsLooseObjectsOnce(t *testing.T) {
	db, err := Open(t.TempDir(), hashing.SHA256)
	require.NoError(t, err)
	defer db.Close()

	oid1, err := db.InsertLoose(object.NewBlob([]byte("one")))
	require.NoError(t, err)
	oid2, err := db.InsertLoose(object.NewBlob([]byte("two")))
	require.NoError(t, err)

	seen := map[string]int{}
	require.NoError(t, db.IterOIDs(func(oid hashing.OID) error {
		seen[oid.String()]++
		return nil
	}))
	require.Equal(t, 1, seen[oid1.String()])
	require.Equal(t, 1, seen[oid2.String()])
}

func TestReloadPicksUpConcurrentlyWrittenLooseObject(t *testing.T) {
	root := t.TempDir()
	db, err := Open(root, hashing.SHA256)
	require.NoError(t, err)
	defer db.Close()

	writer, err := Open(root, hashing.SHA256)
	require.NoError(t, err)
	defer writer.Close()
	oid, err := writer.InsertLoose(object.NewBlob([]byte("written elsewhere")))
	require.NoError(t, err)

	require.NoError(t, db.Reload())
	require.True(t, db.Exists(oid))
}

// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bytes"
	"testing"

	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/stretchr/testify/require"
)

func TestBlobRoundTrip(t *testing.T) {
	blob := NewBlob([]byte("hello world"))
	raw, err := Marshal(blob)
	require.NoError(t, err)

	obj, err := ParseCanonical(hashing.SHA256, raw)
	require.NoError(t, err)
	got, ok := obj.(*Blob)
	require.True(t, ok)
	require.Equal(t, int64(len("hello world")), got.Size)

	var buf bytes.Buffer
	require.NoError(t, got.Encode(&buf))
	require.Equal(t, "hello world", buf.String())
}

func TestComputeOIDIsStableAcrossReencode(t *testing.T) {
	blob := NewBlob([]byte("stable"))
	oid1, err := ComputeOID(hashing.SHA256, blob)
	require.NoError(t, err)

	raw, err := Marshal(blob)
	require.NoError(t, err)
	obj, err := ParseCanonical(hashing.SHA256, raw)
	require.NoError(t, err)
	oid2, err := ComputeOID(hashing.SHA256, obj)
	require.NoError(t, err)

	require.True(t, oid1.Equal(oid2))
}

func TestTreeRejectsUnsortedEntries(t *testing.T) {
	tr := &Tree{Entries: []*TreeEntry{
		{Mode: ModeFile, Name: "zzz", OID: hashing.ZeroOID(hashing.SHA256)},
		{Mode: ModeFile, Name: "aaa", OID: hashing.ZeroOID(hashing.SHA256)},
	}}
	var buf bytes.Buffer
	require.Error(t, tr.Encode(&buf))
}

func TestTreeDirectorySortsAsSlashTerminated(t *testing.T) {
	entries := []*TreeEntry{
		{Mode: ModeDir, Name: "foo", OID: hashing.ZeroOID(hashing.SHA256)},
		{Mode: ModeFile, Name: "foo.txt", OID: hashing.ZeroOID(hashing.SHA256)},
	}
	SortEntries(entries)
	require.Equal(t, "foo.txt", entries[0].Name)
	require.Equal(t, "foo", entries[1].Name)
}

func TestTreeRoundTrip(t *testing.T) {
	blobOID := hashing.Hash(hashing.SHA256, []byte("content"))
	entries := []*TreeEntry{
		{Mode: ModeFile, Name: "a.txt", OID: blobOID},
		{Mode: ModeDir, Name: "sub", OID: blobOID},
	}
	SortEntries(entries)
	tr := &Tree{Entries: entries}

	raw, err := Marshal(tr)
	require.NoError(t, err)
	obj, err := ParseCanonical(hashing.SHA256, raw)
	require.NoError(t, err)
	got, ok := obj.(*Tree)
	require.True(t, ok)
	require.Len(t, got.Entries, 2)
	require.Equal(t, tr.Entries[0].Name, got.Lookup("a.txt").Name)
}

func TestTreeRejectsInvalidMode(t *testing.T) {
	tr := &Tree{Entries: []*TreeEntry{
		{Mode: FileMode(0o644), Name: "a", OID: hashing.ZeroOID(hashing.SHA256)},
	}}
	var buf bytes.Buffer
	require.Error(t, tr.Encode(&buf))
}

func TestCommitRoundTrip(t *testing.T) {
	treeOID := hashing.Hash(hashing.SHA256, []byte("tree"))
	parentOID := hashing.Hash(hashing.SHA256, []byte("parent"))
	sig := Signature{Name: "Ada", Email: "ada@example.com", When: 1700000000, TZ: "+0000"}
	c := &Commit{
		Tree:      treeOID,
		Parents:   []hashing.OID{parentOID},
		Author:    sig,
		Committer: sig,
		Message:   "initial commit\n",
	}

	raw, err := Marshal(c)
	require.NoError(t, err)
	obj, err := ParseCanonical(hashing.SHA256, raw)
	require.NoError(t, err)
	got, ok := obj.(*Commit)
	require.True(t, ok)
	require.True(t, got.Tree.Equal(treeOID))
	require.Len(t, got.Parents, 1)
	require.True(t, got.Parents[0].Equal(parentOID))
	require.Equal(t, "Ada", got.Author.Name)
	require.Equal(t, "initial commit\n", got.Message)
}

func TestCommitPreservesExtraHeaderContinuationLines(t *testing.T) {
	sig := Signature{Name: "Bob", Email: "bob@example.com", When: 1, TZ: "+0000"}
	c := &Commit{
		Tree:      hashing.ZeroOID(hashing.SHA256),
		Author:    sig,
		Committer: sig,
		ExtraHeaders: []ExtraHeader{
			{Key: "gpgsig", Value: "-----BEGIN PGP SIGNATURE-----\nabc\n-----END PGP SIGNATURE-----"},
		},
		Message: "signed\n",
	}
	raw, err := Marshal(c)
	require.NoError(t, err)
	obj, err := ParseCanonical(hashing.SHA256, raw)
	require.NoError(t, err)
	got := obj.(*Commit)
	require.Len(t, got.ExtraHeaders, 1)
	require.Equal(t, c.ExtraHeaders[0].Value, got.ExtraHeaders[0].Value)
}

func TestCommitRejectsMissingRequiredHeaders(t *testing.T) {
	_, err := DecodeCommit(bytes.NewReader([]byte("tree "+hashing.ZeroOID(hashing.SHA256).String()+"\n\nmsg")), hashing.SHA256)
	require.Error(t, err)
}

func TestParseCanonicalRejectsTrailingBytes(t *testing.T) {
	raw, err := Marshal(NewBlob([]byte("x")))
	require.NoError(t, err)
	_, err = ParseCanonical(hashing.SHA256, append(raw, 'y'))
	require.Error(t, err)
}

func TestParseCanonicalRejectsShortPayload(t *testing.T) {
	_, err := ParseCanonical(hashing.SHA256, []byte("blob 10\x00short"))
	require.Error(t, err)
}

func TestTagRoundTrip(t *testing.T) {
	targetOID := hashing.Hash(hashing.SHA256, []byte("target"))
	tag := &Tag{
		Object:  targetOID,
		Type:    CommitKind,
		Name:    "v1.0.0",
		Tagger:  Signature{Name: "Ada", Email: "ada@example.com", When: 42, TZ: "+0000"},
		Message: "release\n",
	}
	raw, err := Marshal(tag)
	require.NoError(t, err)
	obj, err := ParseCanonical(hashing.SHA256, raw)
	require.NoError(t, err)
	got, ok := obj.(*Tag)
	require.True(t, ok)
	require.True(t, got.Object.Equal(targetOID))
	require.Equal(t, CommitKind, got.Type)
	require.Equal(t, "v1.0.0", got.Name)
	require.Equal(t, "release\n", got.Message)
}

func TestTagRejectsMissingRequiredHeaders(t *testing.T) {
	_, err := DecodeTag(bytes.NewReader([]byte("tag v1\n\nmsg")), hashing.SHA256)
	require.Error(t, err)
}

func TestKindFromStringRoundTrips(t *testing.T) {
	for _, k := range []Kind{BlobKind, TreeKind, CommitKind, TagKind} {
		got, err := KindFromString(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := KindFromString("bogus")
	require.Error(t, err)
}

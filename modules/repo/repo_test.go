// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"bytes"
	"testing"

	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/kohrobin/gitcore/modules/protocol"
	"github.com/stretchr/testify/require"
)

func commitRepo(t *testing.T, r *Repository) (blobOID, treeOID, commitOID hashing.OID) {
	t.Helper()
	blob := object.NewBlob([]byte("hello repo"))
	blobOID, err := r.Database().InsertLoose(blob)
	require.NoError(t, err)

	tree := &object.Tree{Entries: []*object.TreeEntry{{Mode: object.ModeFile, Name: "hello.txt", OID: blobOID}}}
	treeOID, err = r.Database().InsertLoose(tree)
	require.NoError(t, err)

	sig := object.Signature{Name: "Ada", Email: "ada@example.com", When: 1700000000, TZ: "+0000"}
	commit := &object.Commit{Tree: treeOID, Author: sig, Committer: sig, Message: "initial commit\n"}
	commitOID, err = r.Database().InsertLoose(commit)
	require.NoError(t, err)
	return blobOID, treeOID, commitOID
}

func TestInitCreatesRepositoryWithNoRefs(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, hashing.SHA256)
	require.NoError(t, err)
	defer r.Close()

	refs, err := r.AdvertisedRefs()
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestApplyCommandsCreatesRefOnFirstPush(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, hashing.SHA256)
	require.NoError(t, err)
	defer r.Close()

	_, _, commitOID := commitRepo(t, r)

	results, err := r.ApplyCommands([]protocol.PushCommand{
		{Name: "refs/heads/main", Old: hashing.ZeroOID(hashing.SHA256), New: commitOID},
	}, false, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.True(t, results[0].Ok)

	refs, err := r.AdvertisedRefs()
	require.NoError(t, err)
	require.Len(t, refs, 1)
	require.Equal(t, "refs/heads/main", refs[0].Name)
	require.True(t, refs[0].OID.Equal(commitOID))
}

func TestApplyCommandsRejectsNonFastForwardWhenDenied(t *testing.T) {
	root := t.TempDir()
	_, err := Init(root, hashing.SHA256)
	require.NoError(t, err)
	r, err := Open(root, Options{Algo: hashing.SHA256, DenyNonFastForwards: true})
	require.NoError(t, err)
	defer r.Close()

	_, _, commitOID := commitRepo(t, r)
	_, err = r.ApplyCommands([]protocol.PushCommand{
		{Name: "refs/heads/main", Old: hashing.ZeroOID(hashing.SHA256), New: commitOID},
	}, false, nil)
	require.NoError(t, err)

	sig := object.Signature{Name: "Ada", Email: "ada@example.com", When: 1700000100, TZ: "+0000"}
	orphanTree := &object.Tree{}
	orphanTreeOID, err := r.Database().InsertLoose(orphanTree)
	require.NoError(t, err)
	orphanCommit := &object.Commit{Tree: orphanTreeOID, Author: sig, Committer: sig, Message: "unrelated history\n"}
	orphanOID, err := r.Database().InsertLoose(orphanCommit)
	require.NoError(t, err)

	results, err := r.ApplyCommands([]protocol.PushCommand{
		{Name: "refs/heads/main", Old: commitOID, New: orphanOID},
	}, false, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.False(t, results[0].Ok)
	require.Contains(t, results[0].Reason, "non-fast-forward")
}

func TestPackAndReceivePackRoundTrip(t *testing.T) {
	srcRoot := t.TempDir()
	src, err := Init(srcRoot, hashing.SHA256)
	require.NoError(t, err)
	defer src.Close()

	_, _, commitOID := commitRepo(t, src)
	_, err = src.ApplyCommands([]protocol.PushCommand{
		{Name: "refs/heads/main", Old: hashing.ZeroOID(hashing.SHA256), New: commitOID},
	}, false, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.Pack([]hashing.OID{commitOID}, nil, false, "", &buf))

	dstRoot := t.TempDir()
	dst, err := Init(dstRoot, hashing.SHA256)
	require.NoError(t, err)
	defer dst.Close()

	require.NoError(t, dst.ReceivePack(&buf))
	require.True(t, dst.Exists(commitOID))
}

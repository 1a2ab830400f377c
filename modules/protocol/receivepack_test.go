// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/stretchr/testify/require"
)

type fakeReceivePackRepo struct {
	refs          []RefEntry
	objects       map[string]bool
	receivedPack  bool
	receiveErr    error
	applyCommands func(cmds []PushCommand, atomic bool, pushOptions []string) ([]CommandResult, error)
}

func (f *fakeReceivePackRepo) AdvertisedRefs() ([]RefEntry, error) { return f.refs, nil }

func (f *fakeReceivePackRepo) Exists(oid hashing.OID) bool { return f.objects[oid.String()] }

func (f *fakeReceivePackRepo) ReceivePack(r io.Reader) error {
	f.receivedPack = true
	io.Copy(io.Discard, r)
	return f.receiveErr
}

func (f *fakeReceivePackRepo) ApplyCommands(cmds []PushCommand, atomic bool, pushOptions []string) ([]CommandResult, error) {
	return f.applyCommands(cmds, atomic, pushOptions)
}

func TestRunReceivePackAtomicPushSuccessReportsOkForEveryRef(t *testing.T) {
	zero := hashing.ZeroOID(hashing.SHA256)
	oldMain := mustOID(t, hashing.SHA256, 0xaa)
	newMain := mustOID(t, hashing.SHA256, 0xbb)
	newFeat := mustOID(t, hashing.SHA256, 0xcc)

	repo := &fakeReceivePackRepo{
		refs:    []RefEntry{{Name: "refs/heads/main", OID: oldMain}},
		objects: map[string]bool{oldMain.String(): true, newMain.String(): true, newFeat.String(): true},
		applyCommands: func(cmds []PushCommand, atomic bool, pushOptions []string) ([]CommandResult, error) {
			require.True(t, atomic)
			require.Len(t, cmds, 2)
			results := make([]CommandResult, len(cmds))
			for i, c := range cmds {
				results[i] = CommandResult{Name: c.Name, Ok: true}
			}
			return results, nil
		},
	}

	var in bytes.Buffer
	writePkt(t, &in, fmt.Sprintf("%s %s refs/heads/main\x00report-status atomic\n", oldMain, newMain))
	writePkt(t, &in, fmt.Sprintf("%s %s refs/heads/feat\n", zero, newFeat))
	in.WriteString("0000")
	in.WriteString("PACK\x00\x00\x00\x02\x00\x00\x00\x00") // opaque pack bytes, fully consumed by fake ReceivePack

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunReceivePack(repo, ReceivePackOptions{}, r, w))
	require.True(t, repo.receivedPack)

	report := out.String()
	require.Contains(t, report, "unpack ok")
	require.Contains(t, report, "ok refs/heads/main")
	require.Contains(t, report, "ok refs/heads/feat")
}

func TestRunReceivePackRejectsStalePreconditionBeforeApply(t *testing.T) {
	actualMain := mustOID(t, hashing.SHA256, 0x01)
	staleOld := mustOID(t, hashing.SHA256, 0x02)
	newMain := mustOID(t, hashing.SHA256, 0x03)

	repo := &fakeReceivePackRepo{
		refs:    []RefEntry{{Name: "refs/heads/main", OID: actualMain}},
		objects: map[string]bool{actualMain.String(): true, newMain.String(): true},
		applyCommands: func(cmds []PushCommand, atomic bool, pushOptions []string) ([]CommandResult, error) {
			t.Fatal("ApplyCommands must not run when validation fails")
			return nil, nil
		},
	}

	var in bytes.Buffer
	writePkt(t, &in, fmt.Sprintf("%s %s refs/heads/main\x00report-status\n", staleOld, newMain))
	in.WriteString("0000")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunReceivePack(repo, ReceivePackOptions{}, r, w))

	report := out.String()
	require.Contains(t, report, "ng refs/heads/main")
}

func TestRunReceivePackReportsUnpackFailureForCorruptPack(t *testing.T) {
	zero := hashing.ZeroOID(hashing.SHA256)
	newMain := mustOID(t, hashing.SHA256, 0xdd)

	repo := &fakeReceivePackRepo{
		refs:       nil,
		objects:    map[string]bool{},
		receiveErr: gerr.New(gerr.Corrupt, "fake", "pack does not match declared checksum"),
		applyCommands: func(cmds []PushCommand, atomic bool, pushOptions []string) ([]CommandResult, error) {
			t.Fatal("ApplyCommands must not run when the pack fails to unpack")
			return nil, nil
		},
	}

	var in bytes.Buffer
	writePkt(t, &in, fmt.Sprintf("%s %s refs/heads/main\x00report-status\n", zero, newMain))
	in.WriteString("0000")
	in.WriteString("PACK\x00\x00\x00\x02garbage")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunReceivePack(repo, ReceivePackOptions{}, r, w))
	require.True(t, repo.receivedPack)

	report := out.String()
	require.Contains(t, report, "unpack fake: corrupt: pack does not match declared checksum")
	require.Contains(t, report, "ng refs/heads/main unpacker error")
	require.NotContains(t, report, "unpack ok")
}

func TestRunReceivePackPushCertVerifiesNonceAndAppliesCommands(t *testing.T) {
	oldMain := mustOID(t, hashing.SHA256, 0x01)
	newMain := mustOID(t, hashing.SHA256, 0x02)

	repo := &fakeReceivePackRepo{
		refs:    []RefEntry{{Name: "refs/heads/main", OID: oldMain}},
		objects: map[string]bool{oldMain.String(): true, newMain.String(): true},
		applyCommands: func(cmds []PushCommand, atomic bool, pushOptions []string) ([]CommandResult, error) {
			require.Len(t, cmds, 1)
			require.Equal(t, "refs/heads/main", cmds[0].Name)
			return []CommandResult{{Name: cmds[0].Name, Ok: true}}, nil
		},
	}

	var gotNonce string
	var gotPayload, gotSig []byte
	opts := ReceivePackOptions{
		IssueNonce: func() (string, error) { return "server-nonce-1", nil },
		VerifyPushCert: func(nonce string, payload, signature []byte) error {
			gotNonce = nonce
			gotPayload = payload
			gotSig = signature
			return nil
		},
	}

	var in bytes.Buffer
	writePkt(t, &in, "push-cert\x00report-status\n")
	writePkt(t, &in, "certificate version 0.1\n")
	writePkt(t, &in, "pusher Ada <ada@example.com> 1700000000 +0000\n")
	writePkt(t, &in, "pushee git://example.com/repo.git\n")
	writePkt(t, &in, "nonce server-nonce-1\n")
	writePkt(t, &in, "\n")
	writePkt(t, &in, fmt.Sprintf("%s %s refs/heads/main\n", oldMain, newMain))
	writePkt(t, &in, pushCertEndLine)
	writePkt(t, &in, "-----BEGIN PGP SIGNATURE-----\n")
	writePkt(t, &in, "deadbeef\n")
	writePkt(t, &in, "-----END PGP SIGNATURE-----\n")
	in.WriteString("0000")
	in.WriteString("PACK\x00\x00\x00\x02\x00\x00\x00\x00")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunReceivePack(repo, opts, r, w))

	require.Equal(t, "server-nonce-1", gotNonce)
	require.Contains(t, string(gotPayload), "certificate version 0.1")
	require.Contains(t, string(gotPayload), pushCertEndLine)
	require.Contains(t, string(gotSig), "BEGIN PGP SIGNATURE")

	report := out.String()
	require.Contains(t, report, "unpack ok")
	require.Contains(t, report, "ok refs/heads/main")
}

func TestRunReceivePackDeleteOnlyPushSkipsPackReceive(t *testing.T) {
	zero := hashing.ZeroOID(hashing.SHA256)
	existing := mustOID(t, hashing.SHA256, 0x09)

	repo := &fakeReceivePackRepo{
		refs:    []RefEntry{{Name: "refs/heads/gone", OID: existing}},
		objects: map[string]bool{existing.String(): true},
		applyCommands: func(cmds []PushCommand, atomic bool, pushOptions []string) ([]CommandResult, error) {
			require.Len(t, cmds, 1)
			require.True(t, cmds[0].IsDelete())
			return []CommandResult{{Name: cmds[0].Name, Ok: true}}, nil
		},
	}

	var in bytes.Buffer
	writePkt(t, &in, fmt.Sprintf("%s %s refs/heads/gone\x00report-status delete-refs\n", existing, zero))
	in.WriteString("0000")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunReceivePack(repo, ReceivePackOptions{}, r, w))
	require.False(t, repo.receivedPack)
	require.Contains(t, out.String(), "ok refs/heads/gone")
}

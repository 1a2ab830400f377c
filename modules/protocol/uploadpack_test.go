// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/stretchr/testify/require"
)

type fakeUploadPackRepo struct {
	refs     []RefEntry
	objects  map[string]bool
	packCall func(wants, haves []hashing.OID, thin bool, w io.Writer) error
}

func (f *fakeUploadPackRepo) AdvertisedRefs() ([]RefEntry, error) { return f.refs, nil }

func (f *fakeUploadPackRepo) Exists(oid hashing.OID) bool { return f.objects[oid.String()] }

func (f *fakeUploadPackRepo) Sufficient(wants, haves []hashing.OID) (bool, error) {
	have := make(map[string]bool, len(haves))
	for _, h := range haves {
		have[h.String()] = true
	}
	for _, w := range wants {
		if !have[w.String()] {
			return false, nil
		}
	}
	return true, nil
}

func (f *fakeUploadPackRepo) Pack(wants, haves []hashing.OID, thin bool, filter string, w io.Writer) error {
	return f.packCall(wants, haves, thin, w)
}

func mustOID(t *testing.T, algo hashing.Algo, b byte) hashing.OID {
	t.Helper()
	raw := bytes.Repeat([]byte{b}, algo.Size())
	oid, err := hashing.FromHex(fmt.Sprintf("%x", raw))
	require.NoError(t, err)
	return oid
}

func TestRunUploadPackEmptyRepoClosesCleanly(t *testing.T) {
	repo := &fakeUploadPackRepo{objects: map[string]bool{}}
	var out bytes.Buffer
	r := NewReader(bytes.NewReader([]byte("0000")))
	w := NewWriter(&out)

	require.NoError(t, RunUploadPack(repo, UploadPackOptions{}, r, w))
	require.Contains(t, out.String(), "capabilities^{}")
}

func TestRunUploadPackSingleCommitFetch(t *testing.T) {
	commit := mustOID(t, hashing.SHA256, 0x11)
	repo := &fakeUploadPackRepo{
		refs:    []RefEntry{{Name: "refs/heads/main", OID: commit}},
		objects: map[string]bool{commit.String(): true},
		packCall: func(wants, haves []hashing.OID, thin bool, w io.Writer) error {
			require.Len(t, wants, 1)
			require.True(t, wants[0].Equal(commit))
			require.Empty(t, haves)
			_, err := w.Write([]byte("PACK-BYTES"))
			return err
		},
	}

	var in bytes.Buffer
	wantLine := fmt.Sprintf("want %s multi_ack_detailed side-band-64k thin-pack\n", commit)
	writePkt(t, &in, wantLine)
	in.WriteString("0000")
	in.WriteString("0009done\n")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunUploadPack(repo, UploadPackOptions{}, r, w))

	require.Contains(t, out.String(), commit.String())
	require.Contains(t, out.String(), "NAK")
}

func TestRunUploadPackRejectsUnadvertisedWant(t *testing.T) {
	commit := mustOID(t, hashing.SHA256, 0x22)
	stray := mustOID(t, hashing.SHA256, 0x33)
	repo := &fakeUploadPackRepo{
		refs:    []RefEntry{{Name: "refs/heads/main", OID: commit}},
		objects: map[string]bool{commit.String(): true, stray.String(): true},
	}

	var in bytes.Buffer
	writePkt(t, &in, fmt.Sprintf("want %s side-band-64k\n", stray))
	in.WriteString("0000")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	err := RunUploadPack(repo, UploadPackOptions{}, r, w)
	require.Error(t, err)
}

func TestRunUploadPackIncrementalFetchAcksCommonBase(t *testing.T) {
	parent := mustOID(t, hashing.SHA256, 0x44)
	child := mustOID(t, hashing.SHA256, 0x55)
	repo := &fakeUploadPackRepo{
		refs:    []RefEntry{{Name: "refs/heads/main", OID: child}},
		objects: map[string]bool{parent.String(): true, child.String(): true},
		packCall: func(wants, haves []hashing.OID, thin bool, w io.Writer) error {
			require.Len(t, haves, 1)
			require.True(t, haves[0].Equal(parent))
			_, err := w.Write([]byte("PACK"))
			return err
		},
	}

	var in bytes.Buffer
	writePkt(t, &in, fmt.Sprintf("want %s multi_ack_detailed\n", child))
	in.WriteString("0000")
	writePkt(t, &in, fmt.Sprintf("have %s\n", parent))
	in.WriteString("0000")
	in.WriteString("0009done\n")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunUploadPack(repo, UploadPackOptions{}, r, w))
	require.Contains(t, out.String(), fmt.Sprintf("ACK %s", parent))
}

func TestRunUploadPackDetailedAckReadyWhenHaveCoversWant(t *testing.T) {
	commit := mustOID(t, hashing.SHA256, 0x66)
	repo := &fakeUploadPackRepo{
		refs:    []RefEntry{{Name: "refs/heads/main", OID: commit}},
		objects: map[string]bool{commit.String(): true},
		packCall: func(wants, haves []hashing.OID, thin bool, w io.Writer) error {
			_, err := w.Write([]byte("PACK"))
			return err
		},
	}

	var in bytes.Buffer
	writePkt(t, &in, fmt.Sprintf("want %s multi_ack_detailed\n", commit))
	in.WriteString("0000")
	writePkt(t, &in, fmt.Sprintf("have %s\n", commit))
	in.WriteString("0000")
	in.WriteString("0009done\n")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunUploadPack(repo, UploadPackOptions{}, r, w))
	require.Contains(t, out.String(), fmt.Sprintf("ACK %s ready", commit))
}

func TestRunUploadPackTakesShallowAndFilterLines(t *testing.T) {
	commit := mustOID(t, hashing.SHA256, 0x77)
	shallowBoundary := mustOID(t, hashing.SHA256, 0x88)
	var gotHaves []hashing.OID
	repo := &fakeUploadPackRepo{
		refs:    []RefEntry{{Name: "refs/heads/main", OID: commit}},
		objects: map[string]bool{commit.String(): true, shallowBoundary.String(): true},
		packCall: func(wants, haves []hashing.OID, thin bool, w io.Writer) error {
			gotHaves = haves
			_, err := w.Write([]byte("PACK"))
			return err
		},
	}

	var in bytes.Buffer
	writePkt(t, &in, fmt.Sprintf("want %s\n", commit))
	writePkt(t, &in, fmt.Sprintf("shallow %s\n", shallowBoundary))
	writePkt(t, &in, "deepen 1\n")
	writePkt(t, &in, "deepen-since 1700000000\n")
	writePkt(t, &in, "deepen-not refs/heads/old\n")
	writePkt(t, &in, "filter blob:none\n")
	in.WriteString("0000")
	in.WriteString("0009done\n")

	var out bytes.Buffer
	r := NewReader(&in)
	w := NewWriter(&out)
	require.NoError(t, RunUploadPack(repo, UploadPackOptions{}, r, w))

	require.Len(t, gotHaves, 1)
	require.True(t, gotHaves[0].Equal(shallowBoundary))
}

func TestAdvertiseRefsEmitsPeeledLineForAnnotatedTags(t *testing.T) {
	tag := mustOID(t, hashing.SHA256, 0x91)
	peeled := mustOID(t, hashing.SHA256, 0x92)
	repo := &fakeUploadPackRepo{
		refs:    []RefEntry{{Name: "refs/tags/v1", OID: tag, Peeled: peeled}},
		objects: map[string]bool{tag.String(): true, peeled.String(): true},
	}

	var out bytes.Buffer
	w := NewWriter(&out)
	_, err := advertiseRefs(repo, w)
	require.NoError(t, err)
	require.Contains(t, out.String(), fmt.Sprintf("^%s", peeled))
}

func writePkt(t *testing.T, buf *bytes.Buffer, s string) {
	t.Helper()
	w := NewWriter(buf)
	require.NoError(t, w.WriteLineString(s))
}

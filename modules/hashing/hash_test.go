// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package hashing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAlgoRecognizesBothSpellings(t *testing.T) {
	for _, s := range []string{"", "sha1", "SHA1"} {
		algo, err := ParseAlgo(s)
		require.NoError(t, err)
		require.Equal(t, SHA1, algo)
	}
	for _, s := range []string{"sha256", "SHA256"} {
		algo, err := ParseAlgo(s)
		require.NoError(t, err)
		require.Equal(t, SHA256, algo)
	}
	_, err := ParseAlgo("md5")
	require.Error(t, err)
}

func TestHashProducesExpectedLengths(t *testing.T) {
	require.Len(t, Hash(SHA1, []byte("hello")), 20)
	require.Len(t, Hash(SHA256, []byte("hello")), 32)
}

func TestOIDAlgoInferredFromLength(t *testing.T) {
	require.Equal(t, SHA1, Hash(SHA1, nil).Algo())
	require.Equal(t, SHA256, Hash(SHA256, nil).Algo())
}

func TestFromHexRoundTrips(t *testing.T) {
	want := Hash(SHA256, []byte("round trip"))
	got, err := FromHex(want.String())
	require.NoError(t, err)
	require.True(t, got.Equal(want))
}

func TestFromHexRejectsOddLength(t *testing.T) {
	_, err := FromHex("abc")
	require.Error(t, err)
}

func TestFromHexRejectsUnsupportedWidth(t *testing.T) {
	_, err := FromHex("aabb")
	require.Error(t, err)
}

func TestZeroOIDIsZero(t *testing.T) {
	require.True(t, ZeroOID(SHA256).IsZero())
	require.False(t, Hash(SHA256, []byte("x")).IsZero())
}

func TestCompareOrdersLexicographically(t *testing.T) {
	a := OID{0x01, 0x00}
	b := OID{0x02, 0x00}
	require.Negative(t, a.Compare(b))
	require.Positive(t, b.Compare(a))
	require.Zero(t, a.Compare(a.Clone()))
}

func TestSortOrdersAscending(t *testing.T) {
	oids := []OID{
		{0x03}, {0x01}, {0x02},
	}
	Sort(oids)
	require.Equal(t, []OID{{0x01}, {0x02}, {0x03}}, oids)
}

func TestHasherMatchesOneShotHash(t *testing.T) {
	h := NewHasher(SHA256)
	_, _ = h.Write([]byte("streamed"))
	require.True(t, h.Sum().Equal(Hash(SHA256, []byte("streamed"))))
	require.Equal(t, SHA256, h.Algo())
}

func TestValidateAbbrevEnforcesMinimumLength(t *testing.T) {
	require.Error(t, ValidateAbbrev("abc"))
	require.NoError(t, ValidateAbbrev("abcdefab"))
	require.Error(t, ValidateAbbrev("nothexxx"))
}

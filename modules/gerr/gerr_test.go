// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package gerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesDirectKind(t *testing.T) {
	err := New(NotFound, "test.op", "missing %s", "thing")
	require.True(t, Is(err, NotFound))
	require.False(t, Is(err, Corrupt))
}

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := errors.New("disk exploded")
	err := Wrap(Io, "test.op", cause, "read failed")
	require.True(t, Is(err, Io))
	require.ErrorIs(t, err, cause)
}

func TestIsMatchesCandidatesSubtype(t *testing.T) {
	err := NewAmbiguous("test.op", "ab12", []string{"ab1234", "ab1256"})
	require.True(t, Is(err, Ambiguous))
	require.Equal(t, []string{"ab1234", "ab1256"}, err.Hexes)
}

func TestIsReturnsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), NotFound))
}

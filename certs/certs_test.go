// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package certs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func samplePayload(nonce string) string {
	var b strings.Builder
	b.WriteString("certificate version 0.1\n")
	b.WriteString("pusher Ada <ada@example.com> 1700000000 +0000\n")
	b.WriteString("pushee ssh://example.com/repo.git\n")
	b.WriteString("nonce " + nonce + "\n")
	b.WriteString("push-option use-ci\n")
	b.WriteString("\n")
	b.WriteString("0000000000000000000000000000000000000000 abc123 refs/heads/main\n")
	b.WriteString("push-cert-end\n")
	return b.String()
}

func TestParseExtractsFields(t *testing.T) {
	cert, err := Parse("deadbeef", []byte(samplePayload("deadbeef")), []byte("sig-bytes"))
	require.NoError(t, err)
	require.Equal(t, "0.1", cert.Version)
	require.Equal(t, "Ada <ada@example.com> 1700000000 +0000", cert.Pusher)
	require.Equal(t, "ssh://example.com/repo.git", cert.Pushee)
	require.Equal(t, []string{"use-ci"}, cert.PushOptions)
	require.Len(t, cert.Commands, 1)
	require.Contains(t, cert.Commands[0], "refs/heads/main")
}

func TestParseRejectsNonceMismatch(t *testing.T) {
	_, err := Parse("expected-nonce", []byte(samplePayload("different-nonce")), nil)
	require.Error(t, err)
}

func TestParseRejectsMissingRequiredLines(t *testing.T) {
	_, err := Parse("n", []byte("pusher only\n\n"), nil)
	require.Error(t, err)
}

func TestNonceIssuerOKThenConsumed(t *testing.T) {
	issuer := NewNonceIssuer(time.Minute)
	nonce, err := issuer.Issue()
	require.NoError(t, err)
	require.NotEmpty(t, nonce)

	require.Equal(t, NonceOK, issuer.Check(nonce))
	// single-use: a second check of the same nonce must not succeed again
	require.Equal(t, NonceBad, issuer.Check(nonce))
}

func TestNonceIssuerRejectsUnknownNonce(t *testing.T) {
	issuer := NewNonceIssuer(time.Minute)
	require.Equal(t, NonceBad, issuer.Check("never-issued"))
}

func TestNonceIssuerReportsSlopPastTTL(t *testing.T) {
	issuer := NewNonceIssuer(1)
	nonce, err := issuer.Issue()
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	require.Equal(t, NonceSlop, issuer.Check(nonce))
}

func TestNewNonceIssuerDefaultsTTL(t *testing.T) {
	issuer := NewNonceIssuer(0)
	require.Equal(t, DefaultNonceTTL, issuer.ttl)
}

// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package certs implements push-certificate parsing, OpenPGP signature
// verification, and nonce issuance for the receive-pack push-cert
// capability (§6). A push certificate lets the server record, in the
// signed payload itself, who asked for a given set of ref updates and
// against which server-issued nonce — useful for audit trails and for
// rejecting replayed certificates.
package certs

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/kohrobin/gitcore/modules/gerr"
)

// Certificate is a parsed push certificate: the signed statement a client
// makes about which ref updates it intends, tied to a server nonce so the
// signature can't be replayed against a different push.
type Certificate struct {
	Version     string
	Pusher      string
	Pushee      string
	Nonce       string
	PushOptions []string
	Commands    []string // raw "<old> <new> <ref>" lines, verbatim

	// Payload is the exact signed byte range (everything from "certificate
	// version" through the trailing "push-cert-end\n" line inclusive),
	// needed unmodified to verify Signature against it.
	Payload []byte
	// Signature is the ASCII-armored detached signature that followed
	// push-cert-end on the wire.
	Signature []byte
}

// Parse decodes a push certificate from its signed payload and trailing
// armored signature, both exactly as captured off the wire by
// the protocol package's readPushCert.
func Parse(nonce string, payload, signature []byte) (*Certificate, error) {
	cert := &Certificate{Nonce: nonce, Payload: payload, Signature: signature}
	inCommands := false
	for _, line := range strings.Split(string(payload), "\n") {
		switch {
		case line == "":
			inCommands = true
			continue
		case inCommands:
			if line == "push-cert-end" {
				continue
			}
			cert.Commands = append(cert.Commands, line)
		case strings.HasPrefix(line, "certificate version "):
			cert.Version = strings.TrimPrefix(line, "certificate version ")
		case strings.HasPrefix(line, "pusher "):
			cert.Pusher = strings.TrimPrefix(line, "pusher ")
		case strings.HasPrefix(line, "pushee "):
			cert.Pushee = strings.TrimPrefix(line, "pushee ")
		case strings.HasPrefix(line, "nonce "):
			certNonce := strings.TrimPrefix(line, "nonce ")
			if certNonce != nonce {
				return nil, gerr.New(gerr.ProtocolViolation, "certs.Parse", "certificate nonce %q does not match issued nonce %q", certNonce, nonce)
			}
		case strings.HasPrefix(line, "push-option "):
			cert.PushOptions = append(cert.PushOptions, strings.TrimPrefix(line, "push-option "))
		}
	}
	if cert.Version == "" || cert.Pusher == "" {
		return nil, gerr.New(gerr.Malformed, "certs.Parse", "push certificate missing required certificate/pusher line")
	}
	return cert, nil
}

// Verify checks the certificate's detached armored signature against its
// signed payload using the given OpenPGP keyring, returning the signer's
// entity on success.
func Verify(cert *Certificate, keyring openpgp.EntityList) (*openpgp.Entity, error) {
	signer, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(cert.Payload), bytes.NewReader(cert.Signature), nil)
	if err != nil {
		return nil, gerr.Wrap(gerr.ProtocolViolation, "certs.Verify", err, "push certificate signature verification failed")
	}
	return signer, nil
}

// NonceStatus reports how a received nonce compares to the set this
// server issued, the way real Git's push-cert status line does.
type NonceStatus string

const (
	NonceOK          NonceStatus = "OK"          // matches an outstanding, unexpired nonce
	NonceSlop        NonceStatus = "SLOP"        // matches one issued recently but since expired
	NonceBad         NonceStatus = "BAD"         // does not match anything this server issued
	NonceUnsolicited NonceStatus = "UNSOLICITED" // no certificate was requested but one arrived anyway
	NonceMissing     NonceStatus = "MISSING"     // certificate requested but absent
)

// DefaultNonceTTL bounds how long an issued nonce remains acceptable
// before it's reported as SLOP rather than OK, limiting a captured
// certificate's replay window.
const DefaultNonceTTL = 5 * time.Minute

// NonceIssuer mints and checks single-use nonces embedded in push
// certificates, so a signature can be tied to one specific push attempt
// against this server rather than replayed against a later one.
type NonceIssuer struct {
	ttl time.Duration

	mu     sync.Mutex
	issued map[string]time.Time
}

// NewNonceIssuer creates an issuer with the given acceptance window; ttl
// <= 0 uses DefaultNonceTTL.
func NewNonceIssuer(ttl time.Duration) *NonceIssuer {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &NonceIssuer{ttl: ttl, issued: make(map[string]time.Time)}
}

// Issue mints a fresh random nonce and records its issuance time.
func (n *NonceIssuer) Issue() (string, error) {
	var buf [20]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", gerr.Wrap(gerr.Io, "certs.NonceIssuer.Issue", err, "read random nonce")
	}
	nonce := hex.EncodeToString(buf[:])
	n.mu.Lock()
	n.issued[nonce] = time.Now()
	n.mu.Unlock()
	return nonce, nil
}

// Check reports the status of a nonce a client returned in its
// certificate, consuming it if present (a nonce is single-use: a second
// certificate bearing the same nonce reports BAD).
func (n *NonceIssuer) Check(nonce string) NonceStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	issuedAt, ok := n.issued[nonce]
	if !ok {
		return NonceBad
	}
	delete(n.issued, nonce)
	if time.Since(issuedAt) > n.ttl {
		return NonceSlop
	}
	return NonceOK
}

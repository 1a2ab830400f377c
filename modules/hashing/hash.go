// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package hashing implements the content-addressed object identifiers used
// throughout the object database: SHA-1 (20 bytes, the historical Git
// default) and SHA-256 (32 bytes, the `extensions.objectformat = sha256`
// form). A repository is parameterized over exactly one of the two at
// creation time; mixing them within one repository is a programmer error.
package hashing

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"sort"

	"github.com/kohrobin/gitcore/modules/gerr"
)

// Algo names the hash function backing a repository's object identifiers.
type Algo uint8

const (
	SHA1 Algo = iota
	SHA256
)

func (a Algo) String() string {
	switch a {
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	default:
		return "unknown"
	}
}

// Size returns the digest width in bytes for the algorithm.
func (a Algo) Size() int {
	switch a {
	case SHA1:
		return 20
	case SHA256:
		return 32
	default:
		return 0
	}
}

// New returns a fresh streaming hasher for the algorithm.
func (a Algo) New() hash.Hash {
	switch a {
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	default:
		panic("hashing: unknown algorithm")
	}
}

// ParseAlgo maps the `extensions.objectformat` config value (and its
// upper-case spelling) to an Algo.
func ParseAlgo(s string) (Algo, error) {
	switch s {
	case "", "sha1", "SHA1":
		return SHA1, nil
	case "sha256", "SHA256":
		return SHA256, nil
	default:
		return 0, gerr.New(gerr.Malformed, "hashing.ParseAlgo", "unknown object format %q", s)
	}
}

// MaxSize is the widest digest this package supports; callers that need a
// fixed-size array (e.g. delta base tables) can size against it.
const MaxSize = 32

// OID is a content-addressed object identifier. Its length is either 20
// (SHA-1) or 32 (SHA-256) bytes; the zero-length value is invalid and
// distinct from ZeroOID(algo), the distinguished "absent" id used by ref
// update commands.
type OID []byte

// Algo reports which algorithm produced this OID, inferred from its length.
func (o OID) Algo() Algo {
	switch len(o) {
	case 20:
		return SHA1
	case 32:
		return SHA256
	default:
		return 0
	}
}

// IsZero reports whether every byte of the OID is zero — the distinguished
// "zero id" denoting absence (§3.1).
func (o OID) IsZero() bool {
	if len(o) == 0 {
		return false
	}
	for _, b := range o {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal compares two OIDs by raw bytes.
func (o OID) Equal(other OID) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// Compare orders two OIDs lexicographically by raw bytes, used to keep the
// pack index's sorted OID table and packed-refs merges ordered.
func (o OID) Compare(other OID) int {
	n := len(o)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if o[i] != other[i] {
			if o[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(o) < len(other):
		return -1
	case len(o) > len(other):
		return 1
	default:
		return 0
	}
}

// String renders the OID as lowercase hex, the canonical wire/display form.
func (o OID) String() string {
	return hex.EncodeToString(o)
}

// Clone returns an independent copy of the OID's bytes.
func (o OID) Clone() OID {
	c := make(OID, len(o))
	copy(c, o)
	return c
}

// ZeroOID returns the distinguished absence value for the given algorithm.
func ZeroOID(a Algo) OID {
	return make(OID, a.Size())
}

// FromHex parses a case-insensitive hex string into an OID, inferring the
// algorithm from the decoded length. It fails with gerr.Malformed on
// odd-length or non-hex input, per §4.1.
func FromHex(s string) (OID, error) {
	if len(s)%2 != 0 {
		return nil, gerr.New(gerr.Malformed, "hashing.FromHex", "odd-length hex string %q", s)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, gerr.Wrap(gerr.Malformed, "hashing.FromHex", err, "invalid hex string %q", s)
	}
	switch len(b) {
	case 20, 32:
		return OID(b), nil
	default:
		return nil, gerr.New(gerr.Malformed, "hashing.FromHex", "unsupported digest width %d for %q", len(b), s)
	}
}

// MustFromHex is FromHex but panics on error; useful in tests and fixtures.
func MustFromHex(s string) OID {
	o, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return o
}

// Hasher computes an OID from a stream of bytes, matching git's
// "update/finalize" shape for canonical object encoding.
type Hasher struct {
	algo Algo
	h    hash.Hash
}

// NewHasher creates a streaming hasher for the given algorithm.
func NewHasher(a Algo) *Hasher {
	return &Hasher{algo: a, h: a.New()}
}

func (h *Hasher) Write(p []byte) (int, error) { return h.h.Write(p) }

// Sum finalizes the hash and returns the resulting OID. The Hasher remains
// usable for further writes only if the caller does not rely on Sum being
// idempotent across additional Write calls — matching hash.Hash semantics.
func (h *Hasher) Sum() OID {
	return OID(h.h.Sum(nil))
}

// Algo reports the algorithm this hasher was constructed with.
func (h *Hasher) Algo() Algo { return h.algo }

// Hash computes the OID of a single byte slice in one call.
func Hash(a Algo, b []byte) OID {
	h := a.New()
	h.Write(b)
	return OID(h.Sum(nil))
}

// Sorter orders a slice of OIDs ascending by raw bytes, used when building
// the pack index's sorted name table.
type Sorter []OID

func (s Sorter) Len() int           { return len(s) }
func (s Sorter) Less(i, j int) bool { return s[i].Compare(s[j]) < 0 }
func (s Sorter) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Sort is a convenience wrapper around sort.Sort(Sorter(oids)).
func Sort(oids []OID) { sort.Sort(Sorter(oids)) }

// MinAbbrevHex is the shortest prefix length (in hex characters) ODB
// abbreviation resolution accepts, per §4.3 ("minimum prefix length 4
// bytes").
const MinAbbrevHex = 8

// ValidateAbbrev checks a candidate abbreviated hex prefix meets the
// minimum-length and hex-alphabet requirements before a lookup is attempted.
func ValidateAbbrev(prefix string) error {
	if len(prefix) < MinAbbrevHex {
		return gerr.New(gerr.Malformed, "hashing.ValidateAbbrev", "abbreviation %q shorter than minimum %d hex chars", prefix, MinAbbrevHex)
	}
	if _, err := hex.DecodeString(evenize(prefix)); err != nil {
		return gerr.Wrap(gerr.Malformed, "hashing.ValidateAbbrev", err, "abbreviation %q is not hex", prefix)
	}
	return nil
}

// evenize pads an odd-length hex prefix with a trailing zero nibble so it
// can be decoded for validation purposes only (the padding nibble is never
// used for comparisons).
func evenize(s string) string {
	if len(s)%2 == 0 {
		return s
	}
	return s + "0"
}

// HexPrefixBytes decodes an (possibly odd-length) hex prefix into its
// constituent whole bytes plus, if present, a dangling high nibble — used by
// ODB abbreviation matching to compare against stored OIDs byte-by-byte with
// a final nibble compare.
func HexPrefixBytes(prefix string) (whole []byte, halfNibble byte, hasHalf bool, err error) {
	full := prefix
	hasHalf = len(prefix)%2 != 0
	if hasHalf {
		full = prefix[:len(prefix)-1]
	}
	whole, err = hex.DecodeString(full)
	if err != nil {
		return nil, 0, false, gerr.Wrap(gerr.Malformed, "hashing.HexPrefixBytes", err, "invalid hex prefix %q", prefix)
	}
	if hasHalf {
		nb, err := hex.DecodeString(string(prefix[len(prefix)-1]) + "0")
		if err != nil {
			return nil, 0, false, gerr.Wrap(gerr.Malformed, "hashing.HexPrefixBytes", err, "invalid hex prefix %q", prefix)
		}
		halfNibble = nb[0]
	}
	return whole, halfNibble, hasHalf, nil
}

// HasPrefix reports whether oid begins with the decoded prefix bytes,
// honoring a dangling half-byte nibble match on the high 4 bits of the next
// byte.
func HasPrefix(oid OID, whole []byte, halfNibble byte, hasHalf bool) bool {
	if len(oid) < len(whole) {
		return false
	}
	for i, b := range whole {
		if oid[i] != b {
			return false
		}
	}
	if hasHalf {
		if len(oid) <= len(whole) {
			return false
		}
		return oid[len(whole)]&0xf0 == halfNibble&0xf0
	}
	return true
}

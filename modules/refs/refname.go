// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package refs implements the reference store: loose refs, packed-refs,
// symbolic refs (HEAD), reflog, and transactional multi-ref updates (§3.3,
// §4.4, §4.5).
package refs

import (
	"strings"

	"github.com/kohrobin/gitcore/modules/gerr"
)

// Name is a validated reference name, e.g. "refs/heads/main" or "HEAD".
type Name string

const HEAD Name = "HEAD"

// Validate checks a candidate reference name against the rules enforced by
// the reference store: non-empty components, no ".." or control
// characters, no trailing "/", no "@{" sequence, no double slashes, and no
// component ending in ".lock" (§4.4 edge cases).
func Validate(name string) error {
	if name == "" {
		return gerr.New(gerr.Malformed, "refs.Validate", "empty reference name")
	}
	if name == string(HEAD) {
		return nil
	}
	if !strings.HasPrefix(name, "refs/") {
		return gerr.New(gerr.Malformed, "refs.Validate", "reference %q must start with refs/ or be HEAD", name)
	}
	if strings.Contains(name, "..") {
		return gerr.New(gerr.Malformed, "refs.Validate", "reference %q contains '..'", name)
	}
	if strings.Contains(name, "@{") {
		return gerr.New(gerr.Malformed, "refs.Validate", "reference %q contains '@{'", name)
	}
	if strings.HasSuffix(name, "/") || strings.HasPrefix(name, "/") {
		return gerr.New(gerr.Malformed, "refs.Validate", "reference %q has a leading or trailing slash", name)
	}
	if strings.Contains(name, "//") {
		return gerr.New(gerr.Malformed, "refs.Validate", "reference %q contains a double slash", name)
	}
	parts := strings.Split(name, "/")
	for _, p := range parts {
		if p == "" {
			return gerr.New(gerr.Malformed, "refs.Validate", "reference %q has an empty path component", name)
		}
		if strings.HasSuffix(p, ".lock") {
			return gerr.New(gerr.Malformed, "refs.Validate", "reference %q has a component ending in .lock", name)
		}
		for _, r := range p {
			if r < 0x20 || r == 0x7f || strings.ContainsRune(" ~^:?*[\\", r) {
				return gerr.New(gerr.Malformed, "refs.Validate", "reference %q contains an invalid character %q", name, r)
			}
		}
	}
	return nil
}

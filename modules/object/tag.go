// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
)

// Tag is an annotated tag object: a pointer at a target object (of any
// kind) plus a tagger identity and message.
type Tag struct {
	Object hashing.OID
	Type   Kind
	Name   string
	Tagger Signature
	Message string
}

func (t *Tag) Kind() Kind { return TagKind }

func (t *Tag) Encode(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "object %s\n", t.Object.String()); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "type %s\n", t.Type.String()); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "tag %s\n", t.Name); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "tagger %s\n", t.Tagger.String()); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	_, err := io.WriteString(w, t.Message)
	return err
}

// DecodeTag parses a tag's payload bytes.
func DecodeTag(r io.Reader, algo hashing.Algo) (*Tag, error) {
	br := bufio.NewReader(r)
	t := &Tag{}
	seen := map[string]bool{}
	for {
		raw, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, gerr.Wrap(gerr.Malformed, "DecodeTag", err, "read header line")
		}
		line := strings.TrimSuffix(raw, "\n")
		if line == "" {
			break
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, gerr.New(gerr.Malformed, "DecodeTag", "malformed header line %q", line)
		}
		key, val := line[:sp], line[sp+1:]
		if seen[key] {
			return nil, gerr.New(gerr.Malformed, "DecodeTag", "duplicate %s header", key)
		}
		seen[key] = true
		switch key {
		case "object":
			oid, err := hashing.FromHex(val)
			if err != nil {
				return nil, err
			}
			if oid.Algo() != algo {
				return nil, gerr.New(gerr.Malformed, "DecodeTag", "object oid width mismatch for algo %s", algo)
			}
			t.Object = oid
		case "type":
			k, err := KindFromString(val)
			if err != nil {
				return nil, err
			}
			t.Type = k
		case "tag":
			t.Name = val
		case "tagger":
			sig, err := parseSignature(val)
			if err != nil {
				return nil, err
			}
			t.Tagger = sig
		default:
			return nil, gerr.New(gerr.Malformed, "DecodeTag", "unknown tag header %q", key)
		}
		if err == io.EOF {
			break
		}
	}
	if t.Object == nil || t.Type == InvalidKind || t.Name == "" {
		return nil, gerr.New(gerr.Malformed, "DecodeTag", "missing required header (object/type/tag)")
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, gerr.Wrap(gerr.Malformed, "DecodeTag", err, "read message")
	}
	t.Message = string(rest)
	return t, nil
}

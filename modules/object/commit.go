// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
)

// Signature is an "<name> SP <SP-less-email-in-angle-brackets> SP
// <unix-seconds> SP <zone-offset>" identity line, used for author/committer
// in Commit and tagger in Tag.
type Signature struct {
	Name  string
	Email string
	When  int64 // unix seconds
	TZ    string // e.g. "+0800"
}

func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d %s", s.Name, s.Email, s.When, s.TZ)
}

func parseSignature(line string) (Signature, error) {
	lt := strings.IndexByte(line, '<')
	gt := strings.IndexByte(line, '>')
	if lt < 0 || gt < 0 || gt < lt {
		return Signature{}, gerr.New(gerr.Malformed, "parseSignature", "malformed identity line %q", line)
	}
	name := strings.TrimSpace(line[:lt])
	email := line[lt+1 : gt]
	rest := strings.Fields(line[gt+1:])
	if len(rest) != 2 {
		return Signature{}, gerr.New(gerr.Malformed, "parseSignature", "malformed identity timestamp in %q", line)
	}
	when, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return Signature{}, gerr.Wrap(gerr.Malformed, "parseSignature", err, "non-decimal timestamp in %q", line)
	}
	return Signature{Name: name, Email: email, When: when, TZ: rest[1]}, nil
}

// ExtraHeader is a preserved, unrecognized commit header line (and any
// indented continuation lines), kept verbatim between known headers and the
// message body to keep OID stable under round-trip (§4.2 edge policy).
// Only Commit keeps extra headers; DecodeTag rejects an unknown tag header
// as Malformed.
type ExtraHeader struct {
	Key   string
	Value string // may contain embedded newlines for continuation lines
}

// Commit is a single revision: a tree, zero or more parents, author and
// committer identities, an optional encoding, optional extra headers
// (gpgsig among them), and a free-form message.
type Commit struct {
	Tree         hashing.OID
	Parents      []hashing.OID
	Author       Signature
	Committer    Signature
	Encoding     string
	ExtraHeaders []ExtraHeader
	Message      string
}

func (c *Commit) Kind() Kind { return CommitKind }

func (c *Commit) Encode(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "tree %s\n", c.Tree.String()); err != nil {
		return err
	}
	for _, p := range c.Parents {
		if _, err := fmt.Fprintf(w, "parent %s\n", p.String()); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "author %s\n", c.Author.String()); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "committer %s\n", c.Committer.String()); err != nil {
		return err
	}
	if c.Encoding != "" {
		if _, err := fmt.Fprintf(w, "encoding %s\n", c.Encoding); err != nil {
			return err
		}
	}
	for _, h := range c.ExtraHeaders {
		if _, err := fmt.Fprintf(w, "%s %s\n", h.Key, indentContinuation(h.Value)); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	_, err := io.WriteString(w, c.Message)
	return err
}

// indentContinuation reindents embedded newlines in a multi-line header
// value (e.g. gpgsig) with a single leading space, matching Git's
// continuation-line convention.
func indentContinuation(v string) string {
	return strings.ReplaceAll(v, "\n", "\n ")
}

func dedentContinuation(v string) string {
	return strings.ReplaceAll(v, "\n ", "\n")
}

// DecodeCommit parses a commit's payload bytes.
func DecodeCommit(r io.Reader, algo hashing.Algo) (*Commit, error) {
	br := bufio.NewReader(r)
	c := &Commit{}
	seenTree, seenAuthor, seenCommitter := false, false, false
	seenKeys := map[string]bool{}
	for {
		raw, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, gerr.Wrap(gerr.Malformed, "DecodeCommit", err, "read header line")
		}
		if raw == "" && err == io.EOF {
			break
		}
		line := strings.TrimSuffix(raw, "\n")
		if line == "" {
			break // blank line separates headers from message
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			return nil, gerr.New(gerr.Malformed, "DecodeCommit", "malformed header line %q", line)
		}
		key, val := line[:sp], line[sp+1:]
		// Continuation lines (gpgsig) are indented with a single leading
		// space; absorb them into the preceding header's value.
		for {
			peek, perr := br.Peek(1)
			if perr != nil || len(peek) == 0 || peek[0] != ' ' {
				break
			}
			cont, cerr := br.ReadString('\n')
			if cerr != nil && cerr != io.EOF {
				return nil, gerr.Wrap(gerr.Malformed, "DecodeCommit", cerr, "read continuation line")
			}
			val += "\n" + strings.TrimSuffix(strings.TrimPrefix(cont, " "), "\n")
			if cerr == io.EOF {
				break
			}
		}
		switch key {
		case "tree":
			if seenTree {
				return nil, gerr.New(gerr.Malformed, "DecodeCommit", "duplicate tree header")
			}
			seenTree = true
			oid, err := hashing.FromHex(val)
			if err != nil {
				return nil, err
			}
			if oid.Algo() != algo {
				return nil, gerr.New(gerr.Malformed, "DecodeCommit", "tree oid width mismatch for algo %s", algo)
			}
			c.Tree = oid
		case "parent":
			oid, err := hashing.FromHex(val)
			if err != nil {
				return nil, err
			}
			c.Parents = append(c.Parents, oid)
		case "author":
			if seenAuthor {
				return nil, gerr.New(gerr.Malformed, "DecodeCommit", "duplicate author header")
			}
			seenAuthor = true
			sig, err := parseSignature(val)
			if err != nil {
				return nil, err
			}
			c.Author = sig
		case "committer":
			if seenCommitter {
				return nil, gerr.New(gerr.Malformed, "DecodeCommit", "duplicate committer header")
			}
			seenCommitter = true
			sig, err := parseSignature(val)
			if err != nil {
				return nil, err
			}
			c.Committer = sig
		case "encoding":
			if seenKeys["encoding"] {
				return nil, gerr.New(gerr.Malformed, "DecodeCommit", "duplicate encoding header")
			}
			seenKeys["encoding"] = true
			c.Encoding = val
		default:
			c.ExtraHeaders = append(c.ExtraHeaders, ExtraHeader{Key: key, Value: dedentContinuation(val)})
		}
		if err == io.EOF {
			break
		}
	}
	if !seenTree || !seenAuthor || !seenCommitter {
		return nil, gerr.New(gerr.Malformed, "DecodeCommit", "missing required header (tree/author/committer)")
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, gerr.Wrap(gerr.Malformed, "DecodeCommit", err, "read message")
	}
	c.Message = string(rest)
	return c, nil
}

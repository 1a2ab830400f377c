// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
)

// ReflogEntry is one line of a reference's log: "<old> <new> <ident>\t<msg>".
type ReflogEntry struct {
	Old       hashing.OID
	New       hashing.OID
	Committer object.Signature
	Message   string
}

func (s *Store) reflogPath(name Name) string {
	return filepath.Join(s.root, "logs", filepath.FromSlash(string(name)))
}

// AppendReflog appends one entry to name's reflog, creating the log file
// (and its directory) on first use (§3.3 reflog, §4.5).
func (s *Store) AppendReflog(name Name, old, new hashing.OID, committer object.Signature, message string) error {
	path := s.reflogPath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return gerr.Wrap(gerr.Io, "Store.AppendReflog", err, "mkdir for %s reflog", name)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return gerr.Wrap(gerr.Io, "Store.AppendReflog", err, "open %s reflog", name)
	}
	defer f.Close()
	line := formatReflogLine(old, new, committer, message)
	if _, err := f.WriteString(line); err != nil {
		return gerr.Wrap(gerr.Io, "Store.AppendReflog", err, "append %s reflog", name)
	}
	return nil
}

func formatReflogLine(old, new hashing.OID, committer object.Signature, message string) string {
	message = strings.ReplaceAll(message, "\n", " ")
	if message == "" {
		return fmt.Sprintf("%s %s %s\n", old, new, committer)
	}
	return fmt.Sprintf("%s %s %s\t%s\n", old, new, committer, message)
}

// ReadReflog returns every entry logged for name, oldest first.
func (s *Store) ReadReflog(name Name) ([]ReflogEntry, error) {
	f, err := os.Open(s.reflogPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gerr.Wrap(gerr.Io, "Store.ReadReflog", err, "open %s reflog", name)
	}
	defer f.Close()
	var entries []ReflogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		e, err := parseReflogLine(sc.Text())
		if err != nil {
			continue // a corrupt line is skipped, not fatal, per loose-reflog tolerance
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, gerr.Wrap(gerr.Io, "Store.ReadReflog", err, "scan %s reflog", name)
	}
	return entries, nil
}

func parseReflogLine(line string) (ReflogEntry, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return ReflogEntry{}, gerr.New(gerr.Malformed, "refs.parseReflogLine", "malformed line %q", line)
	}
	oldOID, err := hashing.FromHex(fields[0])
	if err != nil {
		return ReflogEntry{}, err
	}
	newOID, err := hashing.FromHex(fields[1])
	if err != nil {
		return ReflogEntry{}, err
	}
	rest := fields[2]
	var message, sigPart string
	if idx := strings.IndexByte(rest, '\t'); idx >= 0 {
		sigPart, message = rest[:idx], rest[idx+1:]
	} else {
		sigPart = rest
	}
	sig, err := parseReflogSignature(sigPart)
	if err != nil {
		return ReflogEntry{}, err
	}
	return ReflogEntry{Old: oldOID, New: newOID, Committer: sig, Message: message}, nil
}

func parseReflogSignature(s string) (object.Signature, error) {
	lt := strings.IndexByte(s, '<')
	gt := strings.IndexByte(s, '>')
	if lt < 0 || gt < 0 || gt < lt {
		return object.Signature{}, gerr.New(gerr.Malformed, "refs.parseReflogSignature", "malformed identity %q", s)
	}
	name := strings.TrimSpace(s[:lt])
	email := s[lt+1 : gt]
	rest := strings.Fields(s[gt+1:])
	if len(rest) != 2 {
		return object.Signature{}, gerr.New(gerr.Malformed, "refs.parseReflogSignature", "malformed timestamp in %q", s)
	}
	var when int64
	if _, err := fmt.Sscanf(rest[0], "%d", &when); err != nil {
		return object.Signature{}, gerr.Wrap(gerr.Malformed, "refs.parseReflogSignature", err, "non-decimal timestamp in %q", s)
	}
	return object.Signature{Name: name, Email: email, When: when, TZ: rest[1]}, nil
}

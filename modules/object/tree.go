// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package object

import (
	"bytes"
	"io"
	"sort"
	"strconv"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
)

// FileMode restricts a tree entry's mode to the set Git recognizes (§3.2).
type FileMode uint32

const (
	ModeDir     FileMode = 0o40000
	ModeFile    FileMode = 0o100644
	ModeExec    FileMode = 0o100755
	ModeSymlink FileMode = 0o120000
	ModeSubmod  FileMode = 0o160000
)

func validMode(m FileMode) bool {
	switch m {
	case ModeDir, ModeFile, ModeExec, ModeSymlink, ModeSubmod:
		return true
	default:
		return false
	}
}

// TreeEntry is one `<mode> SP <name> NUL <raw-oid>` record.
type TreeEntry struct {
	Mode FileMode
	Name string
	OID  hashing.OID
}

// Clone returns an independent copy of the entry.
func (e *TreeEntry) Clone() *TreeEntry {
	return &TreeEntry{Mode: e.Mode, Name: e.Name, OID: e.OID.Clone()}
}

// Tree is an ordered, name-sorted sequence of entries.
type Tree struct {
	Entries []*TreeEntry
}

func (t *Tree) Kind() Kind { return TreeKind }

// sortKey implements Git's directory-sorts-as-if-slash-terminated rule: a
// ModeDir entry named "foo" sorts as "foo/" would among siblings, so that
// "foo" (file) < "foo.txt" < "foo/" (dir) resolve in true tree order.
func sortKey(e *TreeEntry) string {
	if e.Mode == ModeDir {
		return e.Name + "/"
	}
	return e.Name
}

// Sorted reports whether entries are in strictly ascending sortKey order —
// the tree ordering invariant of §8 property 3.
func Sorted(entries []*TreeEntry) bool {
	for i := 1; i < len(entries); i++ {
		if sortKey(entries[i-1]) >= sortKey(entries[i]) {
			return false
		}
	}
	return true
}

// SortEntries sorts entries in place per the directory-as-slash rule.
func SortEntries(entries []*TreeEntry) {
	sort.Slice(entries, func(i, j int) bool { return sortKey(entries[i]) < sortKey(entries[j]) })
}

func validName(name string) bool {
	if len(name) == 0 || name == "." || name == ".." {
		return false
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return false
		}
	}
	return true
}

func (t *Tree) Encode(w io.Writer) error {
	if !Sorted(t.Entries) {
		return gerr.New(gerr.Malformed, "Tree.Encode", "entries not in sorted order")
	}
	for _, e := range t.Entries {
		if !validMode(e.Mode) {
			return gerr.New(gerr.Malformed, "Tree.Encode", "invalid mode %o for %q", e.Mode, e.Name)
		}
		if !validName(e.Name) {
			return gerr.New(gerr.Malformed, "Tree.Encode", "invalid entry name %q", e.Name)
		}
		if _, err := io.WriteString(w, strconv.FormatUint(uint64(e.Mode), 8)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, " "+e.Name); err != nil {
			return err
		}
		if _, err := w.Write([]byte{0}); err != nil {
			return err
		}
		if _, err := w.Write(e.OID); err != nil {
			return err
		}
	}
	return nil
}

// DecodeTree parses tree entries from r, validating mode restriction, name
// rules, and strict sort order.
func DecodeTree(r *bytes.Reader, algo hashing.Algo) (*Tree, error) {
	oidSize := algo.Size()
	t := &Tree{}
	for r.Len() > 0 {
		modeStr, err := readUntil(r, ' ')
		if err != nil {
			return nil, gerr.Wrap(gerr.Malformed, "DecodeTree", err, "read mode")
		}
		modeVal, err := strconv.ParseUint(modeStr, 8, 32)
		if err != nil {
			return nil, gerr.Wrap(gerr.Malformed, "DecodeTree", err, "non-octal mode %q", modeStr)
		}
		mode := FileMode(modeVal)
		if !validMode(mode) {
			return nil, gerr.New(gerr.Malformed, "DecodeTree", "disallowed mode %o", mode)
		}
		name, err := readUntil(r, 0)
		if err != nil {
			return nil, gerr.Wrap(gerr.Malformed, "DecodeTree", err, "read name")
		}
		if !validName(name) {
			return nil, gerr.New(gerr.Malformed, "DecodeTree", "invalid entry name %q", name)
		}
		oid := make(hashing.OID, oidSize)
		if _, err := io.ReadFull(r, oid); err != nil {
			return nil, gerr.Wrap(gerr.Malformed, "DecodeTree", err, "read oid for %q", name)
		}
		t.Entries = append(t.Entries, &TreeEntry{Mode: mode, Name: name, OID: oid})
	}
	if !Sorted(t.Entries) {
		return nil, gerr.New(gerr.Malformed, "DecodeTree", "entries not in sorted order")
	}
	return t, nil
}

func readUntil(r *bytes.Reader, delim byte) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == delim {
			return buf.String(), nil
		}
		buf.WriteByte(b)
	}
}

// Lookup finds an entry by exact name.
func (t *Tree) Lookup(name string) *TreeEntry {
	for _, e := range t.Entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

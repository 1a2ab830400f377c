// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emirpasic/gods/v2/trees/redblacktree"
	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
)

// MaxSymbolicHops bounds HEAD/symbolic-ref chasing (§4.4 edge case: a
// symbolic ref cycle must fail, not spin forever).
const MaxSymbolicHops = 5

// MaxPeelHops bounds tag-peeling (§4.4: a tag-of-a-tag chain must
// eventually bottom out at a non-tag object).
const MaxPeelHops = 10

// ObjectReader is the minimal read surface Peel needs from the object
// database — satisfied by *odb.Database.
type ObjectReader interface {
	Read(oid hashing.OID) (object.Kind, []byte, error)
}

// Store is the reference store for one repository, backed by loose ref
// files under refs/, a packed-refs file, and per-ref reflogs under logs/.
type Store struct {
	root    string
	algo    hashing.Algo
	lockTTL time.Duration
}

// New opens the reference store rooted at the repository's top-level
// directory (the one containing HEAD, refs/, and packed-refs).
func New(root string, algo hashing.Algo) *Store {
	return &Store{root: root, algo: algo, lockTTL: DefaultLockTTL}
}

func (s *Store) loosePath(name Name) string {
	return filepath.Join(s.root, filepath.FromSlash(string(name)))
}

func (s *Store) packedRefsPath() string { return filepath.Join(s.root, "packed-refs") }

// ReadLoose reads only the loose ref file for name, returning
// (nil, gerr.NotFound) if it does not exist.
func (s *Store) ReadLoose(name Name) (*Reference, error) {
	data, err := os.ReadFile(s.loosePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, gerr.New(gerr.NotFound, "Store.ReadLoose", "reference %s not found", name)
		}
		return nil, gerr.Wrap(gerr.Io, "Store.ReadLoose", err, "read %s", name)
	}
	return Parse(name, string(data)), nil
}

// ReadPackedRefs parses the packed-refs file into a name-indexed map. A
// missing file is not an error (an empty map is returned).
func (s *Store) ReadPackedRefs() (map[Name]*Reference, error) {
	f, err := os.Open(s.packedRefsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[Name]*Reference{}, nil
		}
		return nil, gerr.Wrap(gerr.Io, "Store.ReadPackedRefs", err, "open packed-refs")
	}
	defer f.Close()
	out := make(map[Name]*Reference)
	sc := bufio.NewScanner(f)
	var lastDirect Name
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		switch line[0] {
		case '#':
			continue
		case '^':
			// Peeled OID of the previous line's tag object; the reference
			// store does not cache peel results, so this is informational
			// only and intentionally discarded here.
			_ = lastDirect
			continue
		}
		target, name, ok := strings.Cut(line, " ")
		if !ok {
			return nil, gerr.New(gerr.Malformed, "Store.ReadPackedRefs", "malformed line %q", line)
		}
		oid, err := hashing.FromHex(target)
		if err != nil {
			return nil, gerr.Wrap(gerr.Malformed, "Store.ReadPackedRefs", err, "malformed oid in %q", line)
		}
		out[Name(name)] = NewDirect(Name(name), oid)
		lastDirect = Name(name)
	}
	if err := sc.Err(); err != nil {
		return nil, gerr.Wrap(gerr.Io, "Store.ReadPackedRefs", err, "scan packed-refs")
	}
	return out, nil
}

// Read returns name's reference, preferring a loose ref over a packed one
// (a loose ref shadows a stale packed-refs entry until the next pack-refs).
func (s *Store) Read(name Name) (*Reference, error) {
	ref, err := s.ReadLoose(name)
	if err == nil {
		return ref, nil
	}
	if !gerr.Is(err, gerr.NotFound) {
		return nil, err
	}
	packed, perr := s.ReadPackedRefs()
	if perr != nil {
		return nil, perr
	}
	if ref, ok := packed[name]; ok {
		return ref, nil
	}
	return nil, gerr.New(gerr.NotFound, "Store.Read", "reference %s not found", name)
}

// ReadHEAD reads the HEAD file directly (it lives at the repository root,
// never under refs/, and is always loose).
func (s *Store) ReadHEAD() (*Reference, error) {
	return s.Read(HEAD)
}

// Resolve follows symbolic references (HEAD -> refs/heads/main -> OID)
// down to a direct OID, bounded at MaxSymbolicHops to reject a cycle.
func (s *Store) Resolve(name Name) (hashing.OID, error) {
	cur := name
	for hop := 0; hop < MaxSymbolicHops; hop++ {
		ref, err := s.Read(cur)
		if err != nil {
			return nil, err
		}
		if !ref.IsSymbolic() {
			if ref.Target() == nil {
				return nil, gerr.New(gerr.NotFound, "Store.Resolve", "reference %s is unborn", cur)
			}
			return ref.Target(), nil
		}
		cur = ref.SymbolicTarget()
	}
	return nil, gerr.New(gerr.ProtocolViolation, "Store.Resolve", "symbolic reference chain from %s exceeds %d hops", name, MaxSymbolicHops)
}

// Peel resolves name to a direct OID and then chases any tag objects
// found there down to the first non-tag object, bounded at MaxPeelHops.
func (s *Store) Peel(name Name, reader ObjectReader) (hashing.OID, error) {
	oid, err := s.Resolve(name)
	if err != nil {
		return nil, err
	}
	for hop := 0; hop < MaxPeelHops; hop++ {
		kind, payload, err := reader.Read(oid)
		if err != nil {
			return nil, err
		}
		if kind != object.TagKind {
			return oid, nil
		}
		tag, err := object.Parse(object.TagKind, s.algo, payload)
		if err != nil {
			return nil, err
		}
		oid = tag.(*object.Tag).Object
	}
	return nil, gerr.New(gerr.Corrupt, "Store.Peel", "tag chain from %s exceeds %d hops", name, MaxPeelHops)
}

// writeLoose atomically writes name's loose ref file (used only by
// Transaction.Commit, which holds the per-ref lock already).
func (s *Store) writeLoose(name Name, ref *Reference) error {
	path := s.loosePath(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return gerr.Wrap(gerr.Io, "Store.writeLoose", err, "mkdir for %s", name)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-ref-*")
	if err != nil {
		return gerr.Wrap(gerr.Io, "Store.writeLoose", err, "create temp for %s", name)
	}
	tmpName := tmp.Name()
	if _, err := fmt.Fprintln(tmp, ref.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return gerr.Wrap(gerr.Io, "Store.writeLoose", err, "write temp for %s", name)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return gerr.Wrap(gerr.Io, "Store.writeLoose", err, "close temp for %s", name)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return gerr.Wrap(gerr.Io, "Store.writeLoose", err, "rename into place for %s", name)
	}
	return nil
}

// removeLoose deletes name's loose ref file, tolerating its absence.
func (s *Store) removeLoose(name Name) error {
	if err := os.Remove(s.loosePath(name)); err != nil && !os.IsNotExist(err) {
		return gerr.Wrap(gerr.Io, "Store.removeLoose", err, "remove %s", name)
	}
	return nil
}

// IterLoose walks refs/ calling fn for every loose reference found.
func (s *Store) IterLoose(fn func(*Reference) error) error {
	root := filepath.Join(s.root, "refs")
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := Name(filepath.ToSlash(rel))
		ref, err := s.ReadLoose(name)
		if err != nil {
			if gerr.Is(err, gerr.NotFound) {
				return nil
			}
			return err
		}
		return fn(ref)
	})
}

// IterAll visits every reference exactly once, in sorted name order: loose
// refs shadow packed ones of the same name. The merge is kept in a
// red-black tree rather than a map-plus-sort so insertion order never
// needs re-sorting after the fact (§4.4/§4.5 iteration is always in the
// same order packed-refs itself commits to: "sorted").
func (s *Store) IterAll(fn func(*Reference) error) error {
	packed, err := s.ReadPackedRefs()
	if err != nil {
		return err
	}
	merged := redblacktree.NewWithStringComparator[*Reference]()
	for name, ref := range packed {
		merged.Put(string(name), ref)
	}
	if err := s.IterLoose(func(ref *Reference) error {
		merged.Put(string(ref.Name()), ref)
		return nil
	}); err != nil {
		return err
	}
	for _, key := range merged.Keys() {
		ref, _ := merged.Get(key)
		if err := fn(ref); err != nil {
			return err
		}
	}
	return nil
}

// PackRefs rewrites packed-refs to fold in every current loose reference
// under refs/ (never HEAD, which always stays loose), replacing the file
// atomically via lock-then-rename. Refs modified by a racing writer after
// being read here are simply packed at the value observed; the racing
// writer's own loose file is left in place and continues to shadow the
// packed entry, so no update is lost (§4.5 supplemented "pack_refs must
// not lose racing updates").
func (s *Store) PackRefs() error {
	lock, err := AcquireLock(s.packedRefsPath(), s.lockTTL)
	if err != nil {
		return err
	}
	merged := redblacktree.NewWithStringComparator[*Reference]()
	existing, err := s.ReadPackedRefs()
	if err != nil {
		lock.Abort()
		return err
	}
	for name, ref := range existing {
		merged.Put(string(name), ref)
	}
	var toRemove []Name
	if err := s.IterLoose(func(ref *Reference) error {
		if ref.IsSymbolic() {
			return nil // symbolic refs are never packed
		}
		merged.Put(string(ref.Name()), ref)
		toRemove = append(toRemove, ref.Name())
		return nil
	}); err != nil {
		lock.Abort()
		return err
	}

	var buf strings.Builder
	buf.WriteString("# pack-refs with: peeled fully-peeled sorted\n")
	for _, key := range merged.Keys() {
		ref, _ := merged.Get(key)
		fmt.Fprintf(&buf, "%s %s\n", ref.Target(), key)
	}
	if err := lock.Write([]byte(buf.String())); err != nil {
		lock.Abort()
		return err
	}
	if err := lock.Commit(); err != nil {
		return err
	}
	for _, name := range toRemove {
		// Drop a loose file only under its own lock and only while it still
		// holds the value just packed; a newer value stays loose.
		refLock, err := AcquireLock(s.loosePath(name), s.lockTTL)
		if err != nil {
			continue
		}
		packed, _ := merged.Get(string(name))
		cur, err := s.ReadLoose(name)
		if err == nil && !cur.IsSymbolic() && cur.Target().Equal(packed.Target()) {
			err = s.removeLoose(name)
		}
		refLock.Abort()
		if err != nil && !gerr.Is(err, gerr.NotFound) {
			return err
		}
	}
	return nil
}

// Copyright (c) 2017- GitHub, Inc. and Git LFS contributors
// SPDX-License-Identifier: MIT

package pack

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
)

// Set is the collection of packs mapped under a single `objects/pack`
// directory (§4.3 pack mapping policy). A lookup asks each mapped pack's
// index in turn; there is no set-level fan-out across packs.
type Set struct {
	mu    sync.RWMutex
	algo  hashing.Algo
	dir   string
	packs map[string]*refcountedPack // keyed by base name ("pack-<hash>")
}

type refcountedPack struct {
	pf       *Packfile
	refcount int
}

// NewSet discovers and opens every pack-*.pack/.idx pair under dir at
// construction time.
func NewSet(algo hashing.Algo, dir string) (*Set, error) {
	s := &Set{algo: algo, dir: dir, packs: make(map[string]*refcountedPack)}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

// Refresh rescans dir, opening newly-appeared packs and closing
// disappeared ones whose refcount is zero (§4.3). A disappeared pack that
// is still held stays mapped until a later Refresh finds its refcount at
// zero; Release itself never closes a pack.
func (s *Set) Refresh() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return gerr.Wrap(gerr.Io, "Set.Refresh", err, "read %s", s.dir)
	}
	seen := make(map[string]bool)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pack") {
			continue
		}
		base := strings.TrimSuffix(e.Name(), ".pack")
		seen[base] = true
		if _, ok := s.packs[base]; ok {
			continue
		}
		packPath := filepath.Join(s.dir, base+".pack")
		idxPath := filepath.Join(s.dir, base+".idx")
		pf, err := Open(s.algo, packPath, idxPath)
		if err != nil {
			return err
		}
		s.packs[base] = &refcountedPack{pf: pf}
	}
	for base, rp := range s.packs {
		if seen[base] {
			continue
		}
		if rp.refcount == 0 {
			rp.pf.Close()
			delete(s.packs, base)
		}
		// Else: file vanished on disk but readers still hold it open via
		// Acquire/Release; the first Refresh after its refcount reaches
		// zero unmaps it.
	}
	return nil
}

// Acquire returns every currently-mapped pack, bumping each one's refcount
// so a concurrent Refresh cannot unmap a pack out from under an in-flight
// fetch (§5 "objects reachable from advertised refs MUST remain in the
// ODB for the duration of the fetch").
func (s *Set) Acquire() []*Packfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Packfile, 0, len(s.packs))
	for _, rp := range s.packs {
		rp.refcount++
		out = append(out, rp.pf)
	}
	return out
}

// Release gives back the refcounts taken by a prior Acquire.
func (s *Set) Release(packs []*Packfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pf := range packs {
		for base, rp := range s.packs {
			if rp.pf == pf {
				rp.refcount--
				if rp.refcount == 0 {
					// The pack may have been replaced/deleted while
					// acquired; if so it's no longer in s.packs'
					// "seen" set and Refresh already tried to close
					// it once. Nothing further to do here — the
					// ordinary case is the pack is still live.
					_ = base
				}
			}
		}
	}
}

// Find looks up oid across every mapped pack, returning the first hit.
func (s *Set) Find(oid hashing.OID) (*Packfile, *IndexEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rp := range s.packs {
		if e, ok := rp.pf.Find(oid); ok {
			return rp.pf, e, true
		}
	}
	return nil, nil, false
}

// FindAbbrev gathers every OID across every mapped pack matching the given
// hex prefix.
func (s *Set) FindAbbrev(whole []byte, halfNibble byte, hasHalf bool) []hashing.OID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []hashing.OID
	for _, rp := range s.packs {
		out = append(out, rp.pf.idx.FindAbbrev(whole, halfNibble, hasHalf)...)
	}
	return out
}

// All returns every mapped *Packfile (without bumping refcounts); used for
// read-only enumeration (ForEachOID).
func (s *Set) All() []*Packfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Packfile, 0, len(s.packs))
	for _, rp := range s.packs {
		out = append(out, rp.pf)
	}
	return out
}

// Close releases every mapped pack unconditionally; only safe once all
// Acquire callers have Released.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, rp := range s.packs {
		if err := rp.pf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.packs = nil
	return firstErr
}

// Names returns the base names ("pack-<hash>") of every mapped pack in
// sorted order, useful for deterministic diagnostics.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.packs))
	for base := range s.packs {
		names = append(names, base)
	}
	sort.Strings(names)
	return names
}

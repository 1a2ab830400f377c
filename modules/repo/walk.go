// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package repo

import (
	"strconv"
	"strings"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
)

// objectReader is the minimal read surface the graph walker needs.
type objectReader interface {
	Read(oid hashing.OID) (object.Kind, []byte, error)
}

// walkReachable returns the full set of OIDs reachable from roots: every
// commit along first-parent and merge-parent edges, every tree and blob
// each commit's tree transitively contains, and (for a tag root) the
// object it points at. Used both to compute the "haves" exclusion set and
// to enumerate what must ship in a pack (§4.7).
func walkReachable(reader objectReader, roots []hashing.OID) (map[string]hashing.OID, error) {
	return walkReachableFiltered(reader, roots, blobFilter{})
}

// blobFilter narrows which blobs a filtered walk admits, honoring a
// partial-clone filter spec negotiated during WantPhase (§4.8.2
// Shallow-semantics). Only "blob:none" and "blob:limit=<n>" are enforced;
// any other spec leaves the filter zero-valued (unfiltered).
type blobFilter struct {
	excludeAll bool
	maxSize    int64 // <=0 means no size cap
}

func (f blobFilter) admits(size int) bool {
	if f.excludeAll {
		return false
	}
	if f.maxSize > 0 && int64(size) > f.maxSize {
		return false
	}
	return true
}

// parseFilterSpec interprets a WantPhase "filter <spec>" value. Only
// "blob:none" and "blob:limit=<n>" are recognized; anything else
// (sparse specs, combine: expressions) is accepted by the wire protocol
// but yields a zero blobFilter — tolerated, not narrowed.
func parseFilterSpec(spec string) blobFilter {
	switch {
	case spec == "blob:none":
		return blobFilter{excludeAll: true}
	case strings.HasPrefix(spec, "blob:limit="):
		n, err := strconv.ParseInt(strings.TrimPrefix(spec, "blob:limit="), 10, 64)
		if err != nil || n <= 0 {
			return blobFilter{}
		}
		return blobFilter{maxSize: n}
	default:
		return blobFilter{}
	}
}

// walkReachableFiltered is walkReachable with an optional blob filter: a
// blob that the filter rejects is left out of the visited set (and thus
// out of the pack) even though it is graph-reachable, matching a partial
// clone's "promisor" semantics — the client asked not to receive it.
func walkReachableFiltered(reader objectReader, roots []hashing.OID, filter blobFilter) (map[string]hashing.OID, error) {
	visited := make(map[string]hashing.OID, len(roots)*8)
	queue := make([]hashing.OID, 0, len(roots))
	queue = append(queue, roots...)

	for len(queue) > 0 {
		oid := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		key := oid.String()
		if _, ok := visited[key]; ok {
			continue
		}
		kind, payload, err := reader.Read(oid)
		if err != nil {
			if gerr.Is(err, gerr.NotFound) {
				continue // a "have" the client claims but we don't hold is not fatal
			}
			return nil, err
		}
		if kind == object.BlobKind && !filter.admits(len(payload)) {
			continue
		}
		visited[key] = oid
		obj, err := object.Parse(kind, oid.Algo(), payload)
		if err != nil {
			return nil, err
		}
		switch v := obj.(type) {
		case *object.Commit:
			queue = append(queue, v.Tree)
			queue = append(queue, v.Parents...)
		case *object.Tree:
			for _, e := range v.Entries {
				if e.Mode == object.ModeSubmod {
					continue // submodule gitlink: not part of this repository's object graph
				}
				queue = append(queue, e.OID)
			}
		case *object.Tag:
			queue = append(queue, v.Object)
		case *object.Blob:
			// leaf
		}
	}
	return visited, nil
}

// isAncestor reports whether old is new itself or reachable from new by
// walking parent edges only (no trees/blobs), used to enforce the
// fast-forward requirement on non-force ref updates (§4.8.3 Validate).
func isAncestor(reader objectReader, old, new hashing.OID) (bool, error) {
	if old.IsZero() || old.Equal(new) {
		return true, nil
	}
	seen := make(map[string]bool)
	queue := []hashing.OID{new}
	for len(queue) > 0 {
		oid := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		key := oid.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		if oid.Equal(old) {
			return true, nil
		}
		kind, payload, err := reader.Read(oid)
		if err != nil {
			if gerr.Is(err, gerr.NotFound) {
				continue
			}
			return false, err
		}
		if kind != object.CommitKind {
			continue
		}
		obj, err := object.Parse(kind, oid.Algo(), payload)
		if err != nil {
			return false, err
		}
		commit := obj.(*object.Commit)
		queue = append(queue, commit.Parents...)
	}
	return false, nil
}

// reachableMinus computes reachable(wants) \ reachable(haves), returning a
// deterministically ordered slice (sorted by OID) so pack output given the
// same inputs is reproducible (§8 property: deterministic pack output).
// filter narrows which blobs from wants are admitted, honoring a
// partial-clone filter spec; haves is always walked unfiltered since its
// only purpose is computing the exclusion set.
func reachableMinus(reader objectReader, wants, haves []hashing.OID, filter blobFilter) ([]hashing.OID, error) {
	exclude, err := walkReachable(reader, haves)
	if err != nil {
		return nil, err
	}
	include, err := walkReachableFiltered(reader, wants, filter)
	if err != nil {
		return nil, err
	}
	out := make([]hashing.OID, 0, len(include))
	for key, oid := range include {
		if _, ok := exclude[key]; ok {
			continue
		}
		out = append(out, oid)
	}
	hashing.Sort(out)
	return out, nil
}

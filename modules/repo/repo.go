// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package repo wires the object database, reference store, and hook
// dispatcher into one repository facade, implementing the Smart protocol
// engine's UploadPackRepo and ReceivePackRepo interfaces (§4.7, §4.8, §4.9).
package repo

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kohrobin/gitcore/config"
	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/hooks"
	"github.com/kohrobin/gitcore/modules/object"
	"github.com/kohrobin/gitcore/modules/odb"
	"github.com/kohrobin/gitcore/modules/pack"
	"github.com/kohrobin/gitcore/modules/protocol"
	"github.com/kohrobin/gitcore/modules/refs"
)

// Options carries the per-repository policy knobs layered on top of the
// object database, reference store, and hook dispatcher.
type Options struct {
	Algo                hashing.Algo
	PackPolicy          pack.Policy
	DenyNonFastForwards bool
	DenyDeletes         bool
	AllowTipSHA1InWant  bool
	HookTimeout         time.Duration
	IdentitySigner      *hooks.IdentitySigner

	// VerifyPushCert and IssueNonce, left nil by default, wire the optional
	// push-certificate capability (§6) through to the protocol engine
	// without this package depending on the certs package's OpenPGP
	// dependency; a caller composing a server wires certs.NonceIssuer and
	// certs.Verify in here.
	VerifyPushCert func(nonce string, payload, signature []byte) error
	IssueNonce     func() (string, error)
}

// DefaultOptions returns the same defaults a freshly init'd repository uses.
func DefaultOptions() Options {
	return Options{
		Algo:       hashing.SHA256,
		PackPolicy: pack.DefaultPolicy(),
	}
}

// OptionsFromConfig reads <root>/config (§6) and overlays the policy keys
// it names onto DefaultOptions, so a caller opening a repository doesn't
// have to hand-decode the config file to get receive.denyNonFastForwards
// and uploadpack.allowTipSHA1InWant honored.
func OptionsFromConfig(root string) (Options, error) {
	opts := DefaultOptions()
	cfg, err := config.Load(root)
	if err != nil {
		return Options{}, err
	}
	opts.Algo = cfg.ObjectFormat
	opts.DenyNonFastForwards = cfg.DenyNonFastForwards
	opts.AllowTipSHA1InWant = cfg.AllowTipSHA1InWant
	return opts, nil
}

// UploadPackOptions projects this repository's policy onto the protocol
// engine's upload-pack session options.
func (r *Repository) UploadPackOptions() protocol.UploadPackOptions {
	return protocol.UploadPackOptions{
		AllowTipSHA1InWant: r.opts.AllowTipSHA1InWant,
		AllowReachableSHA1: true,
	}
}

// ReceivePackOptions projects this repository's policy onto the protocol
// engine's receive-pack session options.
func (r *Repository) ReceivePackOptions() protocol.ReceivePackOptions {
	return protocol.ReceivePackOptions{
		DenyNonFastForwards: r.opts.DenyNonFastForwards,
		DenyDeletes:         r.opts.DenyDeletes,
		VerifyPushCert:      r.opts.VerifyPushCert,
		IssueNonce:          r.opts.IssueNonce,
	}
}

// Repository is one bare repository: a root directory containing objects/,
// refs/, HEAD, and hooks/.
type Repository struct {
	root string
	opts Options

	odb   *odb.Database
	refs  *refs.Store
	hooks *hooks.Dispatcher
}

// Open opens an existing repository rooted at root. The caller is
// responsible for having initialized objects/, refs/heads, and HEAD
// beforehand (see Init).
func Open(root string, opts Options) (*Repository, error) {
	if opts.Algo == 0 {
		opts.Algo = hashing.SHA256
	}
	database, err := odb.Open(filepath.Join(root, "objects"), opts.Algo)
	if err != nil {
		return nil, err
	}
	hd := hooks.New(root, opts.IdentitySigner)
	if opts.HookTimeout > 0 {
		hd = hd.WithTimeout(opts.HookTimeout)
	}
	// Best-effort: a lock left by a crashed previous process must not wedge
	// every ref under it forever (§5 Lockfile discipline). Failure here
	// never blocks Open — a live contender's lock is simply left alone.
	_ = refs.ReclaimStaleLocks(root, refs.DefaultLockTTL)
	return &Repository{
		root:  root,
		opts:  opts,
		odb:   database,
		refs:  refs.New(root, opts.Algo),
		hooks: hd,
	}, nil
}

// Init lays out a fresh bare repository at root: objects/, objects/pack/,
// refs/heads/, refs/tags/, and a HEAD pointing at refs/heads/main.
func Init(root string, algo hashing.Algo) (*Repository, error) {
	for _, dir := range []string{"objects", filepath.Join("objects", "pack"), filepath.Join("refs", "heads"), filepath.Join("refs", "tags"), "hooks"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, gerr.Wrap(gerr.Io, "repo.Init", err, "mkdir %s", dir)
		}
	}
	headPath := filepath.Join(root, "HEAD")
	if _, err := os.Stat(headPath); os.IsNotExist(err) {
		if err := os.WriteFile(headPath, []byte("ref: refs/heads/main\n"), 0o644); err != nil {
			return nil, gerr.Wrap(gerr.Io, "repo.Init", err, "write HEAD")
		}
		if err := writeDefaultConfig(root, algo); err != nil {
			return nil, err
		}
	}
	return Open(root, Options{Algo: algo, PackPolicy: pack.DefaultPolicy()})
}

// Close releases mapped packs and cached state.
func (r *Repository) Close() error { return r.odb.Close() }

// Database exposes the underlying object database for callers (such as a
// remote-alternate wrapper) that need direct access.
func (r *Repository) Database() *odb.Database { return r.odb }

// Refs exposes the underlying reference store.
func (r *Repository) Refs() *refs.Store { return r.refs }

// AdvertisedRefs implements protocol.UploadPackRepo / ReceivePackRepo: every
// non-symbolic reference under refs/, resolved to its current OID. A ref
// pointing at an annotated tag also carries the tag's peeled target, so
// advertiseRefs can emit the "^<peeled-oid>" line the include-tag
// capability depends on (§4.8.2 step 1, §4.8.3).
func (r *Repository) AdvertisedRefs() ([]protocol.RefEntry, error) {
	var out []protocol.RefEntry
	err := r.refs.IterAll(func(ref *refs.Reference) error {
		if ref.IsSymbolic() {
			return nil
		}
		entry := protocol.RefEntry{Name: string(ref.Name()), OID: ref.Target()}
		peeled, ok, err := r.peelTag(entry.OID)
		if err != nil {
			return err
		}
		if ok {
			entry.Peeled = peeled
		}
		out = append(out, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// peelTag reports the non-tag object an annotated tag ultimately points
// at, chasing a tag-of-a-tag chain bounded at refs.MaxPeelHops. ok is
// false when oid does not name a tag object at all.
func (r *Repository) peelTag(oid hashing.OID) (hashing.OID, bool, error) {
	cur := oid
	wasTag := false
	for hop := 0; hop < refs.MaxPeelHops; hop++ {
		kind, payload, err := r.odb.Read(cur)
		if err != nil {
			return nil, false, err
		}
		if kind != object.TagKind {
			return cur, wasTag, nil
		}
		wasTag = true
		tag, err := object.Parse(object.TagKind, r.opts.Algo, payload)
		if err != nil {
			return nil, false, err
		}
		cur = tag.(*object.Tag).Object
	}
	return nil, false, gerr.New(gerr.Corrupt, "Repository.peelTag", "tag chain from %s exceeds %d hops", oid, refs.MaxPeelHops)
}

// Exists implements protocol.UploadPackRepo / ReceivePackRepo.
func (r *Repository) Exists(oid hashing.OID) bool { return r.odb.Exists(oid) }

// Sufficient implements protocol.UploadPackRepo: it reports whether haves
// already covers every want, the signal multi_ack_detailed uses to switch
// from "ACK <oid> common" to "ACK <oid> ready" (§4.8.2).
func (r *Repository) Sufficient(wants, haves []hashing.OID) (bool, error) {
	release := r.odb.Pin()
	defer release()
	objects, err := reachableMinus(r.odb, wants, haves, blobFilter{})
	if err != nil {
		return false, err
	}
	return len(objects) == 0, nil
}

type objectSourceAdapter struct {
	db *odb.Database
}

func (a objectSourceAdapter) ReadPayload(oid hashing.OID) (object.Kind, []byte, error) {
	return a.db.Read(oid)
}

// Pack implements protocol.UploadPackRepo: it computes
// reachable(wants) \ reachable(haves) and streams a pack of exactly that
// object set to w (§4.7). filter is the raw partial-clone filter spec
// from the WantPhase, "" meaning unfiltered; only "blob:none" and
// "blob:limit=<n>" are enforced, matching the blobFilter honored by
// reachableMinus.
func (r *Repository) Pack(wants, haves []hashing.OID, thin bool, filter string, w io.Writer) error {
	release := r.odb.Pin()
	defer release()
	objects, err := reachableMinus(r.odb, wants, haves, parseFilterSpec(filter))
	if err != nil {
		return err
	}
	policy := r.opts.PackPolicy
	policy.Thin = thin
	_, _, err = pack.WritePack(r.opts.Algo, w, objectSourceAdapter{r.odb}, objects, haves, policy)
	return err
}

// ReceivePack implements protocol.ReceivePackRepo: it reads the full pack
// stream the client sends, fixes up any thin ref-delta bases against this
// repository's object database, indexes the result, and writes it into
// objects/pack so every object it contains becomes readable before
// ApplyCommands validates the push (§4.8 PackReceive).
func (r *Repository) ReceivePack(stream io.Reader) error {
	raw, err := io.ReadAll(stream)
	if err != nil {
		return gerr.Wrap(gerr.Io, "Repository.ReceivePack", err, "read incoming pack")
	}
	// Pin the existing pack set for the duration of the fix-up: a base a
	// ref-delta resolves against must not be unmapped by a concurrent
	// Reload while this push is still reading it.
	release := r.odb.Pin()
	fixed, err := pack.FixThin(r.opts.Algo, raw, r.odb)
	release()
	if err != nil {
		return err
	}
	entries, trailer, err := pack.IndexPack(r.opts.Algo, fixed)
	if err != nil {
		return err
	}
	packDir := filepath.Join(r.root, "objects", "pack")
	base := "pack-" + trailer.String()
	packPath := filepath.Join(packDir, base+".pack")
	idxPath := filepath.Join(packDir, base+".idx")
	if err := os.WriteFile(packPath, fixed, 0o644); err != nil {
		return gerr.Wrap(gerr.Io, "Repository.ReceivePack", err, "write %s", packPath)
	}
	idxBytes := pack.BuildIndex(r.opts.Algo, entries, trailer)
	if err := os.WriteFile(idxPath, idxBytes, 0o644); err != nil {
		return gerr.Wrap(gerr.Io, "Repository.ReceivePack", err, "write %s", idxPath)
	}
	return r.odb.Reload()
}

// ApplyCommands implements protocol.ReceivePackRepo: it runs pre-receive,
// per-ref update, and post-receive hooks around a single reference
// transaction, reporting per-command outcomes (§4.9).
func (r *Repository) ApplyCommands(cmds []protocol.PushCommand, atomic bool, pushOptions []string) ([]protocol.CommandResult, error) {
	ctx := protocolContext()
	updates := make([]hooks.RefUpdate, len(cmds))
	for i, c := range cmds {
		updates[i] = hooks.RefUpdate{Name: c.Name, Old: c.Old, New: c.New}
	}
	if err := r.hooks.RunPreReceive(ctx, updates, pushOptions); err != nil {
		results := make([]protocol.CommandResult, len(cmds))
		for i, c := range cmds {
			results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: err.Error()}
		}
		return results, nil
	}

	results := make([]protocol.CommandResult, len(cmds))
	live := make([]bool, len(cmds))
	for i, c := range cmds {
		if r.opts.DenyNonFastForwards && !c.IsCreate() && !c.IsDelete() {
			ok, err := isAncestor(r.odb, c.Old, c.New)
			if err != nil {
				results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: err.Error()}
				continue
			}
			if !ok {
				results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: "non-fast-forward"}
				continue
			}
		}
		if err := r.hooks.RunUpdate(ctx, updates[i], pushOptions); err != nil {
			results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: err.Error()}
			continue
		}
		live[i] = true
	}

	committer := object.Signature{Name: "gitcore", Email: "gitcore@localhost", When: time.Now().Unix(), TZ: "+0000"}

	if atomic {
		// One shared transaction: either every live command lands, or none
		// do (§4.5 "atomicity").
		tx := refs.NewTransaction(r.refs)
		for i, c := range cmds {
			if !live[i] {
				continue
			}
			if err := tx.AddCommand(refCommand(c, committer)); err != nil {
				results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: err.Error()}
				live[i] = false
			}
		}
		if err := tx.Prepare(); err != nil {
			markFailed(cmds, live, results, err)
		} else if err := tx.Commit(); err != nil {
			markFailed(cmds, live, results, err)
		} else {
			for i, c := range cmds {
				if live[i] {
					results[i] = protocol.CommandResult{Name: c.Name, Ok: true}
				}
			}
		}
	} else {
		// One transaction per command: a failure on one ref does not block
		// the others from landing.
		for i, c := range cmds {
			if !live[i] {
				continue
			}
			tx := refs.NewTransaction(r.refs)
			if err := tx.AddCommand(refCommand(c, committer)); err != nil {
				results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: err.Error()}
				live[i] = false
				continue
			}
			if err := tx.Prepare(); err != nil {
				results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: err.Error()}
				live[i] = false
				continue
			}
			if err := tx.Commit(); err != nil {
				results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: err.Error()}
				live[i] = false
				continue
			}
			results[i] = protocol.CommandResult{Name: c.Name, Ok: true}
		}
	}

	var applied []hooks.RefUpdate
	for i := range cmds {
		if live[i] {
			applied = append(applied, updates[i])
		}
	}
	r.hooks.RunPostReceive(ctx, applied, pushOptions)
	return results, nil
}

func nonZero(oid hashing.OID) hashing.OID {
	if oid == nil || oid.IsZero() {
		return nil
	}
	return oid
}

func refCommand(c protocol.PushCommand, committer object.Signature) refs.Command {
	cmd := refs.Command{
		Name:      refs.Name(c.Name),
		OldOID:    nonZero(c.Old),
		Committer: committer,
		Message:   fmt.Sprintf("push: %s", c.Name),
	}
	if c.IsDelete() {
		cmd.Op = refs.OpDelete
	} else {
		cmd.Op = refs.OpUpdate
		cmd.NewOID = c.New
	}
	return cmd
}

func markFailed(cmds []protocol.PushCommand, live []bool, results []protocol.CommandResult, err error) {
	for i, c := range cmds {
		if live[i] {
			results[i] = protocol.CommandResult{Name: c.Name, Ok: false, Reason: err.Error()}
			live[i] = false
		}
	}
}

func protocolContext() context.Context { return context.Background() }

// writeDefaultConfig lays down the `config` file a fresh bare repository
// carries (§6): repositoryformatversion 0, and extensions.objectformat
// only when it differs from the SHA-1 default (matching git's own
// behavior of omitting extensions entries that don't apply).
func writeDefaultConfig(root string, algo hashing.Algo) error {
	body := "[core]\n\trepositoryformatversion = 0\n\tbare = true\n"
	if algo == hashing.SHA256 {
		body += "[extensions]\n\tobjectformat = sha256\n"
	}
	if err := os.WriteFile(filepath.Join(root, "config"), []byte(body), 0o644); err != nil {
		return gerr.Wrap(gerr.Io, "repo.Init", err, "write config")
	}
	return nil
}

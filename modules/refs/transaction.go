// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"sort"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/object"
)

// CommandOp distinguishes the three shapes a transaction command can take.
type CommandOp int

const (
	OpUpdate CommandOp = iota // create (OldOID nil or zero) or fast-forward/force-update
	OpDelete
)

// Command is one ref mutation within a Transaction, with an optional
// compare-and-swap precondition on the ref's current value (§4.5).
type Command struct {
	Name Name
	Op   CommandOp

	OldOID   hashing.OID // nil: no precondition; otherwise must match current value
	NewOID   hashing.OID // OpUpdate only
	NewTarget Name       // OpUpdate only, for a symbolic update; mutually exclusive with NewOID

	Committer object.Signature
	Message   string
}

type preparedCommand struct {
	cmd     Command
	lock    *Lock
	preimage *Reference // nil if the ref did not exist before this transaction
}

// Transaction batches one or more ref updates so they commit atomically:
// either every command's precondition holds and every update lands, or
// none do (§3.3 reference transaction, §4.5).
type Transaction struct {
	store    *Store
	commands []Command
	prepared []*preparedCommand
	state    txState
}

type txState int

const (
	txOpen txState = iota
	txPrepared
	txDone
)

func NewTransaction(s *Store) *Transaction {
	return &Transaction{store: s}
}

// AddCommand queues a ref mutation. Must be called before Prepare.
func (t *Transaction) AddCommand(cmd Command) error {
	if t.state != txOpen {
		return gerr.New(gerr.ProtocolViolation, "Transaction.AddCommand", "transaction is no longer open")
	}
	if err := Validate(string(cmd.Name)); err != nil {
		return err
	}
	t.commands = append(t.commands, cmd)
	return nil
}

// Prepare locks every referenced ref name in sorted order (a fixed global
// order across all callers prevents lock-ordering deadlocks between
// concurrent transactions touching overlapping ref sets) and verifies each
// command's compare-and-swap precondition against the current on-disk
// value. Any precondition mismatch aborts the whole transaction and
// releases every lock already taken (§4.5 "all-or-nothing").
func (t *Transaction) Prepare() error {
	if t.state != txOpen {
		return gerr.New(gerr.ProtocolViolation, "Transaction.Prepare", "transaction already prepared")
	}
	ordered := make([]Command, len(t.commands))
	copy(ordered, t.commands)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	for _, cmd := range ordered {
		lock, err := AcquireLock(t.store.loosePath(cmd.Name), t.store.lockTTL)
		if err != nil {
			t.releasePrepared()
			return err
		}
		current, rerr := t.store.Read(cmd.Name)
		var preimage *Reference
		if rerr == nil {
			preimage = current
		} else if !gerr.Is(rerr, gerr.NotFound) {
			lock.Abort()
			t.releasePrepared()
			return rerr
		}
		if err := checkPrecondition(cmd, preimage); err != nil {
			lock.Abort()
			t.releasePrepared()
			return err
		}
		t.prepared = append(t.prepared, &preparedCommand{cmd: cmd, lock: lock, preimage: preimage})
	}
	t.state = txPrepared
	return nil
}

func checkPrecondition(cmd Command, current *Reference) error {
	if cmd.OldOID == nil {
		return nil
	}
	if current == nil {
		if !cmd.OldOID.IsZero() {
			return gerr.New(gerr.StalePrecondition, "Transaction.Prepare", "reference %s does not exist, expected %s", cmd.Name, cmd.OldOID)
		}
		return nil
	}
	if current.IsSymbolic() {
		return gerr.New(gerr.StalePrecondition, "Transaction.Prepare", "reference %s is symbolic, expected direct value %s", cmd.Name, cmd.OldOID)
	}
	if !current.Target().Equal(cmd.OldOID) {
		return gerr.New(gerr.StalePrecondition, "Transaction.Prepare", "reference %s is at %s, expected %s", cmd.Name, current.Target(), cmd.OldOID)
	}
	return nil
}

// Commit writes every prepared command's new value, appends its reflog
// entry, and releases the per-ref locks in commit order. A failure partway
// through rolls every already-committed ref back to its pre-image before
// returning, so a caller never observes a partial transaction on disk
// (§4.5 "atomicity via rollback of pre-images", §7 PartialCommit).
func (t *Transaction) Commit() error {
	if t.state != txPrepared {
		return gerr.New(gerr.ProtocolViolation, "Transaction.Commit", "transaction is not prepared")
	}
	var committed []*preparedCommand
	for _, pc := range t.prepared {
		if err := t.applyOne(pc); err != nil {
			t.rollback(committed)
			t.releaseAll()
			t.state = txDone
			return gerr.Wrap(gerr.PartialCommit, "Transaction.Commit", err, "failed applying %s, rolled back", pc.cmd.Name)
		}
		committed = append(committed, pc)
	}
	t.releaseAll()
	t.state = txDone
	return nil
}

func (t *Transaction) applyOne(pc *preparedCommand) error {
	cmd := pc.cmd
	switch cmd.Op {
	case OpDelete:
		if err := t.store.removeLoose(cmd.Name); err != nil {
			return err
		}
	case OpUpdate:
		var ref *Reference
		if cmd.NewTarget != "" {
			ref = NewSymbolic(cmd.Name, cmd.NewTarget)
		} else {
			ref = NewDirect(cmd.Name, cmd.NewOID)
		}
		if err := t.store.writeLoose(cmd.Name, ref); err != nil {
			return err
		}
	}
	old := hashing.ZeroOID(t.store.algo)
	if pc.preimage != nil && !pc.preimage.IsSymbolic() && pc.preimage.Target() != nil {
		old = pc.preimage.Target()
	}
	newOID := hashing.ZeroOID(t.store.algo)
	if cmd.Op == OpUpdate && cmd.NewOID != nil {
		newOID = cmd.NewOID
	}
	return t.store.AppendReflog(cmd.Name, old, newOID, cmd.Committer, cmd.Message)
}

// rollback restores every already-applied command's pre-image, in reverse
// commit order, best-effort: errors from the individual restores are
// ignored and not reported to the caller.
func (t *Transaction) rollback(committed []*preparedCommand) {
	for i := len(committed) - 1; i >= 0; i-- {
		pc := committed[i]
		if pc.preimage == nil {
			t.store.removeLoose(pc.cmd.Name)
			continue
		}
		t.store.writeLoose(pc.cmd.Name, pc.preimage)
	}
}

// Abort releases every lock taken by Prepare without writing anything.
func (t *Transaction) Abort() {
	t.releaseAll()
	t.state = txDone
}

func (t *Transaction) releaseAll() {
	for _, pc := range t.prepared {
		pc.lock.Abort()
	}
}

func (t *Transaction) releasePrepared() {
	t.releaseAll()
}

// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
)

// PushCommand is one ref update requested by the client.
type PushCommand struct {
	Name string
	Old  hashing.OID
	New  hashing.OID
}

// IsCreate reports whether this command creates a new reference.
func (c PushCommand) IsCreate() bool { return c.Old.IsZero() }

// IsDelete reports whether this command deletes an existing reference.
func (c PushCommand) IsDelete() bool { return c.New.IsZero() }

// CommandResult is one line of the post-receive report: "ok <ref>" or
// "ng <ref> <reason>".
type CommandResult struct {
	Name   string
	Ok     bool
	Reason string
}

// ReceivePackRepo is what the receive-pack engine needs from the
// repository.
type ReceivePackRepo interface {
	AdvertisedRefs() ([]RefEntry, error)
	Exists(oid hashing.OID) bool
	// ReceivePack indexes the incoming pack (thin-pack fix-up included) so
	// every object referenced by cmds becomes readable before validation.
	ReceivePack(r io.Reader) error
	// ApplyCommands runs pre-receive/update/post-receive hooks and commits
	// the ref transaction. atomic requires all-or-nothing application.
	// pushOptions is forwarded to hooks verbatim as GIT_PUSH_OPTION_n.
	ApplyCommands(cmds []PushCommand, atomic bool, pushOptions []string) ([]CommandResult, error)
}

// ReceivePackOptions carries per-session policy.
type ReceivePackOptions struct {
	DenyNonFastForwards bool
	DenyDeletes         bool

	// VerifyPushCert, if set, is called with the raw signed payload and
	// detached signature of a push certificate whenever the client sends
	// one (capability push-cert=<nonce>, §6). A non-nil error aborts the
	// push before any ref is touched. Parsing and OpenPGP verification
	// themselves live in the certs package, kept decoupled from the wire
	// protocol here.
	VerifyPushCert func(nonce string, payload, signature []byte) error

	// IssueNonce, if set, mints the nonce advertised as push-cert=<nonce>
	// (§6); a client that wants to sign its push embeds this value in the
	// certificate body, which VerifyPushCert is responsible for checking
	// the cert's own "nonce" line against.
	IssueNonce func() (string, error)
}

// PushCert is the raw signed payload and detached signature captured off
// the wire for a push certificate, handed to ReceivePackOptions.VerifyPushCert
// unparsed so protocol stays independent of the certs package's OpenPGP
// dependency.
type PushCert struct {
	Nonce     string
	Payload   []byte
	Signature []byte
}

// RunReceivePack drives one receive-pack session: RefAdvertise,
// CommandList, PackReceive, Validate, Transaction, Report (§4.8).
func RunReceivePack(repo ReceivePackRepo, opts ReceivePackOptions, r *Reader, w *Writer) error {
	if err := advertiseReceiveRefs(repo, w, opts); err != nil {
		return err
	}
	cmds, caps, pushOptions, cert, err := readCommandList(r)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return nil // client had nothing to push; no pack follows
	}
	if cert != nil && opts.VerifyPushCert != nil {
		if err := opts.VerifyPushCert(cert.Nonce, cert.Payload, cert.Signature); err != nil {
			return reportSingleError(repo, caps, cmds, w, err)
		}
	}
	needsPack := false
	for _, c := range cmds {
		if !c.IsDelete() {
			needsPack = true
		}
	}
	if needsPack {
		if err := repo.ReceivePack(r.Underlying()); err != nil {
			if caps.Has(CapReportStatus) || caps.Has(CapReportStatusV2) {
				return reportUnpackFailure(w, cmds, err)
			}
			return err
		}
	}
	if err := validateCommands(repo, opts, cmds); err != nil {
		return reportSingleError(repo, caps, cmds, w, err)
	}
	atomic := caps.Has(CapAtomic)
	results, err := repo.ApplyCommands(cmds, atomic, pushOptions)
	if err != nil {
		return err
	}
	if caps.Has(CapReportStatus) || caps.Has(CapReportStatusV2) {
		return reportStatus(w, "", results)
	}
	return nil
}

func advertiseReceiveRefs(repo ReceivePackRepo, w *Writer, opts ReceivePackOptions) error {
	refs, err := repo.AdvertisedRefs()
	if err != nil {
		return err
	}
	caps := Capabilities{
		CapReportStatus: "",
		CapDeleteRefs:   "",
		CapAtomic:       "",
		CapPushOptions:  "",
		CapOFSDelta:     "",
		CapAgent:        "gitcore/1.0",
	}
	if opts.IssueNonce != nil {
		if nonce, err := opts.IssueNonce(); err == nil {
			caps[CapPushCert] = nonce
		}
	}
	if len(refs) == 0 {
		if err := w.WriteLineString(fmt.Sprintf("%s capabilities^{}\x00%s\n", hashing.ZeroOID(hashing.SHA1), caps.Encode())); err != nil {
			return err
		}
		return w.Flush()
	}
	for i, ref := range refs {
		line := fmt.Sprintf("%s %s", ref.OID, ref.Name)
		if i == 0 {
			line += "\x00" + caps.Encode()
		}
		line += "\n"
		if err := w.WriteLineString(line); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readCommandList(r *Reader) ([]PushCommand, Capabilities, []string, *PushCert, error) {
	var cmds []PushCommand
	var caps Capabilities
	var cert *PushCert
	first := true
	for {
		line, err := r.ReadLine()
		if errors.Is(err, ErrFlush) {
			break
		}
		if err != nil {
			return nil, nil, nil, nil, err
		}
		data := line
		if first {
			var rest []byte
			rest, caps = SplitCapabilityLine(line)
			data = rest
			first = false
			if strings.TrimSuffix(string(data), "\n") == "push-cert" {
				var certCmds []PushCommand
				cert, certCmds, err = readPushCert(r)
				if err != nil {
					return nil, nil, nil, nil, err
				}
				// The cert's own gpg-signature-lines are terminated by the
				// same flush-pkt that would otherwise end the command list
				// (§6): a push-cert block replaces the command list, it
				// doesn't precede one.
				cmds = append(cmds, certCmds...)
				break
			}
		}
		cmd, err := parseCommandLine(string(data))
		if err != nil {
			return nil, nil, nil, nil, err
		}
		cmds = append(cmds, cmd)
	}
	var pushOptions []string
	// A cert's own push-option lines, if any, live inside its signed body;
	// the standalone push-option pkt-lines this reads only follow a plain
	// (non-cert) command list.
	if cert == nil && caps.Has(CapPushOptions) {
		lines, err := r.ReadLines()
		if err != nil && !errors.Is(err, ErrDelim) {
			return nil, nil, nil, nil, err
		}
		for _, l := range lines {
			pushOptions = append(pushOptions, string(l))
		}
	}
	return cmds, caps, pushOptions, cert, nil
}

// pushCertEndLine terminates the signed portion of a push certificate;
// everything from the "certificate version" line through this one
// (inclusive) is what the client's detached signature covers.
const pushCertEndLine = "push-cert-end\n"

// pushCertNoncePrefix marks the cert body line carrying the nonce the
// client is echoing back (§6): "nonce <n>".
const pushCertNoncePrefix = "nonce "

// readPushCert reads the remainder of a push certificate block (§6): the
// signed payload up to and including push-cert-end, then the armored
// detached signature lines that follow, up to the command list's
// terminating flush-pkt. It returns the ref update commands embedded in
// the certificate body alongside the raw cert for signature verification.
// The nonce is read out of the body's own "nonce <n>" line, not a
// wire-header parameter, matching where the client actually places it.
func readPushCert(r *Reader) (*PushCert, []PushCommand, error) {
	var payload bytes.Buffer
	var cmds []PushCommand
	var nonce string
	inCommands := false
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, nil, err
		}
		text := string(line)
		payload.Write(line)
		if text == pushCertEndLine {
			break
		}
		if text == "\n" {
			inCommands = true
			continue
		}
		if inCommands {
			cmd, err := parseCommandLine(strings.TrimSuffix(text, "\n"))
			if err != nil {
				return nil, nil, err
			}
			cmds = append(cmds, cmd)
			continue
		}
		if n, ok := strings.CutPrefix(strings.TrimSuffix(text, "\n"), pushCertNoncePrefix); ok {
			nonce = n
		}
	}
	var sig bytes.Buffer
	for {
		line, err := r.ReadLine()
		if errors.Is(err, ErrFlush) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		sig.Write(line)
	}
	return &PushCert{Nonce: nonce, Payload: payload.Bytes(), Signature: sig.Bytes()}, cmds, nil
}

func parseCommandLine(line string) (PushCommand, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return PushCommand{}, gerr.New(gerr.ProtocolViolation, "protocol.parseCommandLine", "malformed command line %q", line)
	}
	oldOID, err := hashing.FromHex(fields[0])
	if err != nil {
		return PushCommand{}, gerr.Wrap(gerr.ProtocolViolation, "protocol.parseCommandLine", err, "malformed old oid in %q", line)
	}
	newOID, err := hashing.FromHex(fields[1])
	if err != nil {
		return PushCommand{}, gerr.Wrap(gerr.ProtocolViolation, "protocol.parseCommandLine", err, "malformed new oid in %q", line)
	}
	return PushCommand{Name: fields[2], Old: oldOID, New: newOID}, nil
}

func validateCommands(repo ReceivePackRepo, opts ReceivePackOptions, cmds []PushCommand) error {
	for _, c := range cmds {
		if c.IsDelete() && opts.DenyDeletes {
			return gerr.New(gerr.HookRejected, "protocol.validateCommands", "deletion of %s is denied by configuration", c.Name)
		}
		if !c.IsCreate() && !repo.Exists(c.Old) {
			return gerr.New(gerr.StalePrecondition, "protocol.validateCommands", "old oid %s for %s not found", c.Old, c.Name)
		}
		if !c.IsDelete() && !repo.Exists(c.New) {
			return gerr.New(gerr.NotFound, "protocol.validateCommands", "new oid %s for %s not found after pack receive", c.New, c.Name)
		}
	}
	return nil
}

func reportSingleError(repo ReceivePackRepo, caps Capabilities, cmds []PushCommand, w *Writer, cause error) error {
	if !caps.Has(CapReportStatus) && !caps.Has(CapReportStatusV2) {
		return cause
	}
	results := make([]CommandResult, len(cmds))
	for i, c := range cmds {
		results[i] = CommandResult{Name: c.Name, Ok: false, Reason: cause.Error()}
	}
	return reportStatus(w, "", results)
}

// reportUnpackFailure reports a failed PackReceive (§8 scenario 6): the
// pack itself never made it into the object database, so every command
// in the push necessarily fails along with it.
func reportUnpackFailure(w *Writer, cmds []PushCommand, cause error) error {
	results := make([]CommandResult, len(cmds))
	for i, c := range cmds {
		results[i] = CommandResult{Name: c.Name, Ok: false, Reason: "unpacker error"}
	}
	return reportStatus(w, cause.Error(), results)
}

// reportStatus writes the report-status pkt-line stream: an "unpack
// ok"/"unpack <reason>" line, one "ok <ref>"/"ng <ref> <reason>" line per
// command, then a flush-pkt. unpackErr is the reason to report for the
// pack-indexing step itself; "" means it succeeded ("unpack ok").
func reportStatus(w *Writer, unpackErr string, results []CommandResult) error {
	unpackLine := "unpack ok\n"
	if unpackErr != "" {
		unpackLine = fmt.Sprintf("unpack %s\n", unpackErr)
	}
	if err := w.WriteLineString(unpackLine); err != nil {
		return err
	}
	for _, r := range results {
		var line string
		if r.Ok {
			line = fmt.Sprintf("ok %s\n", r.Name)
		} else {
			line = fmt.Sprintf("ng %s %s\n", r.Name, r.Reason)
		}
		if err := w.WriteLineString(line); err != nil {
			return err
		}
	}
	return w.Flush()
}

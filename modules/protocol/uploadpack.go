// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/kohrobin/gitcore/modules/streamio"
)

// RefEntry is one advertised reference: its name and the OID it currently
// points at (already peeled past any symbolic indirection). Peeled is set
// only when OID names an annotated tag, carrying the non-tag object the
// tag ultimately points at, so advertiseRefs can emit the "^<peeled-oid>"
// line include-tag depends on (§4.8.2 step 1, §4.8.3).
type RefEntry struct {
	Name   string
	OID    hashing.OID
	Peeled hashing.OID
}

// UploadPackRepo is what the upload-pack engine needs from the repository;
// the repo package supplies the concrete implementation wiring the object
// database, reference store, and pack writer together.
type UploadPackRepo interface {
	AdvertisedRefs() ([]RefEntry, error)
	// Exists reports whether oid is present, used to validate "have" lines
	// and to reject a "want" for an object the repo doesn't have.
	Exists(oid hashing.OID) bool
	// Sufficient reports whether haves already covers every want — i.e.
	// reachable(wants) minus reachable(haves) is empty — the signal
	// multi_ack_detailed uses to switch from "ACK <oid> common" to
	// "ACK <oid> ready" (§4.8.2).
	Sufficient(wants, haves []hashing.OID) (bool, error)
	// Pack writes a pack containing everything reachable from wants minus
	// everything reachable from haves to w, honoring thin (ref-delta bases
	// allowed outside the pack) and filter, a partial-clone filter spec
	// from the WantPhase ("" meaning unfiltered).
	Pack(wants, haves []hashing.OID, thin bool, filter string, w io.Writer) error
}

// UploadPackOptions carries the server-side policy knobs for one session.
type UploadPackOptions struct {
	AllowTipSHA1InWant bool
	AllowReachableSHA1 bool
}

// WantsRequest is everything the client asked for during WantPhase
// (§4.8.2): the objects it wants, plus any shallow/deepen/filter
// refinements layered on top of a plain fetch.
type WantsRequest struct {
	Wants []hashing.OID

	// Shallows are the client's current shallow boundary commits (oids it
	// already knows it holds no parents for). Merged into haves so a
	// refetch against an existing shallow clone doesn't resend history
	// the client has already agreed to do without.
	Shallows []hashing.OID

	// Deepen, DeepenSince, and DeepenNot request the boundary be pushed
	// further back; tolerated and parsed, but this implementation does
	// not compute a deepened shallow boundary (see DESIGN.md).
	Deepen      int
	DeepenSince string
	DeepenNot   []string

	// Filter is the raw partial-clone filter spec ("" meaning none). Only
	// "blob:none" and "blob:limit=<n>" are honored by Pack; any other
	// spec is accepted on the wire but left unfiltered.
	Filter string
}

// RunUploadPack drives one upload-pack session end to end: RefAdvertise,
// WantPhase, HavePhase, PackStream (§4.8).
func RunUploadPack(repo UploadPackRepo, opts UploadPackOptions, r *Reader, w *Writer) error {
	advertised, err := advertiseRefs(repo, w)
	if err != nil {
		return err
	}
	req, caps, err := readWants(r)
	if err != nil {
		return err
	}
	if len(req.Wants) == 0 {
		return w.Flush()
	}
	for _, want := range req.Wants {
		if !repo.Exists(want) {
			return gerr.New(gerr.NotFound, "protocol.RunUploadPack", "want %s not found", want)
		}
		// §4.8.2: every want must be an advertised tip unless the session
		// allows requesting arbitrary (tip or reachable) object ids.
		if !advertised[want.String()] && !opts.AllowTipSHA1InWant && !opts.AllowReachableSHA1 {
			return gerr.New(gerr.ProtocolViolation, "protocol.RunUploadPack", "want %s is not an advertised reference", want)
		}
	}
	haves, done, err := negotiateHaves(repo, req.Wants, caps, r, w)
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	haves = append(haves, req.Shallows...)
	thin := caps.Has(CapThinPack)
	if caps.Has(CapSideBand64k) {
		sw := NewSidebandWriter(w)
		pr, pw := io.Pipe()
		errc := make(chan error, 1)
		go func() {
			errc <- repo.Pack(req.Wants, haves, thin, req.Filter, pw)
			pw.Close()
		}()
		buf := streamio.GetByteSlice()
		defer streamio.PutByteSlice(buf)
		for {
			n, rerr := pr.Read(*buf)
			if n > 0 {
				if werr := sw.WriteBand(SidebandPackData, (*buf)[:n]); werr != nil {
					return werr
				}
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return gerr.Wrap(gerr.Io, "protocol.RunUploadPack", rerr, "read pack stream")
			}
		}
		if err := <-errc; err != nil {
			return err
		}
		return w.Flush()
	}
	if err := repo.Pack(req.Wants, haves, thin, req.Filter, w.w); err != nil {
		return err
	}
	return nil
}

// advertiseRefs writes the RefAdvertise phase and returns the set of
// advertised tip OIDs (by hex string), used to enforce that a later want
// names an advertised tip unless the session relaxes that (§4.8.2).
func advertiseRefs(repo UploadPackRepo, w *Writer) (map[string]bool, error) {
	refs, err := repo.AdvertisedRefs()
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		if err := w.WriteLineString(fmt.Sprintf("%s capabilities^{}\x00%s\n", hashing.ZeroOID(hashing.SHA1), defaultServerCaps().Encode())); err != nil {
			return nil, err
		}
		return nil, w.Flush()
	}
	advertised := make(map[string]bool, len(refs))
	for i, ref := range refs {
		advertised[ref.OID.String()] = true
		line := fmt.Sprintf("%s %s", ref.OID, ref.Name)
		if i == 0 {
			line += "\x00" + defaultServerCaps().Encode()
		}
		line += "\n"
		if err := w.WriteLineString(line); err != nil {
			return nil, err
		}
		// An annotated tag is followed by its peeled target so include-tag
		// lets the client avoid a round trip to learn what it points at
		// (§4.8.2 step 1, §4.8.3).
		if ref.Peeled != nil {
			if err := w.WriteLineString(fmt.Sprintf("^%s\n", ref.Peeled)); err != nil {
				return nil, err
			}
		}
	}
	return advertised, w.Flush()
}

func defaultServerCaps() Capabilities {
	return Capabilities{
		CapMultiAckDetailed: "",
		CapSideBand64k:      "",
		CapThinPack:         "",
		CapOFSDelta:         "",
		CapIncludeTag:       "",
		CapNoDone:           "",
		CapShallow:          "",
		CapFilter:           "",
		CapAgent:            "gitcore/1.0",
	}
}

// readWants reads the WantPhase (§4.8.2): one or more "want" lines,
// optionally interleaved with "shallow"/"deepen"/"deepen-since"/
// "deepen-not"/"filter" refinement lines, terminated by a flush-pkt.
func readWants(r *Reader) (WantsRequest, Capabilities, error) {
	var req WantsRequest
	var caps Capabilities
	first := true
	for {
		line, err := r.ReadLine()
		if errors.Is(err, ErrFlush) {
			return req, caps, nil
		}
		if err != nil {
			return WantsRequest{}, nil, err
		}
		data := line
		if first {
			var rest []byte
			rest, caps = SplitCapabilityLine(line)
			data = rest
			first = false
		}
		text := strings.TrimSuffix(string(data), "\n")
		switch {
		case strings.HasPrefix(text, "want "):
			wantHex, capList, _ := strings.Cut(strings.TrimPrefix(text, "want "), " ")
			if capList != "" && len(req.Wants) == 0 {
				caps = ParseCapabilities(capList)
			}
			oid, err := hashing.FromHex(wantHex)
			if err != nil {
				return WantsRequest{}, nil, gerr.Wrap(gerr.ProtocolViolation, "protocol.readWants", err, "malformed want oid in %q", text)
			}
			req.Wants = append(req.Wants, oid)
		case strings.HasPrefix(text, "shallow "):
			oid, err := hashing.FromHex(strings.TrimPrefix(text, "shallow "))
			if err != nil {
				return WantsRequest{}, nil, gerr.Wrap(gerr.ProtocolViolation, "protocol.readWants", err, "malformed shallow oid in %q", text)
			}
			req.Shallows = append(req.Shallows, oid)
		case strings.HasPrefix(text, "deepen-since "):
			req.DeepenSince = strings.TrimPrefix(text, "deepen-since ")
		case strings.HasPrefix(text, "deepen-not "):
			req.DeepenNot = append(req.DeepenNot, strings.TrimPrefix(text, "deepen-not "))
		case strings.HasPrefix(text, "deepen "):
			n, err := strconv.Atoi(strings.TrimPrefix(text, "deepen "))
			if err != nil {
				return WantsRequest{}, nil, gerr.Wrap(gerr.ProtocolViolation, "protocol.readWants", err, "malformed deepen line %q", text)
			}
			req.Deepen = n
		case strings.HasPrefix(text, "filter "):
			req.Filter = strings.TrimPrefix(text, "filter ")
		default:
			return WantsRequest{}, nil, gerr.New(gerr.ProtocolViolation, "protocol.readWants", "malformed want-phase line %q", text)
		}
	}
}

// negotiateHaves implements the have/ACK round trip. It reports done=true
// once the client sends "done", at which point haves holds every "have"
// the repo recognized as present (the common base for a thin pack).
func negotiateHaves(repo UploadPackRepo, wants []hashing.OID, caps Capabilities, r *Reader, w *Writer) (haves []hashing.OID, done bool, err error) {
	detailed := caps.Has(CapMultiAckDetailed)
	multiAck := caps.Has(CapMultiAck) || detailed
	var lastCommon hashing.OID
	for {
		line, rerr := r.ReadLine()
		switch {
		case errors.Is(rerr, ErrFlush):
			if multiAck {
				if err := w.WriteLineString("NAK\n"); err != nil {
					return nil, false, err
				}
			}
			continue
		case rerr != nil:
			return nil, false, rerr
		}
		text := string(line)
		if text == "done\n" || text == "done" {
			if lastCommon != nil {
				if err := w.WriteLineString(fmt.Sprintf("ACK %s\n", lastCommon)); err != nil {
					return nil, false, err
				}
			} else {
				if err := w.WriteLineString("NAK\n"); err != nil {
					return nil, false, err
				}
			}
			return haves, true, nil
		}
		var hex string
		if _, serr := fmt.Sscanf(text, "have %s", &hex); serr != nil {
			return nil, false, gerr.New(gerr.ProtocolViolation, "protocol.negotiateHaves", "malformed have line %q", text)
		}
		oid, oerr := hashing.FromHex(hex)
		if oerr != nil {
			return nil, false, gerr.Wrap(gerr.ProtocolViolation, "protocol.negotiateHaves", oerr, "malformed have oid %q", hex)
		}
		if repo.Exists(oid) {
			haves = append(haves, oid)
			lastCommon = oid
			if multiAck {
				status := "continue"
				if detailed {
					status = "common"
					sufficient, serr := repo.Sufficient(wants, haves)
					if serr != nil {
						return nil, false, serr
					}
					if sufficient {
						status = "ready"
					}
				}
				if err := w.WriteLineString(fmt.Sprintf("ACK %s %s\n", oid, status)); err != nil {
					return nil, false, err
				}
			}
		}
	}
}

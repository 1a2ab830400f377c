// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package ssh is a thin SSH adapter over the protocol package's
// upload-pack and receive-pack engines (§3 item 11): the same two
// engines the HTTP adapter drives, here fed by an SSH session's stdin
// and stdout instead of chunked HTTP bodies, proving the framing layer
// doesn't care which transport carries it.
//
// A client connects the way it would to real git over SSH:
//
//	ssh git@host git-upload-pack '<repo>'
//	ssh git@host git-receive-pack '<repo>'
package ssh

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gliderlabs/ssh"
	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/protocol"
	"github.com/kohrobin/gitcore/modules/repo"
	"github.com/sirupsen/logrus"
	gossh "golang.org/x/crypto/ssh"
)

// RepoOpener resolves the repository named in a git-upload-pack /
// git-receive-pack command to an open repository.
type RepoOpener func(name string) (*repo.Repository, error)

// PublicKeyAuthorizer decides whether a connecting public key may open a
// session at all; returning false rejects the connection before any
// command is parsed.
type PublicKeyAuthorizer func(fingerprint string, key ssh.PublicKey) bool

// Server is the SSH transport adapter.
type Server struct {
	srv  *ssh.Server
	open RepoOpener
}

// NewServer builds an SSH server listening on addr. hostKey is the PEM
// bytes of the server's host key; auth, if nil, accepts every key
// (suitable only for demos — a production deployment wires a real
// PublicKeyAuthorizer).
func NewServer(addr string, hostKey []byte, open RepoOpener, auth PublicKeyAuthorizer) (*Server, error) {
	s := &Server{open: open}
	srv := &ssh.Server{
		Addr:    addr,
		Version: "gitcore",
		Handler: s.handle,
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			if auth == nil {
				return true
			}
			return auth(gossh.FingerprintSHA256(key), key)
		},
	}
	if len(hostKey) > 0 {
		signer, err := gossh.ParsePrivateKey(hostKey)
		if err != nil {
			return nil, gerr.Wrap(gerr.Malformed, "ssh.NewServer", err, "parse host key")
		}
		srv.AddHostKey(signer)
	}
	s.srv = srv
	return s, nil
}

// ListenAndServe blocks serving SSH connections.
func (s *Server) ListenAndServe() error {
	logrus.Infof("gitcore ssh transport listen: %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// handle dispatches one SSH session's command line to upload-pack or
// receive-pack, running the protocol engine against the session's
// stdin/stdout exactly as it would run against a socket.
func (s *Server) handle(sess ssh.Session) {
	cmd, name, err := parseCommand(sess.Command())
	if err != nil {
		fmt.Fprintf(sess.Stderr(), "gitcore: %v\n", err)
		_ = sess.Exit(1)
		return
	}
	rr, err := s.open(name)
	if err != nil {
		if gerr.Is(err, gerr.NotFound) {
			fmt.Fprintf(sess.Stderr(), "gitcore: repository %q not found\n", name)
		} else {
			fmt.Fprintf(sess.Stderr(), "gitcore: internal error\n")
			logrus.Errorf("ssh open %q: %v", name, err)
		}
		_ = sess.Exit(1)
		return
	}
	defer rr.Close()

	pr := protocol.NewReader(sess)
	pw := protocol.NewWriter(sess)

	var runErr error
	switch cmd {
	case "git-upload-pack":
		runErr = protocol.RunUploadPack(rr, rr.UploadPackOptions(), pr, pw)
	case "git-receive-pack":
		runErr = protocol.RunReceivePack(rr, rr.ReceivePackOptions(), pr, pw)
	}
	if runErr != nil {
		logrus.Errorf("%s %q: %v", cmd, name, runErr)
		_ = sess.Exit(1)
		return
	}
	_ = sess.Exit(0)
}

// parseCommand splits an SSH exec command line of the form
// `git-upload-pack '<repo>'` (or the unquoted equivalent) into the
// service name and repo path.
func parseCommand(args []string) (cmd, repoName string, err error) {
	if len(args) == 0 {
		return "", "", gerr.New(gerr.ProtocolViolation, "ssh.parseCommand", "empty command")
	}
	cmd = args[0]
	if cmd != "git-upload-pack" && cmd != "git-receive-pack" {
		return "", "", gerr.New(gerr.ProtocolViolation, "ssh.parseCommand", "unsupported command %q", cmd)
	}
	if len(args) < 2 {
		return "", "", gerr.New(gerr.ProtocolViolation, "ssh.parseCommand", "%s: missing repository argument", cmd)
	}
	repoName = unquote(strings.Join(args[1:], " "))
	return cmd, repoName, nil
}

func unquote(s string) string {
	if unquoted, err := strconv.Unquote(s); err == nil {
		return unquoted
	}
	return strings.Trim(s, "'\"")
}

// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Command gitcored is a thin demonstration binary wiring the git-server-core
// library together: it opens bare repositories under a configured
// directory and serves them over both smart-HTTP and SSH, optionally
// requiring signed push certificates. It exists to prove the library
// composes into a real server, not as a production-hardened daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/kohrobin/gitcore/certs"
	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hooks"
	"github.com/kohrobin/gitcore/modules/repo"
	transporthttp "github.com/kohrobin/gitcore/transport/http"
	transportssh "github.com/kohrobin/gitcore/transport/ssh"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a gitcored TOML config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfig(*configPath)
		if err != nil {
			logrus.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	if err := run(cfg); err != nil {
		logrus.Fatalf("gitcored: %v", err)
	}
}

func run(cfg *Config) error {
	hub := newHub(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpSrv := transporthttp.NewServer(cfg.HTTPListen, hub.open)

	var g errgroup.Group
	g.Go(httpSrv.ListenAndServe)

	if cfg.SSHListen != "" {
		hostKey, err := loadHostKey(cfg.SSHHostKey)
		if err != nil {
			return err
		}
		sshSrv, err := transportssh.NewServer(cfg.SSHListen, hostKey, hub.open, nil)
		if err != nil {
			return err
		}
		g.Go(sshSrv.ListenAndServe)
	}

	<-ctx.Done()
	logrus.Infof("gitcored: shutting down")
	return g.Wait()
}

func loadHostKey(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gerr.Wrap(gerr.Io, "main.loadHostKey", err, "read %s", path)
	}
	return data, nil
}

// hub opens repositories rooted under cfg.Repositories (a fresh open per
// call, nothing is cached), and
// carries the push-certificate policy shared by every repository it opens.
type hub struct {
	cfg     *Config
	issuer  *certs.NonceIssuer
	keyring openpgp.EntityList
	signer  *hooks.IdentitySigner
}

func newHub(cfg *Config) *hub {
	h := &hub{cfg: cfg, issuer: certs.NewNonceIssuer(cfg.NonceTTL.Duration)}
	if cfg.SigningKeyring != "" {
		if f, err := os.Open(cfg.SigningKeyring); err == nil {
			defer f.Close()
			if ring, err := openpgp.ReadArmoredKeyRing(f); err == nil {
				h.keyring = ring
			} else {
				logrus.Errorf("gitcored: read signing keyring: %v", err)
			}
		} else {
			logrus.Errorf("gitcored: open signing keyring: %v", err)
		}
	}
	return h
}

// open resolves a client-supplied repo name (as sent over HTTP path or
// SSH command) to an open *repo.Repository rooted under cfg.Repositories.
// Names are cleaned to stay within that root; names past the root or
// naming a directory that doesn't exist fail with gerr.NotFound.
func (h *hub) open(name string) (*repo.Repository, error) {
	clean := filepath.Clean("/" + name)
	root := filepath.Join(h.cfg.Repositories, clean)
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return nil, gerr.New(gerr.NotFound, "hub.open", "repository %q not found", name)
	}

	opts := repo.DefaultOptions()
	opts.HookTimeout = h.cfg.HookTimeout.Duration
	opts.DenyNonFastForwards = h.cfg.DenyNonFastForwards
	opts.DenyDeletes = h.cfg.DenyDeletes
	opts.AllowTipSHA1InWant = h.cfg.AllowTipSHA1InWant
	opts.IdentitySigner = h.signer

	if h.cfg.RequirePushCert {
		opts.IssueNonce = h.issuer.Issue
		opts.VerifyPushCert = h.verifyPushCert
	}

	return repo.Open(root, opts)
}

// verifyPushCert closes over the hub's nonce issuer and signing keyring so
// modules/repo and modules/protocol never import OpenPGP directly (§6).
func (h *hub) verifyPushCert(nonce string, payload, signature []byte) error {
	switch status := h.issuer.Check(nonce); status {
	case certs.NonceOK:
	default:
		return gerr.New(gerr.ProtocolViolation, "hub.verifyPushCert", "push certificate nonce: %s", status)
	}
	cert, err := certs.Parse(nonce, payload, signature)
	if err != nil {
		return err
	}
	if len(h.keyring) == 0 {
		return fmt.Errorf("gitcored: no signing keyring configured, cannot verify push certificate from %s", cert.Pusher)
	}
	_, err = certs.Verify(cert, h.keyring)
	return err
}

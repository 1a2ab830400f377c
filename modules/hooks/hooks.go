// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package hooks implements the hook dispatcher: pre-receive, update, and
// post-receive invocation with the documented stdin/argv/env contract
// (§4.9).
package hooks

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kohrobin/gitcore/modules/command"
	"github.com/kohrobin/gitcore/modules/env"
	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/sirupsen/logrus"
)

// Name identifies one of the three hook points.
type Name string

const (
	PreReceive  Name = "pre-receive"
	Update      Name = "update"
	PostReceive Name = "post-receive"
)

// RefUpdate is one ref mutation a hook is told about.
type RefUpdate struct {
	Name   string
	Old    hashing.OID
	New    hashing.OID
}

// DefaultTimeout bounds hook execution; a hook that overruns it is killed
// (§4.9 "configurable timeouts with kill-on-timeout").
const DefaultTimeout = 30 * time.Second

// Dispatcher invokes repository hooks found under <repoRoot>/hooks.
type Dispatcher struct {
	repoRoot string
	timeout  time.Duration
	signer   *IdentitySigner
	log      *logrus.Entry
}

// New creates a dispatcher for the given repository root. signer may be
// nil, in which case no identity token is issued to hooks.
func New(repoRoot string, signer *IdentitySigner) *Dispatcher {
	return &Dispatcher{
		repoRoot: repoRoot,
		timeout:  DefaultTimeout,
		signer:   signer,
		log:      logrus.WithField("component", "hooks"),
	}
}

// WithTimeout overrides the default per-hook execution timeout.
func (d *Dispatcher) WithTimeout(timeout time.Duration) *Dispatcher {
	d.timeout = timeout
	return d
}

func (d *Dispatcher) hookPath(name Name) string {
	return filepath.Join(d.repoRoot, "hooks", string(name))
}

// installed reports whether the hook script exists and is executable.
func (d *Dispatcher) installed(name Name) bool {
	fi, err := os.Stat(d.hookPath(name))
	if err != nil {
		return false
	}
	return !fi.IsDir() && fi.Mode()&0o111 != 0
}

// baseEnv builds the extra env vars layered on top of the sanitized
// allowlisted environment (§4.9 "hooks run with an isolated environment,
// not the server's full os.Environ()"): the ones a hook needs to see
// this push, plus the GIT_DIR it's running against.
func (d *Dispatcher) baseEnv(pushOptions []string) []string {
	extra := []string{
		"GIT_DIR=" + d.repoRoot,
		"GIT_PUSH_OPTION_COUNT=" + strconv.Itoa(len(pushOptions)),
		env.GITCORE_TERMINAL_PROMPT.With("0"),
	}
	for i, opt := range pushOptions {
		extra = append(extra, fmt.Sprintf("GIT_PUSH_OPTION_%d=%s", i, opt))
	}
	if d.signer != nil {
		if token, err := d.signer.Issue(); err == nil {
			extra = append(extra, "GITCORE_SERVER_IDENTITY="+token)
		}
	}
	return extra
}

// run invokes one hook through the command package's shepherd, which
// isolates the child's environment to the allowlist and kills the whole
// process group (not just the direct child) on timeout or cancellation.
func (d *Dispatcher) run(ctx context.Context, name Name, args []string, stdin []byte, extraEnv []string) error {
	if !d.installed(name) {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	var stderr bytes.Buffer
	cmd := command.NewFromOptions(ctx, &command.RunOpts{
		RepoPath: d.repoRoot,
		ExtraEnv: extraEnv,
		Stdin:    bytes.NewReader(stdin),
		Stderr:   &stderr,
	}, d.hookPath(name), args...)
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		cmd.Exit()
		return gerr.New(gerr.HookRejected, "hooks.run", "%s hook timed out after %s", name, d.timeout)
	}
	if err != nil {
		return gerr.Wrap(gerr.HookRejected, "hooks.run", err, "%s hook failed: %s", name, stderr.String())
	}
	return nil
}

// RunPreReceive vetoes the entire transaction if it exits non-zero. stdin
// is one "<old> <new> <ref>" line per command.
func (d *Dispatcher) RunPreReceive(ctx context.Context, updates []RefUpdate, pushOptions []string) error {
	stdin := encodeUpdates(updates)
	return d.run(ctx, PreReceive, nil, stdin, d.baseEnv(pushOptions))
}

// RunUpdate vetoes only its own ref if it exits non-zero; argv carries
// "<ref> <old> <new>".
func (d *Dispatcher) RunUpdate(ctx context.Context, u RefUpdate, pushOptions []string) error {
	args := []string{u.Name, u.Old.String(), u.New.String()}
	return d.run(ctx, Update, args, nil, d.baseEnv(pushOptions))
}

// RunPostReceive never vetoes; a non-zero exit or timeout is logged only
// (§4.9 "post-receive failures are logged, not vetoing").
func (d *Dispatcher) RunPostReceive(ctx context.Context, updates []RefUpdate, pushOptions []string) {
	stdin := encodeUpdates(updates)
	if err := d.run(ctx, PostReceive, nil, stdin, d.baseEnv(pushOptions)); err != nil {
		d.log.WithError(err).Warn("post-receive hook failed")
	}
}

func encodeUpdates(updates []RefUpdate) []byte {
	var buf bytes.Buffer
	for _, u := range updates {
		fmt.Fprintf(&buf, "%s %s %s\n", u.Old, u.New, u.Name)
	}
	return buf.Bytes()
}

// IdentitySigner mints short-lived JWTs asserting this server's identity,
// so hook scripts can verify a request genuinely came from the server
// process rather than being invoked by hand with forged env vars.
type IdentitySigner struct {
	key     []byte
	issuer  string
	ttl     time.Duration
}

func NewIdentitySigner(issuer string, key []byte, ttl time.Duration) *IdentitySigner {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &IdentitySigner{key: key, issuer: issuer, ttl: ttl}
}

func (s *IdentitySigner) Issue() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key)
}

// VerifyIdentity is called from within a hook process to validate the
// token it received via GITCORE_SERVER_IDENTITY.
func VerifyIdentity(token string, key []byte) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil || !parsed.Valid {
		return nil, gerr.Wrap(gerr.ProtocolViolation, "hooks.VerifyIdentity", err, "invalid server identity token")
	}
	return claims, nil
}

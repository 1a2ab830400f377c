// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kohrobin/gitcore/modules/gerr"
)

// Config is gitcored's top-level server configuration, decoded from a
// TOML file the way zeta-serve's httpserver/sshserver configs are.
type Config struct {
	HTTPListen  string `toml:"http_listen,omitempty"`
	SSHListen   string `toml:"ssh_listen,omitempty"`
	SSHHostKey  string `toml:"ssh_host_key,omitempty"` // path to a PEM private key
	Repositories string `toml:"repositories"`           // directory of bare repos, one subdir per repo

	HookTimeout    duration `toml:"hook_timeout,omitempty"`
	NonceTTL       duration `toml:"nonce_ttl,omitempty"`
	RequirePushCert bool    `toml:"require_push_cert,omitempty"`
	SigningKeyring string  `toml:"signing_keyring,omitempty"` // path to an armored OpenPGP public keyring

	DenyNonFastForwards bool `toml:"deny_non_fast_forwards,omitempty"`
	DenyDeletes         bool `toml:"deny_deletes,omitempty"`
	AllowTipSHA1InWant  bool `toml:"allow_tip_sha1_in_want,omitempty"`
}

// duration lets the config file spell timeouts as "30s"/"5m" the way
// serve.Duration does for zeta-serve.
type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// DefaultConfig returns the configuration a gitcored instance runs with
// when no config file overrides it.
func DefaultConfig() *Config {
	return &Config{
		HTTPListen:   "127.0.0.1:8080",
		SSHListen:    "127.0.0.1:2222",
		Repositories: "./repositories",
		HookTimeout:  duration{30 * time.Second},
		NonceTTL:     duration{5 * time.Minute},
	}
}

// LoadConfig decodes file over DefaultConfig's values.
func LoadConfig(file string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, gerr.Wrap(gerr.Io, "main.LoadConfig", err, "read %s", file)
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, gerr.Wrap(gerr.Malformed, "main.LoadConfig", err, "decode %s", file)
	}
	return cfg, nil
}

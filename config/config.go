// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package config decodes the repository-local `config` file (§6): an
// ini-shaped file restricted, for the core, to the keys
// `core.repositoryformatversion`, `extensions.objectformat`,
// `receive.denyNonFastForwards`, and `uploadpack.allowTipSHA1InWant`.
// Unknown sections and keys are preserved but not interpreted, the way
// git itself tolerates config it doesn't understand.
package config

import (
	"os"
	"path/filepath"

	"github.com/kohrobin/gitcore/modules/gerr"
	"github.com/kohrobin/gitcore/modules/hashing"
)

// Config is the decoded form of one repository's `config` file.
type Config struct {
	RepositoryFormatVersion int
	ObjectFormat            hashing.Algo
	DenyNonFastForwards     bool
	AllowTipSHA1InWant      bool

	// raw carries every section/key the scanner saw, including ones the
	// core doesn't interpret, so a caller composing a peripheral layer on
	// top (e.g. the CLI front-end, out of core scope) can still read them.
	raw sections
}

type sections map[string]map[string]string

// Get returns a raw key's value and whether it was present, for callers
// that need a config key this package doesn't model.
func (c *Config) Get(section, key string) (string, bool) {
	s, ok := c.raw[section]
	if !ok {
		return "", false
	}
	v, ok := s[key]
	return v, ok
}

// Default returns the config a freshly initialized repository carries.
func Default(algo hashing.Algo) *Config {
	return &Config{
		RepositoryFormatVersion: 0,
		ObjectFormat:            algo,
		raw:                     sections{},
	}
}

// Load reads and decodes `<repoRoot>/config`. A missing file is not an
// error: it decodes to the same defaults Init would have written.
func Load(repoRoot string) (*Config, error) {
	path := filepath.Join(repoRoot, "config")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(hashing.SHA256), nil
	}
	if err != nil {
		return nil, gerr.Wrap(gerr.Io, "config.Load", err, "read %s", path)
	}
	raw, err := parse(data)
	if err != nil {
		return nil, gerr.Wrap(gerr.Malformed, "config.Load", err, "parse %s", path)
	}
	return decode(raw)
}

func decode(raw sections) (*Config, error) {
	cfg := Default(hashing.SHA1)
	cfg.raw = raw

	if v, ok := raw["core"]["repositoryformatversion"]; ok {
		n, err := parseInt(v)
		if err != nil {
			return nil, gerr.New(gerr.Malformed, "config.decode", "core.repositoryformatversion: %v", err)
		}
		cfg.RepositoryFormatVersion = n
	}
	if v, ok := raw["extensions"]["objectformat"]; ok {
		algo, err := hashing.ParseAlgo(v)
		if err != nil {
			return nil, err
		}
		cfg.ObjectFormat = algo
	}
	if v, ok := raw["receive"]["denynonfastforwards"]; ok {
		cfg.DenyNonFastForwards = parseBool(v)
	}
	if v, ok := raw["uploadpack"]["allowtipsha1inwant"]; ok {
		cfg.AllowTipSHA1InWant = parseBool(v)
	}
	return cfg, nil
}

func parseBool(s string) bool {
	switch s {
	case "true", "yes", "on", "1":
		return true
	default:
		return false
	}
}

func parseInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, gerr.New(gerr.Malformed, "config.parseInt", "not a decimal integer: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

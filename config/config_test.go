// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kohrobin/gitcore/modules/hashing"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsOnMissingFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, hashing.SHA256, cfg.ObjectFormat)
	require.False(t, cfg.DenyNonFastForwards)
}

func TestLoadParsesKnownKeys(t *testing.T) {
	dir := t.TempDir()
	body := "" +
		"[core]\n" +
		"\trepositoryformatversion = 1\n" +
		"[extensions]\n" +
		"\tobjectformat = sha256\n" +
		"[receive]\n" +
		"\tdenyNonFastForwards = true\n" +
		"[uploadpack]\n" +
		"\tallowTipSHA1InWant = yes\n" +
		"[remote \"origin\"]\n" +
		"\turl = https://example.invalid/repo.git\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), []byte(body), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.RepositoryFormatVersion)
	require.Equal(t, hashing.SHA256, cfg.ObjectFormat)
	require.True(t, cfg.DenyNonFastForwards)
	require.True(t, cfg.AllowTipSHA1InWant)

	url, ok := cfg.Get("remote.origin", "url")
	require.True(t, ok)
	require.Equal(t, "https://example.invalid/repo.git", url)
}

func TestParseRejectsKeyOutsideSection(t *testing.T) {
	_, err := parse([]byte("bare = 1\n"))
	require.Error(t, err)
}

func TestParseIgnoresComments(t *testing.T) {
	out, err := parse([]byte("[core]\n\tbare = true # a comment\n; full line comment\n"))
	require.NoError(t, err)
	require.Equal(t, "true", out["core"]["bare"])
}

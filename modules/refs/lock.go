// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package refs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kohrobin/gitcore/modules/gerr"
)

// DefaultLockTTL bounds how long a "<ref>.lock" file is honored before a
// new writer is allowed to reclaim it as stale (§4.5, supplemented lock
// TTL reclamation: a crashed writer must not wedge a ref forever).
const DefaultLockTTL = 30 * time.Second

// Lock is an exclusively-held "<path>.lock" file, matching git's
// lockfile discipline: create-exclusive, write the new content, then
// rename over the real path to commit (or remove to abort).
type Lock struct {
	path      string // the file being protected, not the .lock path
	lockPath  string
	ownerPath string
	f         *os.File
}

// AcquireLock creates path+".lock" exclusively, reclaiming a stale lock
// (older than ttl) from a previous writer that crashed mid-update. The
// owning PID is recorded in a sibling "<lock>.owner" file, kept separate
// from the lock file's own content since that content is exactly what
// Commit renames into place as the new ref/packed-refs bytes.
func AcquireLock(path string, ttl time.Duration) (*Lock, error) {
	lockPath := path + ".lock"
	ownerPath := lockPath + ".owner"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, gerr.Wrap(gerr.Io, "refs.AcquireLock", err, "create %s", lockPath)
		}
		if !reclaimStale(lockPath, ownerPath, ttl) {
			return nil, gerr.New(gerr.Contended, "refs.AcquireLock", "%s is locked by another writer", path)
		}
		f, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, gerr.New(gerr.Contended, "refs.AcquireLock", "%s is locked by another writer", path)
		}
	}
	// Record the owning PID so a startup sweep (ReclaimStaleLocks) can tell
	// a lock held by a process that's still alive from one left behind by a
	// crash, without waiting out the full TTL (§5 Lockfile discipline).
	_ = os.WriteFile(ownerPath, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644)
	return &Lock{path: path, lockPath: lockPath, ownerPath: ownerPath, f: f}, nil
}

// reclaimStale removes lockPath (and its owner file) if it is older than
// ttl or its recorded owner process is dead. Used inline by AcquireLock
// when a writer finds the lock already held.
func reclaimStale(lockPath, ownerPath string, ttl time.Duration) bool {
	st, err := os.Stat(lockPath)
	if err != nil {
		return false
	}
	if time.Since(st.ModTime()) <= ttl && !lockOwnerDead(ownerPath) {
		return false
	}
	os.Remove(ownerPath)
	return os.Remove(lockPath) == nil
}

// lockOwnerDead reports whether the PID recorded in a lock's owner file
// no longer corresponds to a live process. Returns false (assume alive)
// if the file can't be read or carries no parseable PID, so a missing or
// malformed owner file falls back to the TTL path instead.
func lockOwnerDead(ownerPath string) bool {
	data, err := os.ReadFile(ownerPath)
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return false
	}
	return !processAlive(pid)
}

// ReclaimStaleLocks sweeps root (a repository's refs/ tree, or the
// top-level directory containing packed-refs.lock) and removes any
// "*.lock" file (and its "*.lock.owner" sibling) that is either older
// than ttl or whose recorded owner process no longer exists, per §5's
// "cleanup on startup removes locks older than the TTL whose owning
// process no longer exists" rule. Meant to run once, before a repository
// starts accepting writers.
func ReclaimStaleLocks(root string, ttl time.Duration) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // best-effort sweep; a transient stat failure isn't fatal
		}
		if info.IsDir() || !strings.HasSuffix(p, ".lock") {
			return nil
		}
		ownerPath := p + ".owner"
		if time.Since(info.ModTime()) > ttl || lockOwnerDead(ownerPath) {
			os.Remove(ownerPath)
			os.Remove(p)
		}
		return nil
	})
}

// Write stages new content for the protected path; not visible until Commit.
func (l *Lock) Write(data []byte) error {
	if _, err := l.f.Write(data); err != nil {
		return gerr.Wrap(gerr.Io, "Lock.Write", err, "write %s", l.lockPath)
	}
	return nil
}

// Commit flushes, closes, and atomically renames the lockfile over path.
func (l *Lock) Commit() error {
	defer os.Remove(l.ownerPath)
	if err := l.f.Sync(); err != nil {
		l.Abort()
		return gerr.Wrap(gerr.Io, "Lock.Commit", err, "fsync %s", l.lockPath)
	}
	if err := l.f.Close(); err != nil {
		os.Remove(l.lockPath)
		return gerr.Wrap(gerr.Io, "Lock.Commit", err, "close %s", l.lockPath)
	}
	if err := os.Rename(l.lockPath, l.path); err != nil {
		os.Remove(l.lockPath)
		return gerr.Wrap(gerr.Io, "Lock.Commit", err, "rename %s over %s", l.lockPath, l.path)
	}
	return nil
}

// Abort discards the lock without touching the protected path.
func (l *Lock) Abort() error {
	l.f.Close()
	os.Remove(l.ownerPath)
	if err := os.Remove(l.lockPath); err != nil && !os.IsNotExist(err) {
		return gerr.Wrap(gerr.Io, "Lock.Abort", err, "remove %s", l.lockPath)
	}
	return nil
}

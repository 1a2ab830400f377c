// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build linux || darwin

package pack

import (
	"os"

	"golang.org/x/sys/unix"
)

// unixMap memory-maps a packfile read-only, per §4.3's "memory-mapped packs
// discovered at open time" pack mapping policy.
type unixMap struct {
	data []byte
}

func (m *unixMap) Bytes() []byte { return m.data }

func (m *unixMap) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func mmapFile(path string) (mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() == 0 {
		return &unixMap{data: nil}, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// Fall back to a plain read for filesystems that reject mmap
		// (e.g. some overlay/network mounts).
		whole, rerr := readWholeFile(path)
		if rerr != nil {
			return nil, err
		}
		return whole, nil
	}
	return &unixMap{data: data}, nil
}

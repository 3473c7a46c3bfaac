// Copyright (C) 2026 CCE Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

//go:build !linux

package cache

import (
	"io"
	"os"
	"sync"
)

// fileBackend is the portable fallback Backend, grounded directly on
// tenant/dcache/file_other.go: no real shared memory mapping is
// available, so the whole file is read into a process-local buffer on
// Attach and written back on Detach. Cross-process sharing degrades to
// "last writer wins at Detach" on these platforms, same as the
// teacher's own non-Linux path. Page protection and msync are no-ops
// (neither capability is advertised).
type fileBackend struct {
	path string
	f    *os.File

	local [4]sync.Mutex
}

func newBackend(path string) Backend {
	return &fileBackend{path: path}
}

func (b *fileBackend) OpenOrCreate(path string, perm os.FileMode, size int64) error {
	b.path = path
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if fi.Size() == 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return err
		}
	}
	b.f = f
	return nil
}

func (b *fileBackend) Attach() ([]byte, error) {
	if _, err := b.f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(b.f)
}

func (b *fileBackend) Detach(mem []byte) error {
	if mem == nil {
		return nil
	}
	if err := b.f.Truncate(0); err != nil {
		return err
	}
	if _, err := b.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := b.f.Write(mem)
	return err
}

func (b *fileBackend) Destroy() error {
	if b.f != nil {
		b.f.Close()
	}
	return os.Remove(b.path)
}

func (b *fileBackend) AcquireWriteLock(id LockID) error {
	b.local[id].Lock()
	return nil
}

func (b *fileBackend) ReleaseWriteLock(id LockID) error {
	b.local[id].Unlock()
	return nil
}

func (b *fileBackend) SetRegionPermissions(mem []byte, perm Perm) error {
	return nil
}

func (b *fileBackend) Msync(mem []byte) error {
	return nil
}

func (b *fileBackend) Capabilities() Capability {
	return 0
}

func (b *fileBackend) FileStat() (os.FileInfo, error) { return b.f.Stat() }

func (b *fileBackend) FileLength() (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (b *fileBackend) FileSetLength(n int64) error {
	return b.f.Truncate(n)
}

func (b *fileBackend) PageSize() int {
	return 4096
}

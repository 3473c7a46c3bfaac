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

package cache

import "os"

// Capability is a bit in the set a Backend advertises via Capabilities.
type Capability uint32

const (
	CapProtect Capability = 1 << iota
	CapMsync
)

// Perm is the subset of memory-protection states the header protector
// and memory-protection state machine need (spec §4.5).
type Perm int

const (
	PermNone Perm = iota
	PermRead
	PermReadWrite
)

// Backend is the narrow capability interface the CCE consumes to talk
// to the OS (spec §6, "CCE ↔ OS backend"). The CCE itself is concrete;
// only this boundary is polymorphic, per SPEC_FULL.md §9's design note
// on dynamic dispatch between OS backends.
type Backend interface {
	// OpenOrCreate opens path if it exists, or creates it with the
	// given size and permission bits otherwise.
	OpenOrCreate(path string, perm os.FileMode, size int64) error
	// Attach memory-maps the backing file and returns the base slice.
	Attach() ([]byte, error)
	// Detach unmaps the region without destroying the backing store.
	Detach([]byte) error
	// Destroy removes the backing store entirely.
	Destroy() error

	// AcquireWriteLock/ReleaseWriteLock take an OS-level advisory lock
	// identified by id. Blocking; may return EDEADLK-shaped errors that
	// the lock manager interprets (spec §4.4).
	AcquireWriteLock(id LockID) error
	ReleaseWriteLock(id LockID) error

	// SetRegionPermissions changes the protection of mem[:length]
	// (rounded to page granularity by the caller).
	SetRegionPermissions(mem []byte, perm Perm) error

	// Msync flushes dirty pages of mem to the backing store. Only
	// meaningful when CapMsync is advertised.
	Msync(mem []byte) error

	Capabilities() Capability

	FileStat() (os.FileInfo, error)
	FileLength() (int64, error)
	FileSetLength(n int64) error

	// PageSize returns the OS page size used to round protection
	// boundaries (spec §3's os_page_size field).
	PageSize() int
}

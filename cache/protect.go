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

import (
	"sync"
	"sync/atomic"
)

// protectCounters implements the ref-counted unprotect/protect pattern
// of spec §4.5 and §9: a shared counter that only flips the OS
// protection on the 0↔1 edges, so nested unprotect/protect calls
// compose correctly. mu serializes concurrent (un)protect calls from
// goroutines of this process; cross-process serialization is provided
// by whichever lock guards the region in question (header-write for
// the header, read-write-area for the intern table).
type protectCounters struct {
	mu               sync.Mutex
	headerCntr       int
	readWriteCntr    int
	romClassProtectEnd int64 // monotonically advancing boundary, spec §4.5
}

// unprotectHeader marks the header pages writable, if they are not
// already, and returns a guard whose Release call re-protects them once
// every outstanding unprotect has released (spec §9: "RAII-style scoped
// acquisition guard whose destructor re-protects").
func (c *Cache) unprotectHeader() func() {
	c.prot.mu.Lock()
	first := c.prot.headerCntr == 0
	c.prot.headerCntr++
	c.prot.mu.Unlock()

	if first && c.protectionEnabled() {
		c.backend.SetRegionPermissions(c.mem[:headerSize], PermReadWrite)
	}
	return func() {
		c.prot.mu.Lock()
		c.prot.headerCntr--
		last := c.prot.headerCntr == 0
		c.prot.mu.Unlock()
		if last && c.protectionEnabled() {
			c.backend.SetRegionPermissions(c.mem[:headerSize], PermRead)
		}
	}
}

// withHeaderUnprotected runs fn with the header pages writable,
// re-protecting them afterward. Every header field mutation in this
// package goes through this helper so unprotect/protect calls are
// always LIFO-paired (spec §8 invariant 8). It also brackets fn with
// the crash_counter increment/decrement of spec §3: "incremented
// before a header-protected critical update and decremented after
// successful completion" — a process that dies inside fn leaves
// crash_counter odd for the next attacher to notice.
func (c *Cache) withHeaderUnprotected(fn func()) {
	release := c.unprotectHeader()
	defer release()
	ctr := c.hdr().atomicCrashCounter()
	atomic.AddUint32(ctr, 1)
	defer atomic.AddUint32(ctr, ^uint32(0))
	fn()
}

// unprotectReadWriteArea marks the intern-table sub-region writable.
// Per spec §4.5 it is only ever unprotected while the read-write-area
// lock is held by the caller.
func (c *Cache) unprotectReadWriteArea() func() {
	c.prot.mu.Lock()
	first := c.prot.readWriteCntr == 0
	c.prot.readWriteCntr++
	c.prot.mu.Unlock()

	region := c.mem[headerSize:c.hdr().ReadWriteBytes]
	if first && c.protectionEnabled() {
		c.backend.SetRegionPermissions(region, PermReadWrite)
	}
	return func() {
		c.prot.mu.Lock()
		c.prot.readWriteCntr--
		last := c.prot.readWriteCntr == 0
		c.prot.mu.Unlock()
		if last && c.protectionEnabled() {
			c.backend.SetRegionPermissions(region, PermRead)
		}
	}
}

func (c *Cache) protectionEnabled() bool {
	return c.cfg.RuntimeFlags.has(EnableMprotect) && c.backend.Capabilities()&CapProtect != 0
}

// protectSegmentThrough advances the read-only boundary for committed
// segment bytes up to newEnd, honoring the partial-page policy of
// spec §4.5: the partially-filled frontier page is kept writable unless
// mprotect_partial_pages was requested both at creation (extra_flags)
// and, for the very first protect call after startup, via the
// mprotect_partial_pages_on_startup runtime flag.
func (c *Cache) protectSegmentThrough(newEnd int64, startup bool) {
	if !c.protectionEnabled() {
		return
	}
	c.prot.mu.Lock()
	defer c.prot.mu.Unlock()

	page := int64(c.backend.PageSize())
	if page <= 0 {
		page = 4096
	}
	boundary := newEnd
	partialOK := c.hdr().ExtraFlags&extraMprotectPartialPages != 0
	if partialOK && (!startup || c.cfg.RuntimeFlags.has(MprotectPartialPagesOnStartup)) {
		boundary = (newEnd / page) * page
		if boundary < newEnd {
			boundary += page
		}
	} else {
		boundary = (newEnd / page) * page
	}
	if boundary <= c.prot.romClassProtectEnd {
		return
	}
	region := c.mem[c.prot.romClassProtectEnd:boundary]
	c.backend.SetRegionPermissions(region, PermRead)
	c.prot.romClassProtectEnd = boundary
}

// windowsAttachWorkaround performs the one-shot unprotect of the whole
// region described in SPEC_FULL.md §13 / spec §9 open question (a): on
// Windows, a VirtualProtect adjacent-page visibility defect is worked
// around by unprotecting the entire mapping once at attach time before
// any per-region protection is applied. The condition is expressed on
// GOOS rather than a build tag because the Backend abstraction already
// hides the OS-specific protection call; see DESIGN.md for why this is
// tested only conditionally.
func (c *Cache) windowsAttachWorkaround() {
	if goos() != "windows" {
		return
	}
	if !c.protectionEnabled() {
		return
	}
	c.backend.SetRegionPermissions(c.mem, PermReadWrite)
}

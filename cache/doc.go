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

// Package cache implements the composite cache engine: a cross-process
// shared region in which a host deposits immutable class artifacts (ROM
// classes, AOT code, JIT profiles, interned strings, class debug data)
// so that concurrent and later processes can read them without
// recomputing them.
//
// A single Cache composes a bidirectional bump allocator (segment bytes
// forward, metadata entries backward), a four-lock concurrency protocol,
// a page-protection state machine, a sampled-CRC integrity check, a
// sticky corruption state machine, and a lazily-polled update counter.
// The interpretation of metadata payloads and the choice of OS-level
// backend (mmap'd file vs. shared memory + semaphore) are left to
// callers; see Backend.
package cache

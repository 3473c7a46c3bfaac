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

import "github.com/dchest/siphash"

// writeHashMaxStaleChecks is the number of consecutive failed checks
// after which try_reset_write_hash forgives a stale value left behind
// by a writer that never cleared it (spec §4.3: "more than 20 failed
// checks").
const writeHashMaxStaleChecks = 20

// nameHash folds a class/classpath name into the 20-bit masked hash
// spec §4.3 packs into the write_hash field, using a keyed siphash the
// same way the teacher package hashes row/column data in
// vm/siphash_generic.go and ion/zion/hash.go — here keyed by a
// per-cache secret derived from the eyecatcher and creation time so two
// independently-created caches do not share a predictable hash space.
func (c *Cache) nameHash(name string) uint32 {
	sum := siphash.Hash64(c.hashKey0, c.hashKey1, []byte(name))
	return uint32(sum) & 0xFFFFF
}

func packWriteHash(jvmID uint16, nameHash20 uint32) uint32 {
	return (uint32(jvmID) << 20) | (nameHash20 & 0xFFFFF)
}

// TestAndSetWriteHash implements spec §4.3's coalescing hint: it sets
// write_hash to (jvmID<<20 | nameHash) if currently zero and reports
// that this caller should proceed with the store; if another JVM has
// already set the same masked hash, it reports "wait". The field is
// advisory — correctness never depends on it, only update_count does.
func (c *Cache) TestAndSetWriteHash(name string) (proceed bool) {
	h := c.hdr()
	want := packWriteHash(c.jvmID, c.nameHash(name))
	for {
		cur := h.atomicWriteHash()
		old := loadUint32(cur)
		if old == 0 {
			if casUint32(cur, 0, want) {
				c.writeHashStaleChecks = 0
				return true
			}
			continue
		}
		if old&0xFFFFF == want&0xFFFFF {
			c.writeHashStaleChecks++
			return false
		}
		return true
	}
}

// TryResetWriteHash clears write_hash if it still matches this
// caller's last-set value, or unconditionally once this handle's
// TestAndSetWriteHash has reported "wait" more than
// writeHashMaxStaleChecks times since it last set or force-cleared the
// field, taken as a sign the field is stuck (spec §4.3).
func (c *Cache) TryResetWriteHash(name string) {
	h := c.hdr()
	want := packWriteHash(c.jvmID, c.nameHash(name))
	cur := h.atomicWriteHash()
	if casUint32(cur, want, 0) {
		return
	}
	if c.writeHashStaleChecks > writeHashMaxStaleChecks {
		storeUint32(cur, 0)
		c.writeHashStaleChecks = 0
	}
}

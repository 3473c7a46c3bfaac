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

// updatePropagator tracks, per attach handle, the last update_count
// value this process has fully applied (spec §4.2). Missing an update
// is impossible because update_count is incremented only after an
// entry is completely written (see Cache.Commit / header.bumpUpdateCount).
type updatePropagator struct {
	oldUpdateCount uint64
}

// CheckUpdates reports how many metadata entries have been committed
// by any attached process since this handle last called
// DoneReadUpdates, by comparing a fresh acquire-ordered read of
// update_count against the locally remembered value.
func (c *Cache) CheckUpdates() int {
	cur := c.hdr().updateCount()
	pending := cur - c.updates.oldUpdateCount
	return int(pending)
}

// DoneReadUpdates advances the local counter by n, acknowledging that n
// pending entries have been applied. It is idempotent under repeated
// reading: calling it with n=0 is a no-op, and calling CheckUpdates
// again immediately after DoneReadUpdates(CheckUpdates()) always
// returns 0 (spec §4.2, §8 S5).
func (c *Cache) DoneReadUpdates(n int) {
	if n <= 0 {
		return
	}
	c.updates.oldUpdateCount += uint64(n)
}

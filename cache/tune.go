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

// SetSoftMax changes soft_max_bytes under the write lock (spec §4.9).
// The value is clamped to be at least usedBytes(); a clamp is not an
// error, matching the spec's "infeasible values are clamped and a
// warning is issued" — the warning is surfaced via Logger rather than
// an error return, since clamping is always a successful outcome.
func (c *Cache) SetSoftMax(want int64) error {
	if err := c.EnterWriteMutex(false); err != nil {
		return err
	}
	defer c.ExitWriteMutex()

	c.withHeaderUnprotected(func() {
		h := c.hdr()
		used := h.usedBytes()
		if want < used {
			if c.Logger != nil {
				c.Logger.Printf("cache: soft_max_bytes=%d below used_bytes=%d, clamping", want, used)
			}
			want = used
		}
		h.CRCValid = 0
		h.SoftMaxBytes = want
		if h.fullFlags()&fullAvailable != 0 && used < want {
			h.clearFullFlag(fullAvailable)
			c.maybeReenableWriteHash()
		}
	})
	return nil
}

// TryAdjustMinMax changes the AOT/JIT min/max sub-account bounds under
// the write lock (spec §4.9). Per spec §9's open question (b), the
// min ≤ free_block clamp applied at creation time is deliberately NOT
// re-applied here — see DESIGN.md for why that asymmetry is preserved
// rather than "fixed".
func (c *Cache) TryAdjustMinMax(minAOT, maxAOT, minJIT, maxJIT int64) error {
	if err := c.EnterWriteMutex(false); err != nil {
		return err
	}
	defer c.ExitWriteMutex()

	c.withHeaderUnprotected(func() {
		h := c.hdr()
		reqMinAOT, reqMaxAOT, reqMinJIT, reqMaxJIT := minAOT, maxAOT, minJIT, maxJIT
		if minAOT > maxAOT {
			minAOT = maxAOT
		}
		if minJIT > maxJIT {
			minJIT = maxJIT
		}
		if maxAOT > h.SoftMaxBytes {
			maxAOT = h.SoftMaxBytes
		}
		if maxJIT > h.SoftMaxBytes {
			maxJIT = h.SoftMaxBytes
		}
		if c.Logger != nil && (minAOT != reqMinAOT || maxAOT != reqMaxAOT || minJIT != reqMinJIT || maxJIT != reqMaxJIT) {
			c.Logger.Printf("cache: AOT/JIT bounds (%d, %d, %d, %d) clamped to (%d, %d, %d, %d)",
				reqMinAOT, reqMaxAOT, reqMinJIT, reqMaxJIT, minAOT, maxAOT, minJIT, maxJIT)
		}
		h.CRCValid = 0
		wasAOTFull := h.fullFlags()&fullAOT != 0
		wasJITFull := h.fullFlags()&fullJIT != 0
		h.MinAOT, h.MaxAOT = minAOT, maxAOT
		h.MinJIT, h.MaxJIT = minJIT, maxJIT
		if wasAOTFull && h.AOTBytes < maxAOT {
			h.clearFullFlag(fullAOT)
			c.maybeReenableWriteHash()
		}
		if wasJITFull && h.JITBytes < maxJIT {
			h.clearFullFlag(fullJIT)
			c.maybeReenableWriteHash()
		}
	})
	return nil
}

// maybeReenableWriteHash restores the write-hash coalescing
// optimization after growth frees up space, per spec §4.9: "under
// reduce_store_contention, re-enables the write-hash optimization."
// Must be called with the header write-unprotected and the write lock
// held.
func (c *Cache) maybeReenableWriteHash() {
	if !c.cfg.RuntimeFlags.has(EnableReduceStoreContention) {
		return
	}
	storeUint32(c.hdr().atomicWriteHash(), 0)
}

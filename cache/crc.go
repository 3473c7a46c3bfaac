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
	"hash"
	"hash/crc32"
)

// crcSampleFloor is the minimum stride used when sampling the stable
// regions for integrity checking (spec §4.6).
const crcSampleFloor = 1535

// crcStride picks the sampling stride for an area of the given size:
// max(1535, area_size/100000) bytes, so very large caches still
// compute quickly.
func crcStride(areaSize int64) int64 {
	stride := areaSize / 100000
	if stride < crcSampleFloor {
		stride = crcSampleFloor
	}
	return stride
}

// sampleInto folds every stride'th byte of region into h, plus the
// final byte, so the checksum is sensitive to corruption anywhere in
// region without requiring a full pass over very large caches.
// hash/crc32 is the standard library's implementation; no third-party
// CRC library appears anywhere in the example pack (see SPEC_FULL.md
// §4 / DESIGN.md).
func sampleInto(h hash.Hash32, region []byte, stride int64) {
	if len(region) == 0 {
		return
	}
	buf := make([]byte, 1)
	for i := int64(0); i < int64(len(region)); i += stride {
		buf[0] = region[i]
		h.Write(buf)
	}
	// always fold in the final byte so a truncated-region corruption at
	// the very tail cannot hide between sample points.
	buf[0] = region[len(region)-1]
	h.Write(buf)
}

// sampledCRC computes a standalone CRC-32 (IEEE) over region using
// sampleInto's stride rule. Nothing in this package calls it at
// present; the cache's own integrity value is computeCRC's two-region
// combined checksum.
func sampledCRC(region []byte) uint32 {
	h := crc32.NewIEEE()
	sampleInto(h, region, crcStride(int64(len(region))))
	return h.Sum32()
}

// stableRegions returns the segment prefix [0, segment_srp) and the
// metadata suffix [update_srp, cache_end - debug_region_size) that
// together make up the portion of the cache covered by the CRC (spec
// §4.6). Because the prefix starts at offset 0 it also spans the header
// and the read-write sub-region; the debug sub-region and the free band
// between segment_srp and update_srp are excluded.
func (c *Cache) stableRegions() (segment, metadata []byte) {
	h := c.hdr()
	debugStart := h.TotalBytes - h.DebugRegionSize
	return c.mem[0:h.SegmentSRP], c.mem[h.UpdateSRP:debugStart]
}

// computeCRC is the CRC value for the cache's current stable content.
func (c *Cache) computeCRC() uint32 {
	seg, meta := c.stableRegions()
	// combine the two regions into one rolling checksum by seeding the
	// metadata pass with the segment pass's state, so a change in
	// either region changes the result.
	stride := crcStride(int64(len(seg) + len(meta)))
	h := crc32.NewIEEE()
	sampleInto(h, seg, stride)
	sampleInto(h, meta, stride)
	return h.Sum32()
}

// invalidateCRC clears crc_valid; must be the first step of any commit
// (spec §4.1 commit step 1, §4.6: "any write invalidates crc_valid
// first"). Caller must hold the header write lock.
func (c *Cache) invalidateCRC() {
	c.hdr().CRCValid = 0
}

// sealCRC recomputes and stores the CRC. Per spec §4.6 this only
// happens at clean shutdown, while the write lock is held and
// deny_cache_updates is set, so no concurrent commit can race it.
func (c *Cache) sealCRC() {
	v := c.computeCRC()
	c.withHeaderUnprotected(func() {
		h := c.hdr()
		h.CRCValue = v
		h.CRCValid = crcValidMagic
	})
}

// verifyCRC checks the stored CRC against a fresh recomputation, per
// spec §4.6's startup rule. ok is false either because crc_valid was
// not the magic value, or because the recomputed checksum disagrees.
func (c *Cache) verifyCRC() (ok bool) {
	h := c.hdr()
	if h.CRCValid != crcValidMagic {
		return false
	}
	return h.CRCValue == c.computeCRC()
}

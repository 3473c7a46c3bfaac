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
	"sync/atomic"

	"golang.org/x/exp/slices"
)

// Platforms where an adjacent-page VirtualProtect defect requires the
// larger thresholds of spec §4.1 rule 1. Only Windows is named in the
// source; see SPEC_FULL.md / DESIGN.md for why this is judged by GOOS
// rather than a build tag.
func (c *Cache) gapThreshold() int64 {
	if goos() == "windows" {
		return 3 * 1024
	}
	return 2 * 1024
}

func (c *Cache) minGap() int64 {
	if goos() == "windows" {
		return 1024
	}
	return 0
}

func max0(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// metadataLayout computes the 8-byte-aligned total entry length
// (header + ShcItem + payload + padding) such that the payload start
// satisfies (payloadAddr+alignOffset) mod align == 0, per spec §4.1's
// alignment rule. align <= 1 means no consumer alignment requirement
// beyond the default 8-byte entry alignment.
func (c *Cache) metadataLayout(payloadLen int, align, alignOffset int64) int64 {
	raw := int64(entryPrefixSize) + int64(payloadLen)
	totalLen := align8(raw)
	if align <= 1 {
		return totalLen
	}
	updateSRP := c.hdr().UpdateSRP
	for i := 0; i < 2048; i++ {
		entryStart := updateSRP - totalLen
		payloadAddr := entryStart + entryPrefixSize
		if (payloadAddr+alignOffset)%align == 0 {
			return totalLen
		}
		totalLen += 8
	}
	return totalLen
}

// checkCacheFull implements spec §4.1's allocate_* contract: it fails
// with AllocationFull when the inter-region gap, softmax, or a
// sub-account cap would be violated by committing logLen bytes of
// metadata log and segLen bytes of segment growth, charging aotCharge/
// jitCharge against the AOT/JIT sub-accounts.
func (c *Cache) checkCacheFull(logLen, segLen, aotCharge, jitCharge int64) error {
	h := c.hdr()
	newUpdateSRP := h.UpdateSRP - logLen
	newSegmentSRP := h.SegmentSRP + segLen
	if newUpdateSRP <= newSegmentSRP {
		return c.blockFull()
	}
	freeBytes := newUpdateSRP - newSegmentSRP
	aotReserve := max0(h.MinAOT - (h.AOTBytes + aotCharge))
	jitReserve := max0(h.MinJIT - (h.JITBytes + jitCharge))
	freeBlock := freeBytes - aotReserve - jitReserve
	if freeBlock < c.gapThreshold()+c.minGap() {
		return c.blockFull()
	}

	freeDebug := max0(h.LocalVariableTableNextSRP - h.LineNumberTableNextSRP)
	used := h.TotalBytes - freeBytes - freeDebug
	if h.SoftMaxBytes > 0 && used > h.SoftMaxBytes {
		h.setFullFlag(fullAvailable)
		c.Stats.recordAllocFailure()
		return &AllocationFullError{Region: RegionAvailable}
	}
	if aotCharge > 0 && h.MaxAOT > 0 && h.AOTBytes+aotCharge > h.MaxAOT {
		atomic.AddInt64(h.atomicMaxAOTUnstored(), aotCharge)
		h.setFullFlag(fullAOT)
		c.Stats.recordAllocFailure()
		return &AllocationFullError{Region: RegionAOT}
	}
	if jitCharge > 0 && h.MaxJIT > 0 && h.JITBytes+jitCharge > h.MaxJIT {
		atomic.AddInt64(h.atomicMaxJITUnstored(), jitCharge)
		h.setFullFlag(fullJIT)
		c.Stats.recordAllocFailure()
		return &AllocationFullError{Region: RegionJIT}
	}
	return nil
}

// blockFull sets cache_full_flags' block bit and, the first time it
// transitions, writes the 0xD9 dummy filler entry so the remaining
// free block space is never left as an un-walkable gap (spec §4.1,
// §8 boundary behavior).
func (c *Cache) blockFull() error {
	h := c.hdr()
	if h.fullFlags()&fullBlock == 0 {
		c.writeDummyFill()
		h.setFullFlag(fullBlock)
	}
	c.Stats.recordAllocFailure()
	return &AllocationFullError{Region: RegionBlock}
}

func (c *Cache) writeDummyFill() {
	h := c.hdr()
	avail := h.UpdateSRP - h.SegmentSRP
	reserve := c.gapThreshold() + c.minGap()
	fillLen := avail - reserve
	if fillLen < entryPrefixSize {
		return
	}
	fillLen = (fillLen / 8) * 8
	c.withHeaderUnprotected(func() {
		entryStart := h.UpdateSRP - fillLen
		payloadLen := int(fillLen) - entryPrefixSize
		for i := entryStart + entryPrefixSize; i < entryStart+fillLen; i++ {
			c.mem[i] = dummyFillByte
		}
		e := c.entryAt(entryStart)
		e.writePrefix(uint32(fillLen), payloadLen, dataTypeDummy, 0)
		h.CRCValid = 0
		h.UpdateSRP = entryStart
		h.bumpUpdateCount()
	})
}

func (c *Cache) beginAlloc() error {
	if err := c.checkNotCorrupt(); err != nil {
		return err
	}
	if c.cfg.RuntimeFlags.has(DenyCacheUpdates) {
		return errDenyCacheUpdates
	}
	if c.pendingActive {
		return errOutstandingAlloc
	}
	return nil
}

// allocateMetadataLocked is the shared core of AllocateMetadata,
// AllocateAOT, and AllocateJIT: every metadata-log-only allocation
// differs only in payload shape and sub-account charge.
func (c *Cache) allocateMetadataLocked(kind DataType, payloadLen int, align, alignOffset, aotCharge, jitCharge int64) (*MetadataEntry, error) {
	if err := c.beginAlloc(); err != nil {
		return nil, err
	}
	totalLen := c.metadataLayout(payloadLen, align, alignOffset)
	if err := c.checkCacheFull(totalLen, 0, aotCharge, jitCharge); err != nil {
		return nil, err
	}
	h := c.hdr()
	entryStart := h.UpdateSRP - totalLen
	e := c.entryAt(entryStart)
	e.writePrefix(uint32(totalLen), payloadLen, kind, c.jvmID)

	c.pendingActive = true
	c.pendingHasEntry = true
	c.pendingEntry = e
	c.pendingDataType = kind
	c.pendingJVMID = c.jvmID
	c.pendingLogLen = totalLen
	c.pendingAOTCharge = aotCharge
	c.pendingJITCharge = jitCharge
	c.Stats.recordAlloc()
	return e, nil
}

// AllocateMetadata reserves a metadata-log entry of payloadLen bytes,
// with the payload pointer aligned per align/alignOffset (spec §4.1).
// The allocation is visible to other attached processes only after a
// successful Commit.
func (c *Cache) AllocateMetadata(kind DataType, payloadLen, align, alignOffset int) (*MetadataEntry, []byte, error) {
	e, err := c.allocateMetadataLocked(kind, payloadLen, int64(align), int64(alignOffset), 0, 0)
	if err != nil {
		return nil, nil, err
	}
	return e, e.Payload(), nil
}

// AllocateSegmentAndMetadata atomically reserves segLen bytes of
// segment storage (aligned to segAlign) and a metadata entry of
// payloadLen bytes describing it — the typical "install a class" shape
// of spec §4.1.
func (c *Cache) AllocateSegmentAndMetadata(kind DataType, payloadLen, segLen, segAlign int) (entry *MetadataEntry, segment, payload []byte, err error) {
	if err = c.beginAlloc(); err != nil {
		return nil, nil, nil, err
	}
	h := c.hdr()
	segStart := alignUp(h.SegmentSRP, int64(segAlign), 0)
	segGrowth := (segStart - h.SegmentSRP) + int64(segLen)
	totalLen := c.metadataLayout(payloadLen, 8, 0)
	if err = c.checkCacheFull(totalLen, segGrowth, 0, 0); err != nil {
		return nil, nil, nil, err
	}
	entryStart := h.UpdateSRP - totalLen
	e := c.entryAt(entryStart)
	e.writePrefix(uint32(totalLen), payloadLen, kind, c.jvmID)

	c.pendingActive = true
	c.pendingHasEntry = true
	c.pendingEntry = e
	c.pendingDataType = kind
	c.pendingJVMID = c.jvmID
	c.pendingLogLen = totalLen
	c.pendingSegLen = segGrowth
	c.Stats.recordAlloc()
	return e, c.mem[segStart : segStart+int64(segLen)], e.Payload(), nil
}

// AllocateAOT reserves a metadata entry whose payload is headerLen+
// codeLen bytes, charged against the AOT sub-account by codeLen.
func (c *Cache) AllocateAOT(kind DataType, headerLen, codeLen int) (*MetadataEntry, []byte, error) {
	e, err := c.allocateMetadataLocked(kind, headerLen+codeLen, 8, 0, int64(codeLen), 0)
	if err != nil {
		return nil, nil, err
	}
	return e, e.Payload(), nil
}

// AllocateJIT reserves a metadata entry whose payload is headerLen+
// dataLen bytes, 8-byte aligned, charged against the JIT sub-account
// by dataLen.
func (c *Cache) AllocateJIT(kind DataType, headerLen, dataLen int) (*MetadataEntry, []byte, error) {
	e, err := c.allocateMetadataLocked(kind, headerLen+dataLen, 8, 0, 0, int64(dataLen))
	if err != nil {
		return nil, nil, err
	}
	return e, e.Payload(), nil
}

// AllocateReadWrite reserves n bytes from the read-write (intern-table)
// sub-region. The caller must hold the read-write-area lock (see
// EnterReadWriteAreaMutex).
func (c *Cache) AllocateReadWrite(n int) ([]byte, error) {
	if err := c.checkNotCorrupt(); err != nil {
		return nil, err
	}
	if c.pendingActive {
		return nil, errOutstandingAlloc
	}
	h := c.hdr()
	avail := h.ReadWriteBytes - h.ReadWriteSRP
	if int64(n) > avail {
		h.setFullFlag(fullAvailable)
		c.Stats.recordAllocFailure()
		return nil, &AllocationFullError{Region: RegionAvailable}
	}
	start := h.ReadWriteSRP
	c.pendingActive = true
	c.pendingReadWriteLen = int64(n)
	c.Stats.recordAlloc()
	return c.mem[start : start+int64(n)], nil
}

// clearPending resets the single-outstanding-allocation bookkeeping.
func (c *Cache) clearPending() {
	c.pendingActive = false
	c.pendingHasEntry = false
	c.pendingEntry = nil
	c.pendingDataType = DataTypeUnknown
	c.pendingJVMID = 0
	c.pendingLogLen = 0
	c.pendingSegLen = 0
	c.pendingReadWriteLen = 0
	c.pendingAOTCharge = 0
	c.pendingJITCharge = 0
	c.pendingDebugClassKey = [32]byte{}
	c.pendingDebugLoGrowth = 0
	c.pendingDebugHiGrowth = 0
}

// Commit finalizes the single outstanding allocation, applying the
// ordered mutation sequence of spec §4.1 while holding the header
// write lock with the header unprotected.
func (c *Cache) Commit() error {
	if !c.pendingActive {
		return errNoOutstandingAlloc
	}
	if err := c.checkNotCorrupt(); err != nil {
		c.clearPending()
		return err
	}
	segLen, rwLen, logLen := c.pendingSegLen, c.pendingReadWriteLen, c.pendingLogLen
	aotCharge, jitCharge := c.pendingAOTCharge, c.pendingJITCharge
	hasEntry, dataType, jvmID := c.pendingHasEntry, c.pendingDataType, c.pendingJVMID

	if err := c.acquireSimple(LockHeaderWrite); err != nil {
		return err
	}
	c.withHeaderUnprotected(func() {
		h := c.hdr()
		h.CRCValid = 0 // step 1
		if segLen > 0 {
			h.SegmentSRP += segLen // step 2
		}
		if rwLen > 0 {
			h.ReadWriteSRP += rwLen // step 3
		}
		if hasEntry {
			h.LastMetadataType = (uint32(dataType) << 16) | uint32(jvmID) // step 4
		}
		if logLen > 0 {
			h.UpdateSRP -= logLen // step 5
		}
		// step 6: gap assertion (defensive; pre-flight already enforced it)
		if hasEntry {
			h.bumpUpdateCount() // step 7
		}
		if aotCharge > 0 {
			atomic.AddInt64(h.atomicAOTBytes(), aotCharge) // step 8
		}
		if jitCharge > 0 {
			atomic.AddInt64(h.atomicJITBytes(), jitCharge) // step 8
		}
	})
	c.releaseSimple(LockHeaderWrite)
	if segLen > 0 {
		c.protectSegmentThrough(c.hdr().SegmentSRP, false) // step 9
	}
	c.clearPending()
	c.Stats.recordCommit()
	return nil
}

// Rollback discards the outstanding allocation. Because header SRPs
// are only mutated by Commit, nothing beyond the in-process pending
// state needs to be undone (spec §4.1).
func (c *Cache) Rollback() {
	c.clearPending()
	c.Stats.recordRollback()
}

// MarkStale sets an entry's stale bit. Idempotent (spec §8 round-trip
// property).
func (c *Cache) MarkStale(e *MetadataEntry) {
	mutate := func() {
		e.setLengthAndStale(e.lengthAndStale() | 1)
	}
	if !c.protectionEnabled() {
		mutate()
		return
	}
	page := int64(c.backend.PageSize())
	start := (e.offset / page) * page
	end := start + page
	if end > int64(len(c.mem)) {
		end = int64(len(c.mem))
	}
	region := c.mem[start:end]
	c.backend.SetRegionPermissions(region, PermReadWrite)
	mutate()
	c.backend.SetRegionPermissions(region, PermRead)
}

// Stale reports whether e's stale bit is set.
func (c *Cache) Stale(e *MetadataEntry) bool { return e.Stale() }

// FindStart returns a cursor positioned at the most recently committed
// metadata entry. Per the worked example in spec §8 (S1), walking
// proceeds from the newest entry toward the oldest (the cursor moves
// from update_srp toward higher offsets); where the general high-to-low
// wording in spec §3 reads otherwise, this module follows the concrete
// S1 example.
func (c *Cache) FindStart() *WalkCursor {
	return &WalkCursor{offset: c.hdr().UpdateSRP}
}

// WalkNext advances cur and returns the next metadata entry, or a nil
// entry and nil error when the walk is exhausted. includeStale
// controls whether entries with the stale bit set are returned or
// silently skipped.
func (c *Cache) WalkNext(cur *WalkCursor, includeStale bool) (*MetadataEntry, error) {
	if err := c.checkNotCorrupt(); err != nil {
		return nil, err
	}
	h := c.hdr()
	debugStart := h.TotalBytes - h.DebugRegionSize
	for {
		if cur.done || cur.offset >= debugStart || cur.offset < 0 {
			cur.done = true
			return nil, nil
		}
		e := c.entryAt(cur.offset)
		raw := e.lengthAndStale()
		total := int64(raw &^ 1)
		maxLen := debugStart - cur.offset
		if total <= 0 || total%8 != 0 || total > maxLen {
			cur.done = true
			c.localCorruptCode = CodeItemLengthCorrupt
			c.localCorruptValue = uint64(cur.offset)
			return nil, c.markCorrupt(CodeItemLengthCorrupt, uint64(cur.offset))
		}
		cur.offset += total
		c.Stats.recordWalkStep()
		if !includeStale && raw&1 != 0 {
			c.Stats.recordStaleSkip()
			continue
		}
		return e, nil
	}
}

// WalkAll drains a full walk from FindStart into a slice, then orders
// it by JVMID (ties broken by Offset) so tooling that dumps a cache's
// contents (cmd/cctool, tests) gets deterministic output regardless of
// allocation order. Uses golang.org/x/exp/slices' SortFunc rather than
// a hand-rolled sort, matching how the rest of this package's example
// pack reaches for x/exp helpers instead of sort.Slice.
func (c *Cache) WalkAll(includeStale bool) ([]*MetadataEntry, error) {
	cur := c.FindStart()
	var out []*MetadataEntry
	for {
		e, err := c.WalkNext(cur, includeStale)
		if err != nil {
			return out, err
		}
		if e == nil {
			break
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *MetadataEntry) int {
		if a.JVMID() != b.JVMID() {
			return int(a.JVMID()) - int(b.JVMID())
		}
		return int(a.Offset() - b.Offset())
	})
	return out, nil
}

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
	"errors"
	"path/filepath"
	"testing"
)

func mustCreate(t *testing.T, cfg Config) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shclasscache")
	c, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { c.Destroy(true) })
	return c
}

// S1: a 64 KiB cache, softmax=-1, no debug area, no read-write area.
// Three metadata entries of payload lengths {64, 128, 32} are
// allocated and committed in that order with no segment bytes. A walk
// from FindStart must return them newest-first: {32, 128, 64}.
func TestWalkOrderS1(t *testing.T) {
	cfg := Config{
		SharedClassCacheSize:      65536,
		SharedClassReadWriteBytes: 0,
		SharedClassDebugAreaBytes: 0,
		SharedClassSoftMaxBytes:   -1,
	}
	c := mustCreate(t, cfg)

	for _, n := range []int{64, 128, 32} {
		_, _, err := c.AllocateMetadata(DataTypeROMClass, n, 0, 0)
		if err != nil {
			t.Fatalf("AllocateMetadata(%d): %v", n, err)
		}
		if err := c.Commit(); err != nil {
			t.Fatalf("Commit(%d): %v", n, err)
		}
	}

	var got []int
	cur := c.FindStart()
	for {
		e, err := c.WalkNext(cur, false)
		if err != nil {
			t.Fatalf("WalkNext: %v", err)
		}
		if e == nil {
			break
		}
		got = append(got, e.PayloadLength())
	}
	want := []int{32, 128, 64}
	if len(got) != len(want) {
		t.Fatalf("walked %d entries, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: got payload length %d, want %d (full: %v)", i, got[i], want[i], got)
		}
	}
}

// S4: a 4 KiB cache with min_aot=1 KiB and min_jit=1 KiB leaves less
// than 3 KiB of free block space once both sub-account reserves and
// the inter-region gap are subtracted, so any non-trivial metadata
// allocation reports the block region full.
func TestAllocateFullBlockS4(t *testing.T) {
	cfg := Config{
		SharedClassCacheSize:      4096,
		SharedClassReadWriteBytes: 0,
		SharedClassDebugAreaBytes: 0,
		SharedClassMinAOTSize:     1024,
		SharedClassMaxAOTSize:     2048,
		SharedClassMinJITSize:     1024,
		SharedClassMaxJITSize:     2048,
		SharedClassSoftMaxBytes:   -1,
	}
	c := mustCreate(t, cfg)

	_, _, err := c.AllocateMetadata(DataTypeROMClass, 3*1024, 0, 0)
	var full *AllocationFullError
	if !errors.As(err, &full) {
		t.Fatalf("AllocateMetadata: got %v, want *AllocationFullError", err)
	}
	if full.Region != RegionBlock {
		t.Fatalf("AllocationFullError.Region = %s, want %s", full.Region, RegionBlock)
	}
}

// Boundary behavior: once the block region transitions to full, the
// remaining free block space is consumed by a single 0xD9-filled dummy
// entry so the log never has an un-walkable gap, and the transition
// only writes that entry once.
func TestBlockFullWritesDummyFillOnce(t *testing.T) {
	cfg := Config{
		SharedClassCacheSize:      4096,
		SharedClassReadWriteBytes: 0,
		SharedClassDebugAreaBytes: 0,
		SharedClassSoftMaxBytes:   -1,
	}
	c := mustCreate(t, cfg)

	before := c.hdr().UpdateSRP
	_, _, err := c.AllocateMetadata(DataTypeROMClass, 3*1024, 0, 0)
	var full *AllocationFullError
	if !errors.As(err, &full) || full.Region != RegionBlock {
		t.Fatalf("AllocateMetadata: got %v, want block-full", err)
	}
	after := c.hdr().UpdateSRP
	if after >= before {
		t.Fatalf("UpdateSRP did not advance for the dummy fill entry: before=%d after=%d", before, after)
	}

	cur := &WalkCursor{offset: after}
	e, err := c.WalkNext(cur, true)
	if err != nil {
		t.Fatalf("WalkNext over dummy entry: %v", err)
	}
	if e == nil {
		t.Fatal("expected a dummy fill entry, got none")
	}
	if e.DataType() != dataTypeDummy {
		t.Fatalf("entry DataType = %v, want dataTypeDummy", e.DataType())
	}
	for _, b := range e.Payload() {
		if b != dummyFillByte {
			t.Fatalf("dummy fill payload contains byte %#x, want every byte == %#x", b, dummyFillByte)
		}
	}

	// A second allocation attempt must not write a second dummy entry:
	// the block-full flag is already set, so blockFull returns early.
	again := c.hdr().UpdateSRP
	_, _, err = c.AllocateMetadata(DataTypeROMClass, 64, 0, 0)
	if !errors.As(err, &full) || full.Region != RegionBlock {
		t.Fatalf("second AllocateMetadata: got %v, want block-full", err)
	}
	if c.hdr().UpdateSRP != again {
		t.Fatalf("UpdateSRP moved on a second block-full transition: before=%d after=%d", again, c.hdr().UpdateSRP)
	}
}

// Round-trip property: allocate_metadata followed by rollback leaves
// the header's update_srp, segment_srp and update_count unchanged and
// clears the pending allocation.
func TestAllocateRollbackIsNoOp(t *testing.T) {
	cfg := Config{SharedClassCacheSize: 65536, SharedClassSoftMaxBytes: -1}
	c := mustCreate(t, cfg)

	before := *c.hdr()
	if _, _, err := c.AllocateMetadata(DataTypeROMClass, 128, 0, 0); err != nil {
		t.Fatalf("AllocateMetadata: %v", err)
	}
	c.Rollback()
	after := *c.hdr()

	if before.UpdateSRP != after.UpdateSRP {
		t.Fatalf("UpdateSRP changed across rollback: %d -> %d", before.UpdateSRP, after.UpdateSRP)
	}
	if before.SegmentSRP != after.SegmentSRP {
		t.Fatalf("SegmentSRP changed across rollback: %d -> %d", before.SegmentSRP, after.SegmentSRP)
	}
	if before.UpdateCount != after.UpdateCount {
		t.Fatalf("UpdateCount changed across rollback: %d -> %d", before.UpdateCount, after.UpdateCount)
	}
	if c.pendingActive {
		t.Fatal("pendingActive still true after Rollback")
	}
}

// Round-trip property: mark_stale is idempotent.
func TestMarkStaleIdempotent(t *testing.T) {
	cfg := Config{SharedClassCacheSize: 65536, SharedClassSoftMaxBytes: -1}
	c := mustCreate(t, cfg)

	e, _, err := c.AllocateMetadata(DataTypeROMClass, 64, 0, 0)
	if err != nil {
		t.Fatalf("AllocateMetadata: %v", err)
	}
	if err := c.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	c.MarkStale(e)
	first := e.lengthAndStale()
	c.MarkStale(e)
	second := e.lengthAndStale()
	if first != second {
		t.Fatalf("MarkStale not idempotent: %#x then %#x", first, second)
	}
	if !c.Stale(e) {
		t.Fatal("Stale(e) is false after MarkStale")
	}
}

// Universal invariant: 0 <= segment_srp <= update_srp <= total_bytes -
// debug_region_size, and the inter-region gap never shrinks below
// min_gap, after every commit.
func TestInvariantOrderingAfterCommits(t *testing.T) {
	cfg := Config{
		SharedClassCacheSize:      1 << 20,
		SharedClassDebugAreaBytes: 4096,
		SharedClassSoftMaxBytes:   -1,
	}
	c := mustCreate(t, cfg)

	for i := 0; i < 50; i++ {
		_, _, _, err := c.AllocateSegmentAndMetadata(DataTypeROMClass, 48, 256, 8)
		if err != nil {
			t.Fatalf("iteration %d: AllocateSegmentAndMetadata: %v", i, err)
		}
		if err := c.Commit(); err != nil {
			t.Fatalf("iteration %d: Commit: %v", i, err)
		}
		h := c.hdr()
		debugStart := h.TotalBytes - h.DebugRegionSize
		if h.SegmentSRP < 0 || h.SegmentSRP > h.UpdateSRP || h.UpdateSRP > debugStart {
			t.Fatalf("iteration %d: ordering invariant violated: segment=%d update=%d debugStart=%d",
				i, h.SegmentSRP, h.UpdateSRP, debugStart)
		}
		if h.UpdateSRP-h.SegmentSRP < c.minGap() {
			t.Fatalf("iteration %d: gap %d below min_gap %d", i, h.UpdateSRP-h.SegmentSRP, c.minGap())
		}
	}
}

// Universal invariant: update_count increases by exactly 1 per commit
// that includes a metadata entry.
func TestInvariantUpdateCountMonotonic(t *testing.T) {
	cfg := Config{SharedClassCacheSize: 65536, SharedClassSoftMaxBytes: -1}
	c := mustCreate(t, cfg)

	prev := c.hdr().UpdateCount
	for i := 0; i < 10; i++ {
		if _, _, err := c.AllocateMetadata(DataTypeROMClass, 32, 0, 0); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		if err := c.Commit(); err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		cur := c.hdr().UpdateCount
		if cur != prev+1 {
			t.Fatalf("iteration %d: update_count went %d -> %d, want +1", i, prev, cur)
		}
		prev = cur
	}
}

// WalkAll must return every committed entry exactly once, deterministically
// ordered by JVMID then offset.
func TestWalkAllDeterministicOrder(t *testing.T) {
	cfg := Config{SharedClassCacheSize: 65536, SharedClassSoftMaxBytes: -1}
	c := mustCreate(t, cfg)

	for _, n := range []int{16, 48, 24} {
		if _, _, err := c.AllocateMetadata(DataTypeROMClass, n, 0, 0); err != nil {
			t.Fatalf("AllocateMetadata: %v", err)
		}
		if err := c.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
	}
	a, err := c.WalkAll(true)
	if err != nil {
		t.Fatalf("WalkAll: %v", err)
	}
	b, err := c.WalkAll(true)
	if err != nil {
		t.Fatalf("WalkAll (2nd): %v", err)
	}
	if len(a) != 3 || len(b) != 3 {
		t.Fatalf("WalkAll returned %d/%d entries, want 3/3", len(a), len(b))
	}
	for i := range a {
		if a[i].Offset() != b[i].Offset() {
			t.Fatalf("WalkAll not deterministic at index %d: %d vs %d", i, a[i].Offset(), b[i].Offset())
		}
	}
}

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

import "golang.org/x/crypto/blake2b"

// Debug sub-region layout (spec §4.8, §3): a symmetric two-ended stack
// inside [debugStart, TotalBytes). The line-number-table stack grows
// forward from debugStart; the local-variable-table stack grows
// backward from TotalBytes. Free space is
// LocalVariableTableNextSRP - LineNumberTableNextSRP (also how
// header.usedBytes accounts for it).
//
// DataTypeClassDebug entries allocated here are accounted against
// softmax by the caller (via AllocateMetadata's normal path is not
// used; debug pieces live entirely inside the debug sub-region and
// never touch update_srp/segment_srp), matching spec §4.8's "it is an
// external collaborator ... described here only by the fields of the
// header it reads/writes."

// DebugPiece is one piece of class debug data returned by
// AllocateClassDebugData, tagged with which stack it was carved from so
// a caller can tell LNT pieces from LVT pieces if it cares.
type DebugPiece struct {
	Bytes    []byte
	FromHigh bool // true if carved from the local-variable-table (high) stack
}

func (c *Cache) debugBounds() (start, end int64) {
	h := c.hdr()
	return h.TotalBytes - h.DebugRegionSize, h.TotalBytes
}

// classDebugKey hashes a class name with blake2b-256, keyed by the same
// per-cache secret used for write-hash name coalescing, so the debug
// allocator's bookkeeping index does not leak predictable offsets to a
// process that only observes the hash space (grounded on
// fsenv.go's hash.Hash-based keying pattern and vm/siphash_generic.go's
// keyed-hash approach used elsewhere in this package for nameHash).
func (c *Cache) classDebugKey(className string) [32]byte {
	var key [16]byte
	putUint64(key[0:8], c.hashKey0)
	putUint64(key[8:16], c.hashKey1)
	h, _ := blake2b.New256(key[:])
	h.Write([]byte(className))
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// AllocateClassDebugData reserves len(sizes) pieces of class debug
// data, round-robining between the two ends of the debug sub-region so
// neither stack starves the other under a single class's request (spec
// §4.8 describes the region only as "a symmetric two-ended stack";
// this module's round-robin split is a design decision recorded in
// DESIGN.md, since the spec does not say how multi-piece requests
// divide between the two ends).
func (c *Cache) AllocateClassDebugData(className string, sizes []int) ([]DebugPiece, error) {
	if err := c.checkNotCorrupt(); err != nil {
		return nil, err
	}
	if c.pendingActive {
		return nil, errOutstandingAlloc
	}
	h := c.hdr()
	lo, hi := h.LineNumberTableNextSRP, h.LocalVariableTableNextSRP
	pieces := make([]DebugPiece, len(sizes))
	var loGrowth, hiGrowth int64
	for i, n := range sizes {
		size := align8(int64(n))
		if hi-lo-loGrowth-hiGrowth < size {
			return nil, &AllocationFullError{Region: RegionBlock}
		}
		if i%2 == 0 {
			start := lo + loGrowth
			pieces[i] = DebugPiece{Bytes: c.mem[start : start+int64(n)]}
			loGrowth += size
		} else {
			start := hi - hiGrowth - size
			pieces[i] = DebugPiece{Bytes: c.mem[start : start+int64(n)], FromHigh: true}
			hiGrowth += size
		}
	}
	c.pendingActive = true
	c.pendingDebugClassKey = c.classDebugKey(className)
	c.pendingDebugLoGrowth = loGrowth
	c.pendingDebugHiGrowth = hiGrowth
	c.Stats.recordAlloc()
	return pieces, nil
}

// CommitClassDebugData finalizes the outstanding debug allocation,
// advancing both stack pointers and recording the class's pieces in
// the in-process bookkeeping index.
func (c *Cache) CommitClassDebugData() error {
	if !c.pendingActive || (c.pendingDebugLoGrowth == 0 && c.pendingDebugHiGrowth == 0) {
		return errNoOutstandingAlloc
	}
	lo, hi := c.pendingDebugLoGrowth, c.pendingDebugHiGrowth
	key := c.pendingDebugClassKey
	c.withHeaderUnprotected(func() {
		h := c.hdr()
		h.CRCValid = 0
		h.LineNumberTableNextSRP += lo
		h.LocalVariableTableNextSRP -= hi
	})
	c.debugMu.Lock()
	if c.debugIndex == nil {
		c.debugIndex = make(map[[32]byte]int64)
	}
	c.debugIndex[key]++
	c.debugMu.Unlock()
	c.clearPending()
	c.Stats.recordCommit()
	return nil
}

// RollbackClassDebugData discards the outstanding debug allocation.
func (c *Cache) RollbackClassDebugData() {
	c.clearPending()
	c.Stats.recordRollback()
}

// ClassDebugPieceCount reports how many times CommitClassDebugData has
// been called for className, purely for introspection/testing.
func (c *Cache) ClassDebugPieceCount(className string) int64 {
	key := c.classDebugKey(className)
	c.debugMu.Lock()
	defer c.debugMu.Unlock()
	return c.debugIndex[key]
}

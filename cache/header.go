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
	"unsafe"
)

// eyecatcher identifies the region as belonging to this cache kind.
// Must be byte-for-byte stable across processes sharing the region.
var eyecatcher = [8]byte{'C', 'C', 'E', 'N', 'G', '1', 0, 0}

// headerSize is the fixed size of the header, rounded up to a multiple
// of 8 with room for future fields so existing regions need not be
// relaid out; see spec §3 ("≥ ~512 B, aligned to 8").
const headerSize = 512

// header is the fixed-layout struct stored at offset 0 of an attached
// region. It is cast directly over the mapped bytes with
// unsafe.Pointer, so field order and types here ARE the wire format:
// never reorder fields or change a field's width without a version bump.
//
// A handful of counters (updateCount, crashCounter, writerCount,
// readerCount, corruptFlag, cacheFullFlags, aotBytes, jitBytes,
// writeHash, maxAOTUnstoredBytes) are mutated with atomic RMW per
// spec §5; everything else is mutated only while the header write
// lock is held.
type header struct {
	Eyecatcher [8]byte

	// --- 8-byte fields, grouped first so the 4-byte fields below never
	// force the compiler to insert alignment padding between them. ---

	TotalBytes                int64
	ReadWriteBytes            int64
	SegmentSRP                int64
	UpdateSRP                 int64
	DebugRegionSize           int64
	LineNumberTableNextSRP    int64
	LocalVariableTableNextSRP int64
	UpdateCount               uint64
	CorruptValue              uint64
	SoftMaxBytes              int64
	MinAOT                    int64
	MaxAOT                    int64
	MinJIT                    int64
	MaxJIT                    int64
	AOTBytes                  int64
	JITBytes                  int64
	MaxAOTUnstoredBytes       int64
	MaxJITUnstoredBytes       int64
	ReadWriteSRP              int64
	OSPageSize                int64

	// Chain-head self-relative pointers (see design note in SPEC_FULL.md
	// §9): an offset, in bytes, from the address of this field itself to
	// the field that is the real storage location for the counter, so a
	// chain of composite caches can share one set of counters at the
	// chain head. Zero means "this field is its own storage" (no
	// chaining), which is the only configuration this module creates;
	// non-zero values are honored on read for caches inherited from a
	// chain but this module never mints a non-zero chain SRP itself.
	UpdateCountSRP int64
	CorruptFlagSRP int64
	LockedSRP      int64

	// --- 4-byte fields ---

	CrashCounter            uint32
	WriterCount             uint32
	ReaderCount             uint32
	Locked                  uint32
	CCInitComplete          uint32
	CorruptFlag             uint32
	CorruptionCode          uint32
	CRCValue                uint32
	CRCValid                uint32
	CacheFullFlags          uint32
	ReadWriteCrashCounter   uint32
	ReadWriteRebuildCounter uint32
	ExtraFlags              uint32
	VMCounter               uint32
	JVMIDSeed               uint32
	WriteHash               uint32
	LastMetadataType        uint32

	_ [headerSize - 8 - 8*23 - 4*17]byte
}

// Compile-time assertion that header is exactly headerSize bytes: the
// struct IS the on-disk wire format, so a miscounted field group here
// must fail to compile rather than silently overrun the reserved
// region. Sizeof's result type is uintptr, so a negative difference in
// either subtraction overflows and is a compile error.
const _ = headerSize - unsafe.Sizeof(header{})
const _ = unsafe.Sizeof(header{}) - headerSize

// CC init complete bits.
const (
	ccInitMemoryComplete  uint32 = 1 << 0
	ccInitDurableComplete uint32 = 1 << 1
)

// cache_full_flags bits.
const (
	fullBlock uint32 = 1 << iota
	fullAvailable
	fullAOT
	fullJIT
)

// extra_flags bits (subset meaningful to this package; the rest are
// carried transparently for forward compatibility).
const (
	extraNoLineNumbers uint32 = 1 << iota
	extraBCIEnabled
	extraMprotectPartialPages
	extraRestrictClasspaths
	extraAOTHeaderPresent
)

// crcValidMagic is the sentinel CRCValid must hold for CRCValue to be
// considered trustworthy (spec §4.6).
const crcValidMagic = 3

// hdr returns a pointer to the header laid over the start of the
// attached region. Callers must hold the appropriate lock for the
// fields they intend to touch; atomic-RMW fields may be read/written
// without a lock.
func (c *Cache) hdr() *header {
	return (*header)(unsafe.Pointer(&c.mem[0]))
}

func (h *header) atomicUpdateCount() *uint64  { return &h.UpdateCount }
func (h *header) atomicCrashCounter() *uint32  { return &h.CrashCounter }
func (h *header) atomicWriterCount() *uint32   { return &h.WriterCount }
func (h *header) atomicReaderCount() *uint32   { return &h.ReaderCount }
func (h *header) atomicCorruptFlag() *uint32   { return &h.CorruptFlag }
func (h *header) atomicCacheFullFlags() *uint32 { return &h.CacheFullFlags }
func (h *header) atomicAOTBytes() *int64       { return &h.AOTBytes }
func (h *header) atomicJITBytes() *int64       { return &h.JITBytes }
func (h *header) atomicWriteHash() *uint32     { return &h.WriteHash }
func (h *header) atomicMaxAOTUnstored() *int64 { return &h.MaxAOTUnstoredBytes }
func (h *header) atomicMaxJITUnstored() *int64 { return &h.MaxJITUnstoredBytes }

// updateCount returns the current update counter with acquire
// ordering, per spec §5 ("readers snapshot update_count with acquire").
func (h *header) updateCount() uint64 {
	return atomic.LoadUint64(h.atomicUpdateCount())
}

// bumpUpdateCount increments update_count with release ordering: the
// entry it announces must be fully written before this call (spec §4.1
// commit step 7, §4.2).
func (h *header) bumpUpdateCount() uint64 {
	return atomic.AddUint64(h.atomicUpdateCount(), 1)
}

func (h *header) isCorrupt() bool {
	return atomic.LoadUint32(h.atomicCorruptFlag()) != 0
}

// setCorrupt sets the sticky corrupt flag. Returns true if this call
// was the one that transitioned it from clear to set (spec §4.7: "a
// single corrupt cache detected event fires at most once").
func (h *header) setCorrupt(code uint32, value uint64) bool {
	first := atomic.CompareAndSwapUint32(h.atomicCorruptFlag(), 0, 1)
	if first {
		h.CorruptionCode = code
		h.CorruptValue = value
	}
	return first
}

func (h *header) fullFlags() uint32 {
	return atomic.LoadUint32(h.atomicCacheFullFlags())
}

func (h *header) setFullFlag(bit uint32) {
	for {
		old := atomic.LoadUint32(h.atomicCacheFullFlags())
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(h.atomicCacheFullFlags(), old, old|bit) {
			return
		}
	}
}

func (h *header) clearFullFlag(bit uint32) {
	for {
		old := atomic.LoadUint32(h.atomicCacheFullFlags())
		if old&bit == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(h.atomicCacheFullFlags(), old, old&^bit) {
			return
		}
	}
}

// usedBytes computes total - free_block - free_debug, per spec §4.1 rule 2.
func (h *header) usedBytes() int64 {
	freeBlock := h.UpdateSRP - h.SegmentSRP
	freeDebug := h.LocalVariableTableNextSRP - h.LineNumberTableNextSRP
	if freeDebug < 0 {
		freeDebug = 0
	}
	return h.TotalBytes - freeBlock - freeDebug
}

// mintJVMID returns a short non-zero id unique to this attach, per
// spec §3's "vm_counter, jvm_id_seed ... mint a unique non-zero short
// ID for each attached process." Must be called under the header write
// lock.
func (h *header) mintJVMID() uint16 {
	h.VMCounter++
	id := uint16(h.JVMIDSeed + h.VMCounter)
	if id == 0 {
		h.VMCounter++
		id = uint16(h.JVMIDSeed + h.VMCounter)
	}
	return id
}

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

import "encoding/binary"

// DataType identifies the kind of payload a metadata entry carries.
// Interpretation of the payload itself is a client concern (see
// SPEC_FULL.md Non-goals); the CCE only needs the tag for bookkeeping,
// logging, and to mark filler entries.
type DataType uint16

const (
	DataTypeUnknown DataType = iota
	DataTypeROMClass
	DataTypeAOTCode
	DataTypeJITProfile
	DataTypeInternedString
	DataTypeClassDebug
	// dataTypeDummy tags the 0xD9 filler entry written when block-space
	// becomes full (spec §4.1).
	dataTypeDummy DataType = 0xFFFF
)

// entryPrefixSize is the on-disk size of ShcItemHdr + ShcItem, rounded
// up to 16 so that an entry's payload starts 8-byte aligned by default
// even before any consumer-requested alignment is applied.
//
//	offset 0  : uint32 lengthAndStale  (ShcItemHdr)
//	offset 4  : uint32 payloadLength   (ShcItem.payload_length)
//	offset 8  : uint16 dataType        (ShcItem.data_type)
//	offset 10 : uint16 jvmID           (ShcItem.jvm_id)
//	offset 12 : uint32 reserved
const entryPrefixSize = 16

// dummyFillByte is written across the payload of a synthetic filler
// entry so a later walker sees well-formed, visibly inert bytes (spec
// §4.1: "bytes 0xD9").
const dummyFillByte = 0xD9

// MetadataEntry is a handle to one committed (or in-progress) entry in
// the metadata log. It is only valid for the lifetime of the Cache
// attach handle that produced it.
type MetadataEntry struct {
	c      *Cache
	offset int64 // absolute offset of the entry's ShcItemHdr
}

// Offset returns the entry's absolute byte offset in the region.
func (e *MetadataEntry) Offset() int64 { return e.offset }

func (c *Cache) entryAt(off int64) *MetadataEntry {
	return &MetadataEntry{c: c, offset: off}
}

func (e *MetadataEntry) lengthAndStale() uint32 {
	return binary.LittleEndian.Uint32(e.c.mem[e.offset : e.offset+4])
}

func (e *MetadataEntry) setLengthAndStale(v uint32) {
	binary.LittleEndian.PutUint32(e.c.mem[e.offset:e.offset+4], v)
}

// totalLen is the byte length of header+ShcItem+payload+padding, i.e.
// lengthAndStale with the stale bit (LSB) masked off.
func (e *MetadataEntry) totalLen() uint32 {
	return e.lengthAndStale() &^ 1
}

// Stale reports whether the entry's stale bit is set.
func (e *MetadataEntry) Stale() bool {
	return e.lengthAndStale()&1 != 0
}

// DataType returns the entry's payload tag.
func (e *MetadataEntry) DataType() DataType {
	return DataType(binary.LittleEndian.Uint16(e.c.mem[e.offset+8 : e.offset+10]))
}

// JVMID returns the minted id of the process that committed the entry.
func (e *MetadataEntry) JVMID() uint16 {
	return binary.LittleEndian.Uint16(e.c.mem[e.offset+10 : e.offset+12])
}

// PayloadLength returns the length of the caller payload, excluding the
// prefix and any trailing padding.
func (e *MetadataEntry) PayloadLength() int {
	return int(binary.LittleEndian.Uint32(e.c.mem[e.offset+4 : e.offset+8]))
}

// Payload returns the entry's payload bytes.
func (e *MetadataEntry) Payload() []byte {
	n := e.PayloadLength()
	start := e.offset + entryPrefixSize
	return e.c.mem[start : start+int64(n)]
}

func (e *MetadataEntry) writePrefix(totalLen uint32, payloadLen int, dt DataType, jvmID uint16) {
	binary.LittleEndian.PutUint32(e.c.mem[e.offset:e.offset+4], totalLen&^1)
	binary.LittleEndian.PutUint32(e.c.mem[e.offset+4:e.offset+8], uint32(payloadLen))
	binary.LittleEndian.PutUint16(e.c.mem[e.offset+8:e.offset+10], uint16(dt))
	binary.LittleEndian.PutUint16(e.c.mem[e.offset+10:e.offset+12], jvmID)
	binary.LittleEndian.PutUint32(e.c.mem[e.offset+12:e.offset+16], 0)
}

// WalkCursor tracks progress through the metadata log. The zero value
// is not valid; obtain one from Cache.FindStart.
type WalkCursor struct {
	offset int64 // current entry offset, advancing toward debugStart
	done   bool
}

// alignUp pads n upward so that (n+alignOffset) is a multiple of align.
// align must be a power of two. This implements spec §4.1's alignment
// rule for metadata/segment allocation.
func alignUp(n, align, alignOffset int64) int64 {
	if align <= 1 {
		return n
	}
	rem := (n + alignOffset) % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

// align8 rounds n up to the next multiple of 8; every entry's total
// length is 8-byte aligned so the stale bit never collides with real
// length bits (spec §3: "lengths are always even").
func align8(n int64) int64 {
	return (n + 7) &^ 7
}

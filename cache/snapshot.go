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
	"fmt"
	"io"
	"unsafe"

	"github.com/klauspost/compress/zstd"
)

// WriteSnapshot serializes the entire region (header, segment area,
// metadata log, debug region, and whatever of the read-write area is
// currently valid) to w, compressed with zstd. This is the SNAPSHOT
// runtime-flag export path described in SPEC_FULL.md §7: it refuses to
// run unless this handle was opened with the Snapshot flag, and its
// output is later reconstituted with ImportSnapshot, so a fleet of JVMs
// can start from a pre-warmed cache without recomputing it. The flag
// does not by itself make the handle read-only.
//
// The caller must hold the write lock (EnterWriteMutex) so the region
// is not concurrently mutated mid-copy, and deny_cache_updates should
// be set first so no writer starts a new allocation during the copy.
func (c *Cache) WriteSnapshot(w io.Writer) error {
	if !c.cfg.RuntimeFlags.has(Snapshot) {
		return fmt.Errorf("cache: WriteSnapshot requires the Snapshot runtime flag")
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("cache: zstd writer: %w", err)
	}
	if _, err := enc.Write(c.mem); err != nil {
		enc.Close()
		return fmt.Errorf("cache: zstd write: %w", err)
	}
	return enc.Close()
}

// ImportSnapshot overwrites dst's backing region with the decompressed
// contents of r, which must have been produced by WriteSnapshot against
// a region of exactly len(dst) bytes. dst should be freshly attached
// and not yet validated by Open; the caller re-validates (eyecatcher,
// size, CRC) after import by calling Open again against the same path.
func ImportSnapshot(dst []byte, r io.Reader) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("cache: zstd reader: %w", err)
	}
	defer dec.Close()
	n, err := io.ReadFull(dec, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("cache: zstd read: %w", err)
	}
	if n != len(dst) {
		return fmt.Errorf("cache: snapshot size mismatch: got %d want %d", n, len(dst))
	}
	// A snapshot must not carry over transient per-attach state: reset
	// the reader/writer tallies and the crash counter so the next Open
	// starts clean (the imported region otherwise carries whatever the
	// source process's live counters happened to be).
	if len(dst) >= headerSize {
		h := (*header)(unsafe.Pointer(&dst[0]))
		h.ReaderCount = 0
		h.WriterCount = 0
		h.CrashCounter = 0
		h.Locked = 0
	}
	return nil
}

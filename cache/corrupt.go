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

import "sync/atomic"

// corruptLatch is the per-process latch of spec §4.7: a read-only
// attacher cannot persist corrupt_flag into the shared header, but must
// still refuse further operations locally once corruption is observed.
type corruptLatch struct {
	flag      uint32 // atomic
	reported  uint32 // atomic; guards the one-time "corrupt cache detected" event
}

func (l *corruptLatch) isSet() bool {
	return atomic.LoadUint32(&l.flag) != 0
}

func (l *corruptLatch) set() (first bool) {
	return atomic.CompareAndSwapUint32(&l.flag, 0, 1)
}

// markCorrupt records corruption both in this process's latch and, if
// this handle can write the header (i.e. it is not a read-only
// attacher), in the shared header too. It returns a *CorruptError ready
// to propagate to the caller. The "corrupt cache detected" event fires
// at most once per process (spec §4.7) unless suppressed.
func (c *Cache) markCorrupt(code CorruptionCode, value uint64) *CorruptError {
	firstLocal := c.corrupt.set()
	if !c.readOnly {
		c.withHeaderUnprotected(func() {
			c.hdr().setCorrupt(uint32(code), value)
		})
	}
	if firstLocal && !c.cfg.RuntimeFlags.has(DisableCorruptCacheDumps) {
		c.onCorruptDetected(code, value)
	}
	return &CorruptError{Code: code, Value: value}
}

// onCorruptDetected is the single "corrupt cache detected" event sink.
// It writes one line to c.Logger if set and does nothing otherwise, so
// hosts observe the event through the Logger they supply rather than
// through a concrete logging backend chosen by this package.
func (c *Cache) onCorruptDetected(code CorruptionCode, value uint64) {
	if c.Logger != nil {
		c.Logger.Printf("cache: corrupt cache detected: %s (context=%#x)", code, value)
	}
}

// isCorrupt reports whether this handle has observed corruption,
// either locally (read-only attachers) or in the shared header.
func (c *Cache) isCorrupt() bool {
	return c.corrupt.isSet() || c.hdr().isCorrupt()
}

// checkNotCorrupt is called at the top of every allocate_*/commit path;
// per spec §4.7, once set all allocators fail fast.
func (c *Cache) checkNotCorrupt() error {
	if !c.isCorrupt() {
		return nil
	}
	h := c.hdr()
	code := CorruptionCode(h.CorruptionCode)
	if code == CodeNone {
		// this handle observed corruption locally before the header
		// itself carried a code (e.g. a read-only attacher that
		// detected ITEM_LENGTH_CORRUPT while walking); fall back to
		// whatever this process last recorded.
		code = c.localCorruptCode
		value := c.localCorruptValue
		return &CorruptError{Code: code, Value: value}
	}
	return &CorruptError{Code: code, Value: h.CorruptValue}
}

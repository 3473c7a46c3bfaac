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
	"sync"
	"time"
)

// edeadlkRecoveryBudget bounds the EDEADLK retry loop of spec §4.4 and
// §5 ("Timeouts apply only to the EDEADLK recovery loop (~160 ms)").
const edeadlkRecoveryBudget = 160 * time.Millisecond

const edeadlkRetryBackoff = 2 * time.Millisecond

// ErrDeadlock is the sentinel a Backend must wrap (via fmt.Errorf
// "%w" or errors.Join) around any OS error that represents a
// cross-process lock-ordering deadlock (EDEADLK), so the lock manager
// can apply the three-case recovery of spec §4.4.
var ErrDeadlock = errors.New("cache: lock ordering deadlock (EDEADLK)")

func isDeadlock(err error) bool {
	return errors.Is(err, ErrDeadlock)
}

// lockManager tracks, per attach handle, which of the OS-backed locks
// (write, read-write-area, header-write) this handle currently holds,
// so the EDEADLK recovery logic can tell its three cases apart. The
// attach-read lock is deliberately not OS-backed (spec §6 only lists
// acquire_write_lock/release_write_lock on the backend); its presence
// is tracked purely via the header's reader_count.
type lockManager struct {
	mu   sync.Mutex
	held [4]bool
}

func (m *lockManager) setHeld(id LockID, v bool) {
	m.mu.Lock()
	m.held[id] = v
	m.mu.Unlock()
}

func (m *lockManager) isHeld(id LockID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[id]
}

// acquireSimple takes an OS-backed lock with no deadlock-recovery
// policy (used for the write lock and the header-write lock, which are
// always acquired first in program order per spec §4.4's "write →
// read-write-area" rule, so they are never the inner lock of a
// recovery case).
func (c *Cache) acquireSimple(id LockID) error {
	if err := c.backend.AcquireWriteLock(id); err != nil {
		return &LockAcquireFailedError{Lock: id, Err: err}
	}
	c.locks.setHeld(id, true)
	return nil
}

func (c *Cache) releaseSimple(id LockID) {
	c.backend.ReleaseWriteLock(id)
	c.locks.setHeld(id, false)
}

// acquireReadWriteArea acquires the read-write-area lock, applying the
// three-case EDEADLK recovery of spec §4.4. The ordering invariant
// enforced throughout the package is write → read-write-area: a thread
// holding the write lock may take the read-write-area lock, never the
// reverse.
func (c *Cache) acquireReadWriteArea() error {
	deadline := time.Now().Add(edeadlkRecoveryBudget)
	for {
		err := c.backend.AcquireWriteLock(LockReadWriteArea)
		if err == nil {
			c.locks.setHeld(LockReadWriteArea, true)
			return nil
		}
		if !isDeadlock(err) {
			return &LockAcquireFailedError{Lock: LockReadWriteArea, Err: err}
		}
		if time.Now().After(deadline) {
			return &LockAcquireFailedError{Lock: LockReadWriteArea, Err: err}
		}

		heldWrite := c.locks.isHeld(LockWrite)
		heldRWAreaOnly := c.locks.isHeld(LockReadWriteArea) && !heldWrite

		if heldRWAreaOnly {
			// Case B: we hold read-write-area alone and the kernel
			// reports a lock-ordering cycle against some other
			// process. Break the cycle by releasing it, taking the
			// write lock (restoring write → read-write-area order),
			// reacquiring read-write-area under its protection, then
			// releasing the write lock again.
			c.backend.ReleaseWriteLock(LockReadWriteArea)
			c.locks.setHeld(LockReadWriteArea, false)
			if werr := c.backend.AcquireWriteLock(LockWrite); werr != nil {
				return &LockAcquireFailedError{Lock: LockWrite, Err: werr}
			}
			c.locks.setHeld(LockWrite, true)
			rerr := c.backend.AcquireWriteLock(LockReadWriteArea)
			c.locks.setHeld(LockReadWriteArea, rerr == nil)
			c.backend.ReleaseWriteLock(LockWrite)
			c.locks.setHeld(LockWrite, false)
			if rerr != nil {
				return &LockAcquireFailedError{Lock: LockReadWriteArea, Err: rerr}
			}
			return nil
		}

		// Cases A and C: we already hold (or are in the process of
		// taking) the write lock, so ordering is already correct; the
		// EDEADLK is transient contention from another process's own
		// recovery cycle. Back off briefly and retry.
		time.Sleep(edeadlkRetryBackoff)
	}
}

func (c *Cache) releaseReadWriteArea() {
	c.backend.ReleaseWriteLock(LockReadWriteArea)
	c.locks.setHeld(LockReadWriteArea, false)
}

// EnterWriteMutex acquires the write lock, the outer lock in the
// write → read-write-area ordering rule. lockWholeCache additionally
// sets the header's `locked` bit so walk_next callers elsewhere can
// detect a wholesale edit in progress (spec §4.4, §8: "enter_write_mutex
// leaves locked == 0" after a balanced exit).
func (c *Cache) EnterWriteMutex(lockWholeCache bool) error {
	if err := c.acquireSimple(LockWrite); err != nil {
		return err
	}
	if lockWholeCache {
		c.withHeaderUnprotected(func() {
			c.hdr().Locked = 1
		})
	}
	return nil
}

// ExitWriteMutex releases the write lock.
func (c *Cache) ExitWriteMutex() {
	c.withHeaderUnprotected(func() {
		c.hdr().Locked = 0
	})
	c.releaseSimple(LockWrite)
}

// EnterReadMutex registers this handle as an active reader. The
// attach-read lock is purely an advisory counter (spec §6); it never
// blocks.
func (c *Cache) EnterReadMutex() error {
	c.incReaderCount(1)
	return nil
}

// ExitReadMutex unregisters this handle as an active reader.
func (c *Cache) ExitReadMutex() {
	c.incReaderCount(-1)
}

// EnterReadWriteAreaMutex acquires the intern-table sub-region lock.
// Per spec §3/§4.4, read_write_crash_counter is bumped on every non-
// read-only entry and unwound on exit, exactly analogous to the header
// crash_counter bracketing in protect.go: a process that dies while
// holding the lock leaves the counter out of step with
// read_write_rebuild_counter, and the next entrant observes that
// mismatch here and reports rebuildCache so its caller knows the
// intern table may be torn and must be rebuilt. rebuildLocal reports
// the same staleness against this handle's own last-seen value, so a
// long-lived attacher that missed an earlier rebuild still catches up.
func (c *Cache) EnterReadWriteAreaMutex(readOnly bool) (rebuildLocal, rebuildCache bool, err error) {
	if !readOnly {
		if err := c.acquireReadWriteArea(); err != nil {
			return false, false, err
		}
	}
	h := c.hdr()
	oldCrash := h.ReadWriteCrashCounter

	c.incrementedRWCrash = false
	if !readOnly {
		c.withHeaderUnprotected(func() {
			h.ReadWriteCrashCounter = oldCrash + 1
		})
		c.incrementedRWCrash = true
	}

	if oldCrash != h.ReadWriteRebuildCounter {
		rebuildCache = true
		c.withHeaderUnprotected(func() {
			h.ReadWriteRebuildCounter = oldCrash
		})
	}
	rebuildLocal = c.localRWCrashCounter != oldCrash
	c.localRWCrashCounter = oldCrash
	return rebuildLocal, rebuildCache, nil
}

// ExitReadWriteAreaMutex releases the read-write-area lock. resetReason
// nonzero bumps read_write_rebuild_counter so other attached processes
// observe that the sub-region was reset and should rebuild their local
// view of it. If EnterReadWriteAreaMutex incremented
// read_write_crash_counter, a clean exit unwinds it so a crash between
// Enter and Exit is exactly the case that leaves the counter out of
// step with read_write_rebuild_counter for the next entrant to detect.
func (c *Cache) ExitReadWriteAreaMutex(resetReason int) {
	if resetReason != 0 {
		c.withHeaderUnprotected(func() {
			c.hdr().ReadWriteRebuildCounter++
		})
	}
	if c.incrementedRWCrash {
		c.withHeaderUnprotected(func() {
			c.hdr().ReadWriteCrashCounter--
		})
		c.incrementedRWCrash = false
	}
	if c.locks.isHeld(LockReadWriteArea) {
		c.releaseReadWriteArea()
	}
}

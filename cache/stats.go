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

// Stats is the optional ENABLE_STATS telemetry surface (SPEC_FULL.md
// §7 "Supplemented Features"), modeled after tenant/dcache.Cache's
// atomically-accessed hits/misses/failures counters. All fields are
// accessed atomically and are safe for concurrent use; they are purely
// advisory and never gate correctness.
type Stats struct {
	allocations   int64
	commits       int64
	rollbacks     int64
	allocFailures int64
	walkSteps     int64
	staleSkipped  int64
}

func (s *Stats) recordAlloc()        { atomic.AddInt64(&s.allocations, 1) }
func (s *Stats) recordCommit()       { atomic.AddInt64(&s.commits, 1) }
func (s *Stats) recordRollback()     { atomic.AddInt64(&s.rollbacks, 1) }
func (s *Stats) recordAllocFailure() { atomic.AddInt64(&s.allocFailures, 1) }
func (s *Stats) recordWalkStep()     { atomic.AddInt64(&s.walkSteps, 1) }
func (s *Stats) recordStaleSkip()    { atomic.AddInt64(&s.staleSkipped, 1) }

// Allocations returns the number of allocate_* calls that returned
// successfully (commit pending).
func (s *Stats) Allocations() int64 { return atomic.LoadInt64(&s.allocations) }

// Commits returns the number of allocations finalized with Commit.
func (s *Stats) Commits() int64 { return atomic.LoadInt64(&s.commits) }

// Rollbacks returns the number of allocations discarded with Rollback.
func (s *Stats) Rollbacks() int64 { return atomic.LoadInt64(&s.rollbacks) }

// AllocFailures returns the number of allocate_* calls that returned
// an AllocationFullError.
func (s *Stats) AllocFailures() int64 { return atomic.LoadInt64(&s.allocFailures) }

// WalkSteps returns the total number of entries WalkNext has stepped
// over across all cursors, counting both the entries it returned and
// the stale entries it skipped.
func (s *Stats) WalkSteps() int64 { return atomic.LoadInt64(&s.walkSteps) }

// StaleSkipped returns the number of entries WalkNext has silently
// skipped because they were stale and the caller asked to exclude them.
func (s *Stats) StaleSkipped() int64 { return atomic.LoadInt64(&s.staleSkipped) }

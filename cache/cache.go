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
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Logger is the optional sink for diagnostic messages this package
// itself never needs to act on (corrupt-cache detection, softmax and
// sub-account clamps, destroy failures). Matches tenant/dcache.Logger exactly:
// any *log.Logger satisfies it with no adapter.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Cache is a handle to one process's attachment to a composite cache
// region. A Cache is not safe for concurrent use by multiple goroutines
// performing allocate/commit/rollback at once (spec §4.1: "single
// outstanding allocation per writer"); give each writing goroutine its
// own Cache, or serialize access externally. Read-only operations
// (WalkNext, Stale, CheckUpdates) are safe to call concurrently with
// each other and with another goroutine's allocation sequence.
type Cache struct {
	// Logger, if non-nil, receives diagnostic messages (corrupt-cache
	// detection, softmax/sub-account clamping, destroy failures).
	Logger Logger

	// Stats holds ENABLE_STATS telemetry counters. Always updated;
	// whether a host surfaces them is its own business.
	Stats Stats

	// Generation is a per-attach-handle random tag, useful for
	// correlating log lines from the same process's lifetime across a
	// long-running host; it is never persisted to the region.
	Generation uuid.UUID

	path    string
	mem     []byte
	backend Backend
	cfg     Config
	res     resolved
	readOnly bool

	locks lockManager
	prot  protectCounters

	updates updatePropagator
	corrupt corruptLatch

	localCorruptCode  CorruptionCode
	localCorruptValue uint64

	jvmID                uint16
	hashKey0, hashKey1   uint64
	writeHashStaleChecks int
	localRWCrashCounter  uint32
	incrementedRWCrash   bool

	debugMu    sync.Mutex
	debugIndex map[[32]byte]int64

	// Single-outstanding-allocation bookkeeping (spec §4.1); see
	// alloc.go's clearPending for the authoritative field list.
	pendingActive         bool
	pendingHasEntry       bool
	pendingEntry          *MetadataEntry
	pendingDataType       DataType
	pendingJVMID          uint16
	pendingLogLen         int64
	pendingSegLen         int64
	pendingReadWriteLen   int64
	pendingAOTCharge      int64
	pendingJITCharge      int64
	pendingDebugClassKey  [32]byte
	pendingDebugLoGrowth  int64
	pendingDebugHiGrowth  int64
}

// ReaderCount reports the header's current advisory attach-read tally.
func (c *Cache) ReaderCount() uint32 { return loadUint32(c.hdr().atomicReaderCount()) }

func (c *Cache) incReaderCount(delta int) {
	p := c.hdr().atomicReaderCount()
	for {
		old := loadUint32(p)
		var next uint32
		if delta < 0 {
			if old == 0 {
				return
			}
			next = old - 1
		} else {
			next = old + 1
		}
		if casUint32(p, old, next) {
			return
		}
	}
}

// ReadOnly reports whether this handle attached in read-only mode
// (either ENABLE_READONLY was requested, or the header write lock could
// not be acquired and the host chose to degrade rather than fail).
func (c *Cache) ReadOnly() bool { return c.readOnly }

// Path returns the backing store path this handle is attached to.
func (c *Cache) Path() string { return c.path }

func newGeneration() uuid.UUID {
	g, err := uuid.NewRandom()
	if err != nil {
		// uuid.NewRandom only fails if the system RNG is broken; fall
		// back to the nil UUID rather than panicking, since Generation
		// is diagnostic-only.
		return uuid.UUID{}
	}
	return g
}

func deriveHashKeys(mem []byte) (k0, k1 uint64) {
	var seed [16]byte
	rand.Read(seed[:])
	k0 = binary.LittleEndian.Uint64(seed[0:8])
	k1 = binary.LittleEndian.Uint64(seed[8:16])
	if len(mem) >= headerSize {
		k0 ^= binary.LittleEndian.Uint64(mem[8:16])
	}
	return k0, k1
}

// Create initializes a brand-new region at path, overwriting anything
// already there, and attaches to it. Hosts that want "create if
// missing, else attach" semantics should use Open instead; Create is
// for callers (tests, the cctool CLI, a fresh fleet member) that know
// they want a clean cache.
func Create(path string, cfg Config) (*Cache, error) {
	res := cfg.resolve()
	if res.total < int64(headerSize)+8 {
		return nil, &StartupError{Kind: StartupFailed, Err: fmt.Errorf("cache: requested size %d too small", res.total)}
	}
	_ = os.Remove(path)
	b := newBackend(path)
	if err := b.OpenOrCreate(path, 0o644, res.total); err != nil {
		return nil, &IOFailureError{Op: "open_or_create", Err: err}
	}
	mem, err := b.Attach()
	if err != nil {
		return nil, &IOFailureError{Op: "attach", Err: err}
	}
	c := &Cache{
		path:       path,
		mem:        mem,
		backend:    b,
		cfg:        cfg,
		res:        res,
		readOnly:   cfg.RuntimeFlags.has(EnableReadonly),
		Generation: newGeneration(),
	}
	c.hashKey0, c.hashKey1 = deriveHashKeys(mem)
	c.initializeFreshHeader()
	if err := c.finishAttach(); err != nil {
		b.Detach(mem)
		return nil, err
	}
	return c, nil
}

// initializeFreshHeader lays out a brand-new region's header fields.
// Called only by Create, before any other process could possibly be
// attached, so no locking is required here.
func (c *Cache) initializeFreshHeader() {
	h := c.hdr()
	*h = header{}
	h.Eyecatcher = eyecatcher
	h.TotalBytes = c.res.total
	h.ReadWriteBytes = headerSize + c.res.readWrite
	h.SegmentSRP = h.ReadWriteBytes
	h.ReadWriteSRP = headerSize
	h.DebugRegionSize = c.res.debugArea
	h.UpdateSRP = h.TotalBytes - h.DebugRegionSize
	h.LineNumberTableNextSRP = h.UpdateSRP
	h.LocalVariableTableNextSRP = h.TotalBytes
	h.SoftMaxBytes = c.res.softMax
	h.MinAOT, h.MaxAOT = c.res.minAOT, c.res.maxAOT
	h.MinJIT, h.MaxJIT = c.res.minJIT, c.res.maxJIT
	if freeBlock := h.UpdateSRP - h.SegmentSRP; h.MinAOT > freeBlock {
		h.MinAOT = max0(freeBlock)
	}
	h.OSPageSize = int64(c.backend.PageSize())
	h.CCInitComplete = ccInitMemoryComplete
	if c.cfg.RuntimeFlags.has(EnableMprotectPartialPages) {
		h.ExtraFlags |= extraMprotectPartialPages
	}
}

// OpenReason documents why a caller is attaching, mirroring spec §6's
// startup(..., reason) parameter; it is carried in Config.Reason and
// exists here only as a doc anchor for that field's intent (e.g.
// "jvm-bootstrap", "ahead-of-time-compiler", "tooling").
type OpenReason = string

// Open attaches to the region at path, creating it first if it does
// not exist (unless DoNotCreateCache is set, in which case a missing
// region is StartupError{Kind: StartupNoCache}). Existing regions are
// fully validated per spec §4.7/§6 before being returned to the caller.
func Open(path string, cfg Config, reason OpenReason) (*Cache, error) {
	cfg.Reason = reason
	res := cfg.resolve()

	b := newBackend(path)
	exists := true
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, &IOFailureError{Op: "stat", Err: err}
		}
		exists = false
	}
	if !exists && cfg.RuntimeFlags.has(DoNotCreateCache) {
		return nil, &StartupError{Kind: StartupNoCache}
	}
	if err := b.OpenOrCreate(path, 0o644, res.total); err != nil {
		return nil, &IOFailureError{Op: "open_or_create", Err: err}
	}
	mem, err := b.Attach()
	if err != nil {
		return nil, &IOFailureError{Op: "attach", Err: err}
	}

	c := &Cache{
		path:       path,
		mem:        mem,
		backend:    b,
		cfg:        cfg,
		res:        res,
		readOnly:   cfg.RuntimeFlags.has(EnableReadonly),
		Generation: newGeneration(),
	}
	c.hashKey0, c.hashKey1 = deriveHashKeys(mem)

	if !exists {
		c.initializeFreshHeader()
	} else if err := c.validateExisting(); err != nil {
		b.Detach(mem)
		return nil, err
	}
	if err := c.finishAttach(); err != nil {
		b.Detach(mem)
		return nil, err
	}
	return c, nil
}

// validateExisting runs the startup validation sequence of spec §6/
// §4.7/§8 against a region this process did not just create.
func (c *Cache) validateExisting() error {
	if int64(len(c.mem)) < int64(headerSize)+8 {
		return &StartupError{Kind: StartupCorrupt, Code: CodeCacheSizeInvalid, Value: uint64(len(c.mem))}
	}
	h := c.hdr()
	if h.Eyecatcher != eyecatcher {
		return &StartupError{Kind: StartupCorrupt, Code: CodeCacheHeaderBadEyecatcher}
	}
	if h.TotalBytes != int64(len(c.mem)) {
		return &StartupError{Kind: StartupCorrupt, Code: CodeCacheHeaderIncorrectCacheSize, Value: uint64(h.TotalBytes)}
	}
	if h.CCInitComplete&ccInitMemoryComplete == 0 {
		return &StartupError{Kind: StartupCorrupt, Code: CodeCacheBadCCInit}
	}
	if h.CrashCounter%2 != 0 {
		// A writer died mid critical-section (spec §3: "odd/nonzero on
		// reattach means a previous writer crashed mid-update"). The
		// header itself is not necessarily corrupt — only the field(s)
		// that update was protecting might be — but this module cannot
		// tell which, so it reports StartupReset and lets the host
		// decide whether to discard and recreate or to retry. See
		// DESIGN.md for why this is not auto-escalated to Corrupt.
		return &StartupError{Kind: StartupReset}
	}
	// CRC is only meaningful once a prior clean shutdown sealed it
	// (durable init complete); a cache that has only ever been through
	// in-memory init has crc_valid == 0 by construction and is not
	// checked here.
	if h.CCInitComplete&ccInitDurableComplete != 0 {
		if !c.verifyCRC() {
			c.markCorrupt(CodeCacheCRCInvalid, uint64(h.CRCValue))
			return &StartupError{Kind: StartupCorrupt, Code: CodeCacheCRCInvalid, Value: uint64(h.CRCValue)}
		}
	}
	return nil
}

// finishAttach mints a JVM id, bumps the header's advisory counters,
// and applies the Windows attach workaround and initial segment
// protection. Common tail of Create and Open.
func (c *Cache) finishAttach() error {
	h := c.hdr()
	if !c.readOnly {
		failures := 0
		for {
			err := c.acquireSimple(LockHeaderWrite)
			if err == nil {
				break
			}
			failures++
			if failures >= 2 {
				c.markCorrupt(CodeAcquireHeaderWriteLockFailed, 0)
				return &StartupError{Kind: StartupCorrupt, Code: CodeAcquireHeaderWriteLockFailed, Err: err}
			}
		}
		c.withHeaderUnprotected(func() {
			c.jvmID = h.mintJVMID()
			atomic.AddUint32(h.atomicWriterCount(), 1)
		})
		c.releaseSimple(LockHeaderWrite)
	} else {
		c.jvmID = uint16(h.VMCounter + 1)
	}
	c.incReaderCount(1)

	c.windowsAttachWorkaround()
	c.protectSegmentThrough(h.SegmentSRP, true)
	return nil
}

// Shutdown detaches this handle cleanly: it decrements the advisory
// counters, seals the CRC while the write lock is held and
// deny_cache_updates is in effect (spec §4.6), and unmaps the region.
// It does not remove the backing store; see Destroy.
func (c *Cache) Shutdown() error {
	c.ExitReadMutex()

	if !c.readOnly {
		if err := c.EnterWriteMutex(true); err != nil {
			return err
		}
		c.cfg.RuntimeFlags |= DenyCacheUpdates
		if !c.isCorrupt() {
			c.sealCRC()
			c.withHeaderUnprotected(func() {
				c.hdr().CCInitComplete |= ccInitDurableComplete
			})
		}
		c.ExitWriteMutex()
		c.withHeaderUnprotected(func() {
			if c.hdr().WriterCount > 0 {
				atomic.AddUint32(c.hdr().atomicWriterCount(), ^uint32(0))
			}
		})
	}
	if c.cfg.RuntimeFlags.has(EnableMsync) && c.backend.Capabilities()&CapMsync != 0 {
		if err := c.backend.Msync(c.mem); err != nil {
			return &IOFailureError{Op: "msync", Err: err}
		}
	}
	if err := c.backend.Detach(c.mem); err != nil {
		return &IOFailureError{Op: "detach", Err: err}
	}
	return nil
}

// Destroy unmaps (if still attached) and removes the backing store
// entirely. suppressVerbose mirrors spec §6's destroy(suppress_verbose)
// parameter: when true, no Logger messages are emitted for an expected,
// intentional teardown (e.g. test cleanup) rather than a failure.
func (c *Cache) Destroy(suppressVerbose bool) error {
	if c.mem != nil {
		c.backend.Detach(c.mem)
		c.mem = nil
	}
	if err := c.backend.Destroy(); err != nil {
		if !suppressVerbose && c.Logger != nil {
			c.Logger.Printf("cache: destroy %s: %s", c.path, err)
		}
		return &IOFailureError{Op: "destroy", Err: err}
	}
	return nil
}

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
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// S2: create a cache, install one entry, shut down cleanly. Reopening
// must see crc_valid sealed, update_count carried over, and a walk
// that yields exactly the installed entry.
func TestCreateCommitShutdownReopenS2(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shclasscache")
	cfg := Config{SharedClassCacheSize: 65536, SharedClassSoftMaxBytes: -1}

	c1, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	entry, payload, err := c1.AllocateMetadata(DataTypeROMClass, 16, 0, 0)
	if err != nil {
		t.Fatalf("AllocateMetadata: %v", err)
	}
	copy(payload, "0123456789abcdef")
	entryOffset := entry.Offset()
	if err := c1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := c1.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	c2, err := Open(path, cfg, "test-reopen")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c2.Destroy(true)

	if c2.hdr().CRCValid != crcValidMagic {
		t.Fatalf("CRCValid = %d, want %d after clean shutdown", c2.hdr().CRCValid, crcValidMagic)
	}
	if !c2.verifyCRC() {
		t.Fatal("verifyCRC failed on a cleanly-shut-down cache")
	}
	if c2.hdr().UpdateCount != 1 {
		t.Fatalf("UpdateCount = %d, want 1", c2.hdr().UpdateCount)
	}

	cur := c2.FindStart()
	e, err := c2.WalkNext(cur, false)
	if err != nil {
		t.Fatalf("WalkNext: %v", err)
	}
	if e == nil {
		t.Fatal("expected the installed entry, got none")
	}
	if e.Offset() != entryOffset {
		t.Fatalf("entry offset = %d, want %d", e.Offset(), entryOffset)
	}
	if string(e.Payload()) != "0123456789abcdef" {
		t.Fatalf("payload = %q, want the installed bytes", e.Payload())
	}
	if e2, err := c2.WalkNext(cur, false); err != nil || e2 != nil {
		t.Fatalf("expected walk to be exhausted after one entry, got (%v, %v)", e2, err)
	}
}

// S3: corrupting an entry's length field on disk must not be detected
// at Open time (validateExisting never walks the log) but must surface
// as ITEM_LENGTH_CORRUPT on the first walk_next, and a read-only
// attacher must never persist corrupt_flag into the shared header.
func TestCorruptEntryDetectedOnWalkS3(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shclasscache")
	cfg := Config{SharedClassCacheSize: 65536, SharedClassSoftMaxBytes: -1}

	c1, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	entry, _, err := c1.AllocateMetadata(DataTypeROMClass, 16, 0, 0)
	if err != nil {
		t.Fatalf("AllocateMetadata: %v", err)
	}
	entryOffset := entry.Offset()
	if err := c1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := c1.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Corrupt the entry's length-and-stale field directly on disk.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	var zero [4]byte
	binary.LittleEndian.PutUint32(zero[:], 0)
	if _, err := f.WriteAt(zero[:], entryOffset); err != nil {
		t.Fatalf("write corruption: %v", err)
	}
	f.Close()

	roCfg := cfg
	roCfg.RuntimeFlags = EnableReadonly | EnableStats
	c2, err := Open(path, roCfg, "test-readonly")
	if err != nil {
		t.Fatalf("Open(read-only) on a corrupt-at-rest cache should not fail at startup: %v", err)
	}
	defer c2.Destroy(true)

	cur := c2.FindStart()
	_, err = c2.WalkNext(cur, false)
	var corrupt *CorruptError
	if !errors.As(err, &corrupt) {
		t.Fatalf("WalkNext: got %v, want *CorruptError", err)
	}
	if corrupt.Code != CodeItemLengthCorrupt {
		t.Fatalf("CorruptError.Code = %s, want %s", corrupt.Code, CodeItemLengthCorrupt)
	}
	if c2.hdr().CorruptFlag != 0 {
		t.Fatal("read-only attacher persisted corrupt_flag into the shared header")
	}
	if !c2.isCorrupt() {
		t.Fatal("read-only attacher's local corrupt latch was not set")
	}
}

// Boundary behavior: an undersized region fails Open/Create-equivalent
// validation with StartupError{Kind: StartupCorrupt, Code:
// CodeCacheSizeInvalid}.
func TestUndersizedCacheStartupError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shclasscache")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatalf("seed undersized file: %v", err)
	}

	cfg := Config{SharedClassCacheSize: 64, SharedClassSoftMaxBytes: -1}
	_, err := Open(path, cfg, "test-undersized")
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Open: got %v, want *StartupError", err)
	}
	if startup.Kind != StartupCorrupt || startup.Code != CodeCacheSizeInvalid {
		t.Fatalf("StartupError = {Kind: %s, Code: %s}, want {Corrupt, CACHE_SIZE_INVALID}", startup.Kind, startup.Code)
	}
}

// A crash counter left odd by a writer that died mid critical-section
// is reported as StartupReset rather than escalated to Corrupt (spec
// §3/§7; see DESIGN.md).
func TestOddCrashCounterIsResetNotCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shclasscache")
	cfg := Config{SharedClassCacheSize: 65536, SharedClassSoftMaxBytes: -1}

	c1, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Simulate a writer that died mid critical-section: set crash_counter
	// odd directly, without going through withHeaderUnprotected's paired
	// increment/decrement (which would just undo it).
	c1.hdr().CrashCounter = 1
	if err := c1.backend.Detach(c1.mem); err != nil {
		t.Fatalf("detach: %v", err)
	}

	_, err = Open(path, cfg, "test-crash-reset")
	var startup *StartupError
	if !errors.As(err, &startup) {
		t.Fatalf("Open: got %v, want *StartupError", err)
	}
	if startup.Kind != StartupReset {
		t.Fatalf("StartupError.Kind = %s, want %s", startup.Kind, StartupReset)
	}
}

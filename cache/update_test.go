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
	"path/filepath"
	"testing"
)

// S5: a second attached handle observes a commit made by the first
// through CheckUpdates/DoneReadUpdates, and acknowledging the pending
// count brings it back to zero.
func TestCheckUpdatesAcrossHandlesS5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shclasscache")
	cfg := Config{SharedClassCacheSize: 65536, SharedClassSoftMaxBytes: -1}

	a, err := Create(path, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer a.Destroy(true)

	b, err := Open(path, cfg, "test-second-handle")
	if err != nil {
		t.Fatalf("Open (second handle): %v", err)
	}
	defer b.backend.Detach(b.mem)

	if n := b.CheckUpdates(); n != 0 {
		t.Fatalf("CheckUpdates before any commit = %d, want 0", n)
	}

	if _, _, err := a.AllocateMetadata(DataTypeROMClass, 32, 0, 0); err != nil {
		t.Fatalf("AllocateMetadata: %v", err)
	}
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	n := b.CheckUpdates()
	if n != 1 {
		t.Fatalf("CheckUpdates after one commit = %d, want 1", n)
	}

	cur := b.FindStart()
	e, err := b.WalkNext(cur, false)
	if err != nil {
		t.Fatalf("WalkNext: %v", err)
	}
	if e == nil {
		t.Fatal("second handle did not observe the committed entry")
	}

	b.DoneReadUpdates(n)
	if got := b.CheckUpdates(); got != 0 {
		t.Fatalf("CheckUpdates after DoneReadUpdates(%d) = %d, want 0", n, got)
	}

	// DoneReadUpdates(0) is a no-op, not a regression to a negative count.
	b.DoneReadUpdates(0)
	if got := b.CheckUpdates(); got != 0 {
		t.Fatalf("CheckUpdates after a no-op DoneReadUpdates(0) = %d, want 0", got)
	}
}

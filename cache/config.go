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

	"sigs.k8s.io/yaml"
)

// RuntimeFlags is the bitset of spec §6's enumerated runtime flags.
type RuntimeFlags uint32

const (
	EnableMprotect RuntimeFlags = 1 << iota
	EnableMprotectAll
	EnableMprotectRW
	EnableMprotectPartialPages
	MprotectPartialPagesOnStartup
	EnableMprotectOnFind
	EnableRoundToPageSize
	EnableMsync
	EnableReadonly
	EnableReduceStoreContention
	EnableStats
	DoNotCreateCache
	Snapshot
	DenyCacheUpdates
	DisableCorruptCacheDumps
	DetectNetworkCache
	ForceDumpIfCorrupt
	RestrictClasspaths
	AllowClasspaths
)

func (f RuntimeFlags) has(bit RuntimeFlags) bool { return f&bit != 0 }

// Config is the set of host-supplied configuration inputs enumerated
// in spec §6. A field value of -1 means "default, proportional to
// cache size" (see SPEC_FULL.md §7 for the proportions used).
type Config struct {
	SharedClassCacheSize          int64 `json:"sharedClassCacheSize"`
	SharedClassReadWriteBytes     int64 `json:"sharedClassReadWriteBytes"`
	SharedClassSoftMaxBytes       int64 `json:"sharedClassSoftMaxBytes"`
	SharedClassMinAOTSize         int64 `json:"sharedClassMinAOTSize"`
	SharedClassMaxAOTSize         int64 `json:"sharedClassMaxAOTSize"`
	SharedClassMinJITSize         int64 `json:"sharedClassMinJITSize"`
	SharedClassMaxJITSize         int64 `json:"sharedClassMaxJITSize"`
	SharedClassDebugAreaBytes     int64 `json:"sharedClassDebugAreaBytes"`
	SharedClassInternTableNodeCount int64 `json:"sharedClassInternTableNodeCount"`

	RuntimeFlags RuntimeFlags `json:"runtimeFlags"`

	// VerboseFlags and Reason are accepted for interface completeness
	// with spec §6's startup signature but are otherwise opaque to the
	// CCE (trace formatting and the verbose-message catalog are
	// Non-goals).
	VerboseFlags uint32 `json:"verboseFlags"`
	Reason       string `json:"reason"`
}

// LoadConfigYAML parses host configuration from YAML using
// sigs.k8s.io/yaml (round-tripped through JSON, matching how the
// teacher repo's go.mod already depends on this package for k8s-style
// manifests). Unset numeric fields default to -1 (proportional).
func LoadConfigYAML(doc []byte) (Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return Config{}, fmt.Errorf("cache: parsing config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		SharedClassCacheSize:            -1,
		SharedClassReadWriteBytes:       -1,
		SharedClassSoftMaxBytes:         -1,
		SharedClassMinAOTSize:           -1,
		SharedClassMaxAOTSize:           -1,
		SharedClassMinJITSize:           -1,
		SharedClassMaxJITSize:           -1,
		SharedClassDebugAreaBytes:       -1,
		SharedClassInternTableNodeCount: -1,
	}
}

// resolved holds the config after -1 defaults have been expanded
// against a concrete total size (SPEC_FULL.md §7's proportions).
type resolved struct {
	total      int64
	readWrite  int64
	softMax    int64
	minAOT     int64
	maxAOT     int64
	minJIT     int64
	maxJIT     int64
	debugArea  int64
}

const defaultCacheSize = 16 << 20 // 16 MiB, matching common JVM shared-cache defaults

func (c Config) resolve() resolved {
	total := c.SharedClassCacheSize
	if total < 0 {
		total = defaultCacheSize
	}
	pick := func(v, proportion int64) int64 {
		if v >= 0 {
			return v
		}
		return total * proportion / 100
	}
	r := resolved{
		total:     total,
		readWrite: pick(c.SharedClassReadWriteBytes, 5),
		softMax:   pick(c.SharedClassSoftMaxBytes, 100),
		minAOT:    pick(c.SharedClassMinAOTSize, 0),
		maxAOT:    pick(c.SharedClassMaxAOTSize, 25),
		minJIT:    pick(c.SharedClassMinJITSize, 0),
		maxJIT:    pick(c.SharedClassMaxJITSize, 25),
		debugArea: pick(c.SharedClassDebugAreaBytes, 10),
	}
	return r
}

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

func loadUint32(p *uint32) uint32             { return atomic.LoadUint32(p) }
func storeUint32(p *uint32, v uint32)          { atomic.StoreUint32(p, v) }
func casUint32(p *uint32, old, new uint32) bool { return atomic.CompareAndSwapUint32(p, old, new) }

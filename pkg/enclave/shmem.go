// Copyright 2025 The Teevisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package enclave

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"teevisor.dev/teevisor/pkg/hostarch"
)

// sharedRegionSet is an ordered set of non-overlapping shared-memory
// ranges. Lookups run on every fault classification, potentially from many
// cores at once; mutation happens only while the enclave's memory layout is
// being changed, so a reader/writer lock fits.
type sharedRegionSet struct {
	mu      sync.RWMutex
	regions *btree.BTreeG[hostarch.AddrRange]
}

const sharedRegionBTreeDegree = 8

func newSharedRegionSet() sharedRegionSet {
	return sharedRegionSet{
		regions: btree.NewG(sharedRegionBTreeDegree, func(a, b hostarch.AddrRange) bool {
			return a.Start < b.Start
		}),
	}
}

// add registers r. Overlap with an existing region is a caller error.
func (s *sharedRegionSet) add(r hostarch.AddrRange) error {
	if !r.WellFormed() || r.Length() == 0 {
		return fmt.Errorf("invalid shared region %v", r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	overlap := false
	s.regions.DescendLessOrEqual(hostarch.AddrRange{Start: r.End}, func(o hostarch.AddrRange) bool {
		if o.Overlaps(r) {
			overlap = true
			return false
		}
		// Regions are disjoint and sorted; once one ends at or below
		// r.Start, nothing earlier can overlap.
		return o.End > r.Start
	})
	if overlap {
		return fmt.Errorf("shared region %v overlaps an existing region", r)
	}
	s.regions.ReplaceOrInsert(r)
	return nil
}

// remove drops the region previously added as r. It must match exactly.
func (s *sharedRegionSet) remove(r hostarch.AddrRange) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	got, ok := s.regions.Get(hostarch.AddrRange{Start: r.Start})
	if !ok || got != r {
		return false
	}
	s.regions.Delete(r)
	return true
}

// contains returns true if addr falls in any registered region.
func (s *sharedRegionSet) contains(addr hostarch.Addr) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := false
	s.regions.DescendLessOrEqual(hostarch.AddrRange{Start: addr, End: ^hostarch.Addr(0)}, func(o hostarch.AddrRange) bool {
		found = o.Contains(addr)
		return false
	})
	return found
}

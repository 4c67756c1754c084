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
	"sync"
	"testing"

	"teevisor.dev/teevisor/pkg/hostarch"
)

func region(start, end hostarch.Addr) hostarch.AddrRange {
	return hostarch.AddrRange{Start: start, End: end}
}

func TestSharedRegionSetBasic(t *testing.T) {
	s := newSharedRegionSet()
	r := region(0x10000, 0x20000)
	if err := s.add(r); err != nil {
		t.Fatalf("add(%v): %v", r, err)
	}

	for _, tc := range []struct {
		addr hostarch.Addr
		want bool
	}{
		{0xffff, false},
		{0x10000, true},
		{0x1ffff, true},
		{0x20000, false}, // End is exclusive.
		{0x30000, false},
	} {
		if got := s.contains(tc.addr); got != tc.want {
			t.Errorf("contains(%#x): got %v, want %v", uintptr(tc.addr), got, tc.want)
		}
	}

	if !s.remove(r) {
		t.Fatalf("remove(%v) failed", r)
	}
	if s.contains(0x10000) {
		t.Errorf("contains(0x10000) after remove")
	}
}

func TestSharedRegionSetRejectsOverlap(t *testing.T) {
	s := newSharedRegionSet()
	for _, r := range []hostarch.AddrRange{
		region(0x10000, 0x30000),
		region(0x40000, 0x50000),
	} {
		if err := s.add(r); err != nil {
			t.Fatalf("add(%v): %v", r, err)
		}
	}

	for _, r := range []hostarch.AddrRange{
		region(0x08000, 0x18000), // Tail overlaps the first region.
		region(0x20000, 0x40000), // Overlaps the first, abuts the second.
		region(0x10000, 0x30000), // Exact duplicate.
		region(0x08000, 0x60000), // Spans everything.
		region(0x48000, 0x49000), // Inside the second region.
	} {
		if err := s.add(r); err == nil {
			t.Errorf("add(%v): expected overlap rejection", r)
		}
	}

	// Abutting but disjoint regions are fine.
	if err := s.add(region(0x30000, 0x40000)); err != nil {
		t.Errorf("add abutting region: %v", err)
	}
}

func TestSharedRegionSetRejectsMalformed(t *testing.T) {
	s := newSharedRegionSet()
	if err := s.add(region(0x2000, 0x1000)); err == nil {
		t.Errorf("add accepted an inverted range")
	}
	if err := s.add(region(0x1000, 0x1000)); err == nil {
		t.Errorf("add accepted an empty range")
	}
}

func TestSharedRegionSetRemoveExactMatchOnly(t *testing.T) {
	s := newSharedRegionSet()
	if err := s.add(region(0x10000, 0x30000)); err != nil {
		t.Fatalf("add: %v", err)
	}
	if s.remove(region(0x10000, 0x20000)) {
		t.Errorf("remove succeeded with a partial range")
	}
	if s.remove(region(0x20000, 0x30000)) {
		t.Errorf("remove succeeded with a mismatched start")
	}
	if !s.contains(0x10000) {
		t.Errorf("region vanished after failed removes")
	}
}

func TestSharedRegionSetConcurrentReaders(t *testing.T) {
	s := newSharedRegionSet()
	if err := s.add(region(0x10000, 0x20000)); err != nil {
		t.Fatalf("add: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s.contains(0x18000)
				s.contains(0x28000)
			}
		}()
	}
	for i := 0; i < 100; i++ {
		r := region(hostarch.Addr(0x100000+i*0x1000), hostarch.Addr(0x100000+(i+1)*0x1000))
		if err := s.add(r); err != nil {
			t.Fatalf("add(%v): %v", r, err)
		}
	}
	wg.Wait()
}

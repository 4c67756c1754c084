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

package vmm

import (
	"fmt"
	"sync"

	"teevisor.dev/teevisor/pkg/hostarch"
)

// NestedPageTable is a page-granular translation table keyed by virtual
// page. The root's physical address is fixed at construction; the entries
// themselves live in ordinary memory and are walked by the fault handlers,
// never by hardware in this model.
//
// Safe for concurrent use.
type NestedPageTable struct {
	root hostarch.PhysAddr

	mu       sync.RWMutex
	mappings map[hostarch.Addr]hostarch.PhysAddr
}

// NewNestedPageTable returns an empty table rooted at root.
func NewNestedPageTable(root hostarch.PhysAddr) *NestedPageTable {
	return &NestedPageTable{
		root:     root,
		mappings: make(map[hostarch.Addr]hostarch.PhysAddr),
	}
}

// RootPaddr implements enclave.NestedPageTable.RootPaddr.
func (p *NestedPageTable) RootPaddr() hostarch.PhysAddr {
	return p.root
}

// Map implements enclave.NestedPageTable.Map.
func (p *NestedPageTable) Map(addr hostarch.Addr, paddr hostarch.PhysAddr) error {
	if !hostarch.IsPageAligned(uint64(paddr)) {
		return fmt.Errorf("physical address %#x is not page aligned", uintptr(paddr))
	}
	page := addr.RoundDown()
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.mappings[page]; ok && old != paddr {
		return fmt.Errorf("page %#x already mapped to %#x", uintptr(page), uintptr(old))
	}
	p.mappings[page] = paddr
	return nil
}

// Unmap implements enclave.NestedPageTable.Unmap.
func (p *NestedPageTable) Unmap(addr hostarch.Addr) error {
	page := addr.RoundDown()
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mappings[page]; !ok {
		return fmt.Errorf("page %#x is not mapped", uintptr(page))
	}
	delete(p.mappings, page)
	return nil
}

// Translate returns the physical page backing addr, if mapped.
func (p *NestedPageTable) Translate(addr hostarch.Addr) (hostarch.PhysAddr, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	paddr, ok := p.mappings[addr.RoundDown()]
	return paddr, ok
}

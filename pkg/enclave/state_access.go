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
	"teevisor.dev/teevisor/pkg/enclave/sgx"
	"teevisor.dev/teevisor/pkg/hostarch"
	"teevisor.dev/teevisor/pkg/vcpu"
)

// EnclaveStateAccess is the capability for moving whole thread-state
// snapshots between the transition engine and the live virtual-CPU control
// structure. It is layered on the plain register accessors and implemented
// once per architecture backend.
type EnclaveStateAccess interface {
	vcpu.GuestStateAccess

	// LoadEnclaveThreadState captures the control-flow and addressing
	// state of the currently running world, including both page-table
	// roots.
	LoadEnclaveThreadState() (ThreadState, error)

	// StoreEnclaveThreadState commits state to the control structure and
	// directs the next instruction executed to entryIP. isEnter is true
	// when the destination is the secure world. This is the only way
	// control-register values become visible to guest code.
	//
	// A non-nil error means the commit did not take; the virtual CPU is
	// then in an indeterminate state and must not be resumed.
	StoreEnclaveThreadState(entryIP uint64, state *ThreadState, isEnter bool) error

	// XSave stores the live extended-register state for the components
	// named in xfrm into dst.
	XSave(dst *sgx.XsaveRegion, xfrm uint64)

	// XRestore loads the live extended-register state for the components
	// named in xfrm from src. Components named in xfrm but absent from
	// src are reset to their architectural initial values.
	XRestore(src *sgx.XsaveRegion, xfrm uint64)
}

// NestedPageTable is the stage-2 page table capability consumed by this
// engine. The implementation is elsewhere; only the root and the mapping
// primitives are visible here.
type NestedPageTable interface {
	// RootPaddr returns the physical address of the table root.
	RootPaddr() hostarch.PhysAddr

	// Map establishes a mapping for the page containing addr.
	Map(addr hostarch.Addr, paddr hostarch.PhysAddr) error

	// Unmap removes the mapping for the page containing addr.
	Unmap(addr hostarch.Addr) error
}

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

// Package enclave implements the secure-world thread-state transition
// engine: enter, exit, asynchronous exit and resume, plus the exception
// fix-up policy that decides how in-enclave faults surface to the two
// worlds.
package enclave

import (
	"fmt"
	"time"

	"teevisor.dev/teevisor/pkg/cpuid"
	"teevisor.dev/teevisor/pkg/enclave/sgx"
	"teevisor.dev/teevisor/pkg/hostarch"
	"teevisor.dev/teevisor/pkg/log"
	"teevisor.dev/teevisor/pkg/ring0"
)

// Enclave-specific page-fault error code bits, in the high bits the
// hardware never sets.
const (
	// PFErrorAttrMismatch: the fault was caused by an enclave page-cache
	// attribute mismatch.
	PFErrorAttrMismatch ring0.PageFaultErrorCode = 1 << 15

	// PFErrorSharedMemFetch: the faulting access was a shared-memory
	// fetch. Secure-world resume code reacts by re-synchronizing its
	// private mapping for the address from the normal-world page table.
	PFErrorSharedMemFetch ring0.PageFaultErrorCode = 1 << 31
)

// illegalAccessLog throttles warnings that a misbehaving guest can emit in
// a tight loop.
var illegalAccessLog = log.BasicRateLimitedLogger(time.Second)

// Enclave owns one isolated address range and the page tables that map it.
// The private range is mapped only in the enclave's own table; the shared
// regions are co-mapped with the normal world and may be faulted on by
// several cores at once.
type Enclave struct {
	secs    sgx.Secs
	elRange hostarch.AddrRange

	// shmem is read on every fault classification and mutated only
	// during layout changes, under its own reader/writer lock.
	shmem sharedRegionSet

	// hvPageTable is the stage-2 table active whenever this enclave's
	// threads run.
	hvPageTable NestedPageTable

	// pageTable is the enclave's private stage-1 table.
	pageTable NestedPageTable
}

// New validates the creation descriptor against the hardware feature
// surface and builds the enclave. On error no hardware state has been
// touched.
func New(secs sgx.Secs, fs cpuid.FeatureSet, hvPageTable, pageTable NestedPageTable) (*Enclave, error) {
	if err := secs.Validate(fs); err != nil {
		return nil, err
	}
	return &Enclave{
		secs:        secs,
		elRange:     secs.ELRange(),
		shmem:       newSharedRegionSet(),
		hvPageTable: hvPageTable,
		pageTable:   pageTable,
	}, nil
}

// Secs returns the validated, immutable creation descriptor.
func (e *Enclave) Secs() *sgx.Secs {
	return &e.secs
}

// ELRange returns the enclave's private address range.
func (e *Enclave) ELRange() hostarch.AddrRange {
	return e.elRange
}

// Xfrm returns the enclave's extended-state mask.
func (e *Enclave) Xfrm() uint64 {
	return e.secs.Attributes.Xfrm
}

// AddSharedRegion registers a range co-mapped with the normal world.
func (e *Enclave) AddSharedRegion(r hostarch.AddrRange) error {
	return e.shmem.add(r)
}

// RemoveSharedRegion drops a previously registered shared range.
func (e *Enclave) RemoveSharedRegion(r hostarch.AddrRange) bool {
	return e.shmem.remove(r)
}

// InSharedRegion returns true if addr falls in any shared range.
func (e *Enclave) InSharedRegion(addr hostarch.Addr) bool {
	return e.shmem.contains(addr)
}

// Enter transitions v into this enclave at entryIP, using the enclave's
// own extended-state mask and page-table roots.
func (e *Enclave) Enter(v EnclaveStateAccess, entryIP, fsBase, gsBase uint64, cssa uint32) error {
	return Enter(v, entryIP, fsBase, gsBase, e.Xfrm(), cssa,
		e.hvPageTable.RootPaddr(), e.pageTable.RootPaddr())
}

// Resume re-enters this enclave from the given state-save frame.
func (e *Enclave) Resume(v EnclaveStateAccess, ssa *sgx.StateSaveArea) error {
	return Resume(v, e.Xfrm(), e.hvPageTable.RootPaddr(), e.pageTable.RootPaddr(), ssa)
}

// FixupException maps a raw in-enclave fault to the pair of views the two
// worlds will observe. It is total over its inputs; a raw fault that
// violates the hardware protocol (a #GP or #PF missing its error code, a
// #PF missing its address) is an upstream bug and panics.
func (e *Enclave) FixupException(raw ExceptionInfo) EnclaveExceptionInfo {
	if raw.Vector != ring0.PageFault {
		// Everything except #PF passes through: the secure world always
		// sees the fault, with secondary detail only for #GP.
		var misc *sgx.MiscSgx
		if raw.Vector == ring0.GeneralProtectionFault {
			if !raw.HasErrorCode {
				panic(fmt.Sprintf("fixup: %v without an error code", raw.Vector))
			}
			m := sgx.NewMiscSgx(0, raw.ErrorCode)
			misc = &m
		}
		return EnclaveExceptionInfo{
			Linux: ExceptionInfo{
				Vector:       raw.Vector,
				ErrorCode:    raw.ErrorCode,
				HasErrorCode: raw.HasErrorCode,
			},
			Aex: &AexException{Vector: raw.Vector, Misc: misc},
		}
	}

	if !raw.HasFaultAddr {
		panic("fixup: #PF without a fault address")
	}
	if !raw.HasErrorCode {
		panic("fixup: #PF without an error code")
	}
	addr, errcd := raw.FaultAddr, raw.ErrorCode

	switch {
	case addr.RoundDown() == 0:
		// Null dereference: inject with matching codes.
		log.Warningf("enclave #PF on null page, error_code=%#x", errcd)
		return PageFaultInEnclave(errcd, errcd, addr)

	case e.elRange.Contains(addr):
		return e.fixupPageFaultInELRange(errcd, addr)

	case e.shmem.contains(addr):
		// Shared-memory fetch: the secure world's view grows the marker
		// bit so that resume re-syncs its mapping from the normal
		// world's table. The normal world's view is unchanged.
		return PageFaultInEnclave(errcd, errcd|uint32(PFErrorSharedMemFetch), addr)

	default:
		// Illegal access: surface to the host as an ordinary access
		// violation so it delivers a termination signal. The raw bits
		// are discarded; only protection-violation and user-mode
		// survive. No secure-world view.
		illegalAccessLog.Warningf("illegal enclave #PF @ %#x, error_code=%#x, surfacing as access violation", uintptr(addr), errcd)
		return PageFaultOutsideEnclave(uint32(ring0.PFErrorPresent|ring0.PFErrorUser), addr)
	}
}

// fixupPageFaultInELRange handles faults on the enclave's own pages:
// matching error codes on both views.
func (e *Enclave) fixupPageFaultInELRange(errcd uint32, addr hostarch.Addr) EnclaveExceptionInfo {
	return PageFaultInEnclave(errcd, errcd, addr)
}

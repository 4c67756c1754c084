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

// Package vmm provides the virtual-machine-monitor side of the capability
// boundary: a Vcpu holding the cached guest control block that architecture
// entry code flushes to hardware on the next world switch. The transition
// engine only ever sees it through the capability interfaces.
package vmm

import (
	"fmt"

	"teevisor.dev/teevisor/pkg/enclave"
	"teevisor.dev/teevisor/pkg/enclave/sgx"
	"teevisor.dev/teevisor/pkg/hostarch"
	"teevisor.dev/teevisor/pkg/ring0"
	"teevisor.dev/teevisor/pkg/vcpu"
)

// Vcpu is one virtual CPU's cached control-block state. A Vcpu is owned by
// exactly one physical core and is not safe for concurrent use.
type Vcpu struct {
	// regs is saved and restored by the world-switch entry code on every
	// VM exit.
	regs vcpu.Registers

	rip    uint64
	rsp    uint64
	rflags uint64

	fsBase uint64
	gsBase uint64
	efer   uint64
	xcr0   uint64

	cr        [vcpu.NumControlRegisters]uint64
	idtrBase  uint64
	idtrLimit uint32

	// nptRoot is the active stage-2 page-table root.
	nptRoot hostarch.PhysAddr

	state vcpu.CPUState

	// xstate models the live extended-register file as a non-compacted
	// image. Hardware save/restore operates per component; the cached
	// model operates on the whole image and masks the component bitmap,
	// which is indistinguishable through the capability interface.
	xstate sgx.XsaveRegion
}

// New returns a Vcpu in the state the hypervisor finds a core in after
// taking over a 64-bit host: fxsave and xsave enabled, legacy FP/SSE
// components live, syscalls on.
func New() *Vcpu {
	v := &Vcpu{
		rflags: ring0.RFlagsReserved | ring0.RFlagsIF,
		efer:   ring0.EferLME | ring0.EferLMA | ring0.EferSCE | ring0.EferNX,
		xcr0:   ring0.XCR0FP | ring0.XCR0SSE,
		state:  vcpu.CPUStateHvEnabled,
		xstate: *sgx.SyntheticState(),
	}
	v.cr[4] = ring0.CR4PAE | ring0.CR4OSFXSR | ring0.CR4OSXSAVE
	return v
}

// Regs implements vcpu.GuestStateAccess.Regs.
func (v *Vcpu) Regs() *vcpu.Registers {
	return &v.regs
}

// InstrPointer implements vcpu.GuestStateAccess.InstrPointer.
func (v *Vcpu) InstrPointer() uint64 {
	return v.rip
}

// SetInstrPointer updates the cached instruction pointer. Host-side setup
// only; the engine changes control flow exclusively through state stores.
func (v *Vcpu) SetInstrPointer(ip uint64) {
	v.rip = ip
}

// StackPointer implements vcpu.GuestStateAccess.StackPointer.
func (v *Vcpu) StackPointer() uint64 {
	return v.rsp
}

// SetStackPointer implements vcpu.GuestStateAccess.SetStackPointer.
func (v *Vcpu) SetStackPointer(sp uint64) {
	v.rsp = sp
}

// FramePointer implements vcpu.GuestStateAccess.FramePointer.
func (v *Vcpu) FramePointer() uint64 {
	return v.regs.Rbp
}

// SetReturnValue implements vcpu.GuestStateAccess.SetReturnValue.
func (v *Vcpu) SetReturnValue(val uint64) {
	v.regs.Rax = val
}

// RFlags implements vcpu.GuestStateAccess.RFlags.
func (v *Vcpu) RFlags() uint64 {
	return v.rflags
}

// SetRFlags updates the cached flags register. Host-side setup only.
func (v *Vcpu) SetRFlags(rflags uint64) {
	v.rflags = rflags
}

// FSBase implements vcpu.GuestStateAccess.FSBase.
func (v *Vcpu) FSBase() uint64 {
	return v.fsBase
}

// GSBase implements vcpu.GuestStateAccess.GSBase.
func (v *Vcpu) GSBase() uint64 {
	return v.gsBase
}

// SetSegmentBases updates the cached segment bases. Host-side setup only.
func (v *Vcpu) SetSegmentBases(fsBase, gsBase uint64) {
	v.fsBase = fsBase
	v.gsBase = gsBase
}

// EFER implements vcpu.GuestStateAccess.EFER.
func (v *Vcpu) EFER() uint64 {
	return v.efer
}

// CR implements vcpu.GuestStateAccess.CR.
func (v *Vcpu) CR(idx int) uint64 {
	if idx < 0 || idx >= vcpu.NumControlRegisters {
		panic(fmt.Sprintf("control register index %d out of range", idx))
	}
	return v.cr[idx]
}

// SetCR implements vcpu.GuestStateAccess.SetCR.
func (v *Vcpu) SetCR(idx int, val uint64) {
	if idx < 0 || idx >= vcpu.NumControlRegisters {
		panic(fmt.Sprintf("control register index %d out of range", idx))
	}
	v.cr[idx] = val
}

// XCR0 implements vcpu.GuestStateAccess.XCR0.
func (v *Vcpu) XCR0() uint64 {
	return v.xcr0
}

// SetXCR0 implements vcpu.GuestStateAccess.SetXCR0.
func (v *Vcpu) SetXCR0(val uint64) {
	v.xcr0 = val
}

// State returns the CPU's current execution mode.
func (v *Vcpu) State() vcpu.CPUState {
	return v.state
}

// ExtendedState exposes the modeled live extended-register image.
func (v *Vcpu) ExtendedState() *sgx.XsaveRegion {
	return &v.xstate
}

// LoadEnclaveThreadState implements
// enclave.EnclaveStateAccess.LoadEnclaveThreadState.
func (v *Vcpu) LoadEnclaveThreadState() (enclave.ThreadState, error) {
	return enclave.ThreadState{
		RFlags:          v.rflags,
		FSBase:          v.fsBase,
		GSBase:          v.gsBase,
		XCR0:            v.xcr0,
		EFER:            v.efer,
		IDTRBase:        v.idtrBase,
		IDTRLimit:       v.idtrLimit,
		HvPageTableRoot: v.nptRoot,
		PageTableRoot:   hostarch.PhysAddr(v.cr[3]),
	}, nil
}

// StoreEnclaveThreadState implements
// enclave.EnclaveStateAccess.StoreEnclaveThreadState.
func (v *Vcpu) StoreEnclaveThreadState(entryIP uint64, state *enclave.ThreadState, isEnter bool) error {
	v.rip = entryIP
	v.rflags = state.RFlags
	v.fsBase = state.FSBase
	v.gsBase = state.GSBase
	v.efer = state.EFER
	v.xcr0 = state.XCR0
	v.idtrBase = state.IDTRBase
	v.idtrLimit = state.IDTRLimit
	v.cr[3] = uint64(state.PageTableRoot)
	v.nptRoot = state.HvPageTableRoot
	if isEnter {
		v.state = vcpu.CPUStateEnclaveRunning
	} else {
		v.state = vcpu.CPUStateHvEnabled
	}
	return nil
}

// XSave implements enclave.EnclaveStateAccess.XSave.
func (v *Vcpu) XSave(dst *sgx.XsaveRegion, xfrm uint64) {
	*dst = v.xstate
	dst.Header.XstateBV = v.xstate.Header.XstateBV & xfrm
	dst.Header.XcompBV = 0
}

// XRestore implements enclave.EnclaveStateAccess.XRestore.
func (v *Vcpu) XRestore(src *sgx.XsaveRegion, xfrm uint64) {
	v.xstate = *src
	v.xstate.Header.XstateBV = src.Header.XstateBV & xfrm
}

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

	"teevisor.dev/teevisor/pkg/bits"
	"teevisor.dev/teevisor/pkg/enclave/sgx"
	"teevisor.dev/teevisor/pkg/hostarch"
	"teevisor.dev/teevisor/pkg/hypercall"
	"teevisor.dev/teevisor/pkg/ring0"
	"teevisor.dev/teevisor/pkg/vcpu"
)

// ThreadState is a snapshot of the control-flow and addressing state needed
// to safely run one world's code: flags, the two segment bases, the
// extended-feature and extended-state enables, and both page-table roots.
// One is created fresh on every enter or resume and consumed by the
// matching exit or asynchronous exit.
//
// Invariant: XCR0 recorded here is, at the moment of creation, a subset of
// whatever the hardware currently reports as enabled.
type ThreadState struct {
	RFlags uint64
	FSBase uint64
	GSBase uint64
	XCR0   uint64
	EFER   uint64

	IDTRBase  uint64
	IDTRLimit uint32

	// HvPageTableRoot is the stage-2 root active while this state runs.
	HvPageTableRoot hostarch.PhysAddr

	// PageTableRoot is the stage-1 (guest or enclave) root.
	PageTableRoot hostarch.PhysAddr
}

// validateXfrm applies the extended-state mask rules. It runs identically
// on enter and resume:
//
//   - FXSAVE support must be enabled (CR4.OSFXSR), or entry is rejected
//     outright.
//   - If XSAVE is enabled (CR4.OSXSAVE), xfrm must be a subset of the
//     hardware-reported XCR0.
//   - Otherwise xfrm must be exactly the legacy FP/SSE template.
func validateXfrm(v vcpu.GuestStateAccess, xfrm uint64) error {
	cr4 := v.CR(4)
	if cr4&ring0.CR4OSFXSR == 0 {
		return fmt.Errorf("%w: CR4.OSFXSR is clear", ErrInvalidXfrm)
	}
	if cr4&ring0.CR4OSXSAVE != 0 {
		if !bits.IsOn64(v.XCR0(), xfrm) {
			return fmt.Errorf("%w: xfrm %#x is not a subset of XCR0 %#x", ErrInvalidXfrm, xfrm, v.XCR0())
		}
	} else if xfrm != sgx.XfrmTemplate {
		return fmt.Errorf("%w: xfrm %#x must equal the legacy template %#x when CR4.OSXSAVE is clear", ErrInvalidXfrm, xfrm, uint64(sgx.XfrmTemplate))
	}
	return nil
}

// Enter transitions the virtual CPU into the secure world at entryIP.
//
// The secure world runs with the build-time interrupt policy, with syscalls
// disabled in EFER, and with an empty IDT so that every exception traps to
// the hypervisor. The argument registers are set to (cssa, resume IP) so
// secure-world entry code can self-identify its nesting depth.
func Enter(v EnclaveStateAccess, entryIP, fsBase, gsBase uint64, xfrm uint64, cssa uint32, hvRoot, guestRoot hostarch.PhysAddr) error {
	if err := validateXfrm(v, xfrm); err != nil {
		return err
	}

	rflags := v.RFlags()
	if enclaveInterruptsEnabled {
		rflags |= ring0.RFlagsIF
	} else {
		rflags &^= uint64(ring0.RFlagsIF)
	}

	secWorld := ThreadState{
		RFlags: rflags,
		FSBase: fsBase,
		GSBase: gsBase,
		XCR0:   xfrm,
		// Secure world may not invoke host syscalls directly.
		EFER:            v.EFER() &^ uint64(ring0.EferSCE),
		HvPageTableRoot: hvRoot,
		PageTableRoot:   guestRoot,
	}

	regs := v.Regs()
	regs.Rax = uint64(cssa)
	regs.Rcx = v.InstrPointer()
	if err := v.StoreEnclaveThreadState(entryIP, &secWorld, true); err != nil {
		return fmt.Errorf("%w: %v", ErrStateCommit, err)
	}
	return nil
}

// Exit restores the given normal-world snapshot and directs control to
// exitIP. The snapshot is assumed pre-validated by whoever captured it; no
// checks are performed here. aep is written to the asynchronous-exit-pointer
// register for the benefit of the untrusted runtime.
func Exit(v EnclaveStateAccess, exitIP, aep uint64, normalWorld *ThreadState) error {
	if err := v.StoreEnclaveThreadState(exitIP, normalWorld, false); err != nil {
		return fmt.Errorf("%w: %v", ErrStateCommit, err)
	}
	v.Regs().Rcx = aep
	return nil
}

// Aex performs an asynchronous exit: a hardware event arrived while
// secure-world code was executing. The live secure-world state is spilled
// into the caller-owned state-save frame, the extended registers are
// scrubbed, and control is handed to the host's async-exit handler at aep
// with the resume hand-off protocol in the fixed registers.
//
// A non-nil error is fatal: the secure-world context is unrecoverable and
// the caller must tear the enclave down.
func Aex(v EnclaveStateAccess, exc AexException, aep uint64, xfrm uint64, tcsVaddr hostarch.Addr, ssa *sgx.StateSaveArea, normalWorld *ThreadState) error {
	regs := v.Regs()
	gpr := &ssa.Gpr
	gpr.Rax = regs.Rax
	gpr.Rcx = regs.Rcx
	gpr.Rdx = regs.Rdx
	gpr.Rbx = regs.Rbx
	gpr.Rsp = v.StackPointer()
	gpr.Rbp = regs.Rbp
	gpr.Rsi = regs.Rsi
	gpr.Rdi = regs.Rdi
	gpr.R8 = regs.R8
	gpr.R9 = regs.R9
	gpr.R10 = regs.R10
	gpr.R11 = regs.R11
	gpr.R12 = regs.R12
	gpr.R13 = regs.R13
	gpr.R14 = regs.R14
	gpr.R15 = regs.R15
	gpr.Rflags = v.RFlags()
	gpr.Rip = v.InstrPointer()
	gpr.ExitInfo = sgx.ExitInfoFromVector(exc.Vector)
	gpr.FsBase = v.FSBase()
	gpr.GsBase = v.GSBase()

	if exc.Misc != nil {
		ssa.Misc.Maddr = exc.Misc.Maddr
		ssa.Misc.Errcd = exc.Misc.Errcd
	}

	// Spill the live extended state, then reset the components named by
	// xfrm to their initial values so nothing leaks to whatever runs
	// next. Both must happen before the store below: the store switches
	// XCR0 back to the normal world's value.
	v.XSave(&ssa.Xsave, xfrm)
	v.XRestore(sgx.SyntheticState(), xfrm)

	if err := Exit(v, aep, aep, normalWorld); err != nil {
		return err
	}

	// Scrub the general registers, then install the hand-off triple the
	// host-side resume logic expects. The stack pointer becomes the
	// user-level one saved in the frame: the fault may have happened on a
	// trusted stack that must stay hidden.
	*regs = vcpu.Registers{}
	regs.Rax = uint64(hypercall.EnclaveResume)
	regs.Rbx = uint64(tcsVaddr)
	regs.Rcx = aep
	regs.Rbp = gpr.Urbp
	v.SetStackPointer(gpr.Ursp)
	return nil
}

// Resume is the inverse of Aex: it re-validates the extended-state mask and
// the saved extended-register image, re-enters the secure world at the
// interrupted instruction, and restores the register block from the
// state-save frame. Any validation failure aborts the resume before state
// is mutated.
func Resume(v EnclaveStateAccess, xfrm uint64, hvRoot, enclaveRoot hostarch.PhysAddr, ssa *sgx.StateSaveArea) error {
	if err := validateXfrm(v, xfrm); err != nil {
		return err
	}
	if err := ssa.Xsave.ValidateAtResume(xfrm); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptXsaveImage, err)
	}

	gpr := &ssa.Gpr
	secWorld := ThreadState{
		RFlags:          gpr.Rflags,
		FSBase:          gpr.FsBase,
		GSBase:          gpr.GsBase,
		XCR0:            xfrm,
		EFER:            v.EFER() &^ uint64(ring0.EferSCE),
		HvPageTableRoot: hvRoot,
		PageTableRoot:   enclaveRoot,
	}
	if err := v.StoreEnclaveThreadState(gpr.Rip, &secWorld, true); err != nil {
		return fmt.Errorf("%w: %v", ErrStateCommit, err)
	}

	// The store above re-enabled the enclave's XCR0; only now can the
	// saved image be loaded back.
	v.XRestore(&ssa.Xsave, xfrm)

	regs := v.Regs()
	regs.Rax = gpr.Rax
	regs.Rcx = gpr.Rcx
	regs.Rdx = gpr.Rdx
	regs.Rbx = gpr.Rbx
	regs.Rbp = gpr.Rbp
	regs.Rsi = gpr.Rsi
	regs.Rdi = gpr.Rdi
	regs.R8 = gpr.R8
	regs.R9 = gpr.R9
	regs.R10 = gpr.R10
	regs.R11 = gpr.R11
	regs.R12 = gpr.R12
	regs.R13 = gpr.R13
	regs.R14 = gpr.R14
	regs.R15 = gpr.R15
	v.SetStackPointer(gpr.Rsp)
	return nil
}

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

package enclave_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"teevisor.dev/teevisor/pkg/enclave"
	"teevisor.dev/teevisor/pkg/enclave/sgx"
	"teevisor.dev/teevisor/pkg/hostarch"
	"teevisor.dev/teevisor/pkg/hypercall"
	"teevisor.dev/teevisor/pkg/ring0"
	"teevisor.dev/teevisor/pkg/vcpu"
	"teevisor.dev/teevisor/pkg/vmm"
)

const (
	testEntryIP = 0x401000
	testExitIP  = 0x401005
	testAep     = 0x7f0000010000
	testFsBase  = 0x7f0000101000
	testGsBase  = 0x7f0000202000

	testHvRoot    = hostarch.PhysAddr(0x2000)
	testGuestRoot = hostarch.PhysAddr(0x3000)
	testXfrm      = ring0.XCR0FP | ring0.XCR0SSE
)

func newTestVcpu(t *testing.T) *vmm.Vcpu {
	t.Helper()
	v := vmm.New()
	v.SetInstrPointer(0x400800)
	v.SetStackPointer(0x7ffc00000ff8)
	v.SetSegmentBases(0x7f0000000000, 0x7f0000001000)
	return v
}

func TestEnterExitRoundTrip(t *testing.T) {
	v := newTestVcpu(t)
	resumeIP := v.InstrPointer()
	pre, err := v.LoadEnclaveThreadState()
	if err != nil {
		t.Fatalf("LoadEnclaveThreadState: %v", err)
	}

	if err := enclave.Enter(v, testEntryIP, testFsBase, testGsBase, testXfrm, 0, testHvRoot, testGuestRoot); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if got := v.State(); got != vcpu.CPUStateEnclaveRunning {
		t.Errorf("state after Enter: got %v, want %v", got, vcpu.CPUStateEnclaveRunning)
	}
	if got := v.InstrPointer(); got != testEntryIP {
		t.Errorf("rip after Enter: got %#x, want %#x", got, testEntryIP)
	}
	if got := v.FSBase(); got != testFsBase {
		t.Errorf("fs base after Enter: got %#x, want %#x", got, uint64(testFsBase))
	}
	if got := v.Regs().Rax; got != 0 {
		t.Errorf("cssa register after Enter: got %#x, want 0", got)
	}
	if got := v.Regs().Rcx; got != resumeIP {
		t.Errorf("resume-ip register after Enter: got %#x, want %#x", got, resumeIP)
	}
	if efer := v.EFER(); efer&ring0.EferSCE != 0 {
		t.Errorf("EFER.SCE still set in secure world: %#x", efer)
	}
	if rflags := v.RFlags(); rflags&ring0.RFlagsIF != 0 {
		t.Errorf("interrupts unmasked in secure world: rflags %#x", rflags)
	}

	if err := enclave.Exit(v, testExitIP, testAep, &pre); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	post, err := v.LoadEnclaveThreadState()
	if err != nil {
		t.Fatalf("LoadEnclaveThreadState: %v", err)
	}
	if diff := cmp.Diff(pre, post); diff != "" {
		t.Errorf("control state after round trip (-pre +post):\n%s", diff)
	}
	if got := v.State(); got != vcpu.CPUStateHvEnabled {
		t.Errorf("state after Exit: got %v, want %v", got, vcpu.CPUStateHvEnabled)
	}
	if got := v.InstrPointer(); got != testExitIP {
		t.Errorf("rip after Exit: got %#x, want %#x", got, testExitIP)
	}
	if got := v.Regs().Rcx; got != testAep {
		t.Errorf("aep register after Exit: got %#x, want %#x", got, uint64(testAep))
	}
}

func TestEnterRejectsInvalidXfrm(t *testing.T) {
	for _, tc := range []struct {
		name string
		prep func(v *vmm.Vcpu)
		xfrm uint64
	}{
		{
			name: "not a subset of XCR0",
			prep: func(v *vmm.Vcpu) { v.SetXCR0(ring0.XCR0FP | ring0.XCR0SSE) },
			xfrm: ring0.XCR0FP | ring0.XCR0SSE | ring0.XCR0AVX,
		},
		{
			name: "fxsave disabled",
			prep: func(v *vmm.Vcpu) { v.SetCR(4, v.CR(4)&^uint64(ring0.CR4OSFXSR)) },
			xfrm: testXfrm,
		},
		{
			name: "xsave disabled with non-template mask",
			prep: func(v *vmm.Vcpu) { v.SetCR(4, v.CR(4)&^uint64(ring0.CR4OSXSAVE)) },
			xfrm: ring0.XCR0FP | ring0.XCR0SSE | ring0.XCR0AVX,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestVcpu(t)
			tc.prep(v)
			pre, err := v.LoadEnclaveThreadState()
			if err != nil {
				t.Fatalf("LoadEnclaveThreadState: %v", err)
			}
			preRegs := *v.Regs()

			err = enclave.Enter(v, testEntryIP, testFsBase, testGsBase, tc.xfrm, 0, testHvRoot, testGuestRoot)
			if !errors.Is(err, enclave.ErrInvalidXfrm) {
				t.Fatalf("Enter: got %v, want ErrInvalidXfrm", err)
			}

			post, err := v.LoadEnclaveThreadState()
			if err != nil {
				t.Fatalf("LoadEnclaveThreadState: %v", err)
			}
			if diff := cmp.Diff(pre, post); diff != "" {
				t.Errorf("rejected Enter mutated control state (-pre +post):\n%s", diff)
			}
			if diff := cmp.Diff(preRegs, *v.Regs()); diff != "" {
				t.Errorf("rejected Enter mutated registers (-pre +post):\n%s", diff)
			}
			if got := v.State(); got != vcpu.CPUStateHvEnabled {
				t.Errorf("state after rejected Enter: got %v, want %v", got, vcpu.CPUStateHvEnabled)
			}
		})
	}
}

func TestEnterLegacyTemplateWithoutXsave(t *testing.T) {
	v := newTestVcpu(t)
	v.SetCR(4, v.CR(4)&^uint64(ring0.CR4OSXSAVE))
	if err := enclave.Enter(v, testEntryIP, testFsBase, testGsBase, sgx.XfrmTemplate, 0, testHvRoot, testGuestRoot); err != nil {
		t.Fatalf("Enter with legacy template: %v", err)
	}
}

// enterTestEnclave puts v into the secure world with a distinctive register
// file, returning the normal-world snapshot captured before entry.
func enterTestEnclave(t *testing.T, v *vmm.Vcpu) enclave.ThreadState {
	t.Helper()
	normal, err := v.LoadEnclaveThreadState()
	if err != nil {
		t.Fatalf("LoadEnclaveThreadState: %v", err)
	}
	if err := enclave.Enter(v, testEntryIP, testFsBase, testGsBase, testXfrm, 0, testHvRoot, testGuestRoot); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	*v.Regs() = vcpu.Registers{
		Rax: 0x01, Rcx: 0x02, Rdx: 0x03, Rbx: 0x04,
		Rbp: 0x05, Rsi: 0x06, Rdi: 0x07,
		R8: 0x08, R9: 0x09, R10: 0x0a, R11: 0x0b,
		R12: 0x0c, R13: 0x0d, R14: 0x0e, R15: 0x0f,
	}
	v.SetStackPointer(0xffffffff80000ff8)
	v.SetInstrPointer(0x402344)
	return normal
}

func TestAexResumeRoundTrip(t *testing.T) {
	v := newTestVcpu(t)
	normal := enterTestEnclave(t, v)

	// Dirty the live extended state so scrub and restore are observable.
	v.ExtendedState().Header.XstateBV = testXfrm
	v.ExtendedState().Legacy[100] = 0xaa

	atAexRegs := *v.Regs()
	atAexRsp := v.StackPointer()
	atAexRflags := v.RFlags()
	atAexRip := v.InstrPointer()

	const (
		tcsVaddr = hostarch.Addr(0x100003000)
		ursp     = 0x7ffc00000e00
		urbp     = 0x7ffc00000e40
	)
	var ssa sgx.StateSaveArea
	ssa.Gpr.Ursp = ursp
	ssa.Gpr.Urbp = urbp

	misc := sgx.NewMiscSgx(0x100001f80, 0x7)
	exc := enclave.AexException{Vector: ring0.PageFault, Misc: &misc}
	if err := enclave.Aex(v, exc, testAep, testXfrm, tcsVaddr, &ssa, &normal); err != nil {
		t.Fatalf("Aex: %v", err)
	}

	// The frame captured the interrupted context.
	if ssa.Gpr.Rax != atAexRegs.Rax || ssa.Gpr.R15 != atAexRegs.R15 {
		t.Errorf("frame registers: got rax=%#x r15=%#x, want rax=%#x r15=%#x",
			ssa.Gpr.Rax, ssa.Gpr.R15, atAexRegs.Rax, atAexRegs.R15)
	}
	if ssa.Gpr.Rsp != atAexRsp {
		t.Errorf("frame rsp: got %#x, want %#x", ssa.Gpr.Rsp, atAexRsp)
	}
	if ssa.Gpr.Rflags != atAexRflags {
		t.Errorf("frame rflags: got %#x, want %#x", ssa.Gpr.Rflags, atAexRflags)
	}
	if ssa.Gpr.Rip != atAexRip {
		t.Errorf("frame rip: got %#x, want %#x", ssa.Gpr.Rip, atAexRip)
	}
	if !ssa.Gpr.ExitInfo.Valid() || ssa.Gpr.ExitInfo.Vector() != ring0.PageFault {
		t.Errorf("frame exit info: got %#x", uint32(ssa.Gpr.ExitInfo))
	}
	if ssa.Misc.Maddr != misc.Maddr || ssa.Misc.Errcd != misc.Errcd {
		t.Errorf("frame misc record: got {%#x %#x}, want {%#x %#x}",
			ssa.Misc.Maddr, ssa.Misc.Errcd, misc.Maddr, misc.Errcd)
	}
	if ssa.Xsave.Header.XstateBV != testXfrm || ssa.Xsave.Legacy[100] != 0xaa {
		t.Errorf("frame xsave image not captured: xstate_bv=%#x legacy[100]=%#x",
			ssa.Xsave.Header.XstateBV, ssa.Xsave.Legacy[100])
	}

	// The hand-off protocol: scrubbed registers plus the fixed triple,
	// running on the user-level stack.
	wantHandoff := vcpu.Registers{
		Rax: uint64(hypercall.EnclaveResume),
		Rbx: uint64(tcsVaddr),
		Rcx: testAep,
		Rbp: urbp,
	}
	if diff := cmp.Diff(wantHandoff, *v.Regs()); diff != "" {
		t.Errorf("hand-off registers (-want +got):\n%s", diff)
	}
	if got := v.StackPointer(); got != ursp {
		t.Errorf("hand-off rsp: got %#x, want %#x", got, uint64(ursp))
	}
	if got := v.InstrPointer(); got != testAep {
		t.Errorf("rip after Aex: got %#x, want %#x", got, uint64(testAep))
	}
	if got := v.State(); got != vcpu.CPUStateHvEnabled {
		t.Errorf("state after Aex: got %v, want %v", got, vcpu.CPUStateHvEnabled)
	}

	// The live extended registers read as their initial configuration.
	if diff := cmp.Diff(sgx.SyntheticState(), v.ExtendedState()); diff != "" {
		t.Errorf("extended state after Aex (-want +got):\n%s", diff)
	}

	if err := enclave.Resume(v, testXfrm, testHvRoot, testGuestRoot, &ssa); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if diff := cmp.Diff(atAexRegs, *v.Regs()); diff != "" {
		t.Errorf("registers after Resume (-want +got):\n%s", diff)
	}
	if got := v.StackPointer(); got != atAexRsp {
		t.Errorf("rsp after Resume: got %#x, want %#x", got, atAexRsp)
	}
	if got := v.RFlags(); got != atAexRflags {
		t.Errorf("rflags after Resume: got %#x, want %#x", got, atAexRflags)
	}
	if got := v.InstrPointer(); got != atAexRip {
		t.Errorf("rip after Resume: got %#x, want %#x", got, atAexRip)
	}
	if got := v.State(); got != vcpu.CPUStateEnclaveRunning {
		t.Errorf("state after Resume: got %v, want %v", got, vcpu.CPUStateEnclaveRunning)
	}
	if got := v.ExtendedState().Header.XstateBV; got != testXfrm {
		t.Errorf("extended state after Resume: xstate_bv=%#x, want %#x", got, uint64(testXfrm))
	}
	if got := v.ExtendedState().Legacy[100]; got != 0xaa {
		t.Errorf("extended state after Resume: legacy[100]=%#x, want 0xaa", got)
	}
}

func TestAexWithoutMiscDetail(t *testing.T) {
	v := newTestVcpu(t)
	normal := enterTestEnclave(t, v)

	var ssa sgx.StateSaveArea
	exc := enclave.AexException{Vector: ring0.InvalidOpcode}
	if err := enclave.Aex(v, exc, testAep, testXfrm, 0x100003000, &ssa, &normal); err != nil {
		t.Fatalf("Aex: %v", err)
	}
	if ssa.Misc != (sgx.MiscSgx{}) {
		t.Errorf("misc record written without fault detail: %+v", ssa.Misc)
	}
	if got := ssa.Gpr.ExitInfo.Vector(); got != ring0.InvalidOpcode {
		t.Errorf("frame exit vector: got %v, want %v", got, ring0.InvalidOpcode)
	}
}

func TestResumeRejectsCorruptImage(t *testing.T) {
	for _, tc := range []struct {
		name    string
		corrupt func(ssa *sgx.StateSaveArea)
	}{
		{
			name:    "components outside xfrm",
			corrupt: func(ssa *sgx.StateSaveArea) { ssa.Xsave.Header.XstateBV = ring0.XCR0AVX },
		},
		{
			name:    "compacted image",
			corrupt: func(ssa *sgx.StateSaveArea) { ssa.Xsave.Header.XcompBV = 1 },
		},
		{
			name:    "dirty reserved bytes",
			corrupt: func(ssa *sgx.StateSaveArea) { ssa.Xsave.Header.Reserved[7] = 1 },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v := newTestVcpu(t)
			normal := enterTestEnclave(t, v)

			var ssa sgx.StateSaveArea
			exc := enclave.AexException{Vector: ring0.InvalidOpcode}
			if err := enclave.Aex(v, exc, testAep, testXfrm, 0x100003000, &ssa, &normal); err != nil {
				t.Fatalf("Aex: %v", err)
			}
			tc.corrupt(&ssa)

			pre, err := v.LoadEnclaveThreadState()
			if err != nil {
				t.Fatalf("LoadEnclaveThreadState: %v", err)
			}
			err = enclave.Resume(v, testXfrm, testHvRoot, testGuestRoot, &ssa)
			if !errors.Is(err, enclave.ErrCorruptXsaveImage) {
				t.Fatalf("Resume: got %v, want ErrCorruptXsaveImage", err)
			}
			post, err := v.LoadEnclaveThreadState()
			if err != nil {
				t.Fatalf("LoadEnclaveThreadState: %v", err)
			}
			if diff := cmp.Diff(pre, post); diff != "" {
				t.Errorf("rejected Resume mutated control state (-pre +post):\n%s", diff)
			}
		})
	}
}

func TestResumeRejectsInvalidXfrm(t *testing.T) {
	v := newTestVcpu(t)
	var ssa sgx.StateSaveArea
	err := enclave.Resume(v, ring0.XCR0FP|ring0.XCR0SSE|ring0.XCR0AVX, testHvRoot, testGuestRoot, &ssa)
	if !errors.Is(err, enclave.ErrInvalidXfrm) {
		t.Fatalf("Resume: got %v, want ErrInvalidXfrm", err)
	}
}

// failingStore wraps a Vcpu so every state commit fails.
type failingStore struct {
	*vmm.Vcpu
	err error
}

func (f *failingStore) StoreEnclaveThreadState(entryIP uint64, state *enclave.ThreadState, isEnter bool) error {
	return f.err
}

func TestStateCommitFailureIsFatal(t *testing.T) {
	storeErr := errors.New("control structure write faulted")

	t.Run("enter", func(t *testing.T) {
		v := &failingStore{Vcpu: newTestVcpu(t), err: storeErr}
		err := enclave.Enter(v, testEntryIP, testFsBase, testGsBase, testXfrm, 0, testHvRoot, testGuestRoot)
		if !errors.Is(err, enclave.ErrStateCommit) {
			t.Fatalf("Enter: got %v, want ErrStateCommit", err)
		}
	})

	t.Run("aex", func(t *testing.T) {
		inner := newTestVcpu(t)
		normal := enterTestEnclave(t, inner)
		v := &failingStore{Vcpu: inner, err: storeErr}

		var ssa sgx.StateSaveArea
		exc := enclave.AexException{Vector: ring0.InvalidOpcode}
		err := enclave.Aex(v, exc, testAep, testXfrm, 0x100003000, &ssa, &normal)
		if !errors.Is(err, enclave.ErrStateCommit) {
			t.Fatalf("Aex: got %v, want ErrStateCommit", err)
		}
	})
}

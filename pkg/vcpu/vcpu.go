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

// Package vcpu defines the virtual-CPU guest-state capability boundary. No
// caller above this boundary inspects raw hardware control structures; every
// register access goes through GuestStateAccess, implemented once per
// architecture backend.
package vcpu

// Registers is the guest general-purpose register block. The instruction
// pointer and stack pointer live in the hardware control structure, not
// here, and are reached through their own accessors.
//
// A Registers block is exclusively owned by one virtual CPU and lives as
// long as it does.
type Registers struct {
	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// NumControlRegisters is the number of valid indices for CR/SetCR.
// Accessing an index at or above this is a programming error and panics.
const NumControlRegisters = 5

// CPUState is the per-CPU execution mode tag.
type CPUState int

// CPU states.
const (
	// CPUStateHvDisabled: the hypervisor has not taken over this core.
	CPUStateHvDisabled CPUState = iota

	// CPUStateHvEnabled: normal-world guest code runs under the hypervisor.
	CPUStateHvEnabled

	// CPUStateEnclaveRunning: secure-world code is executing.
	CPUStateEnclaveRunning
)

// String implements fmt.Stringer.String.
func (s CPUState) String() string {
	switch s {
	case CPUStateHvDisabled:
		return "hv-disabled"
	case CPUStateHvEnabled:
		return "hv-enabled"
	case CPUStateEnclaveRunning:
		return "enclave-running"
	default:
		return "unknown"
	}
}

// GuestStateAccess exposes architecture-neutral and architecture-specific
// accessors over the live virtual-CPU state.
//
// Writes through this interface take effect on the next entry into the
// corresponding world, not immediately, except where a method says
// otherwise.
type GuestStateAccess interface {
	// Regs returns the general-purpose register block. The returned
	// pointer aliases live vCPU state; mutations become visible on the
	// next world entry.
	Regs() *Registers

	// InstrPointer returns the guest instruction pointer.
	InstrPointer() uint64

	// StackPointer returns the guest stack pointer.
	StackPointer() uint64

	// SetStackPointer replaces the guest stack pointer.
	SetStackPointer(sp uint64)

	// FramePointer returns the guest frame pointer.
	FramePointer() uint64

	// SetReturnValue sets the register carrying function return values.
	SetReturnValue(v uint64)

	// RFlags returns the guest flags register.
	RFlags() uint64

	// FSBase and GSBase return the two segment-base registers.
	FSBase() uint64
	GSBase() uint64

	// EFER returns the extended-feature-enable register.
	EFER() uint64

	// CR returns control register idx. Panics if idx is not in
	// [0, NumControlRegisters).
	CR(idx int) uint64

	// SetCR writes control register idx. Panics if idx is not in
	// [0, NumControlRegisters).
	SetCR(idx int, v uint64)

	// XCR0 returns the extended-state-enable register.
	XCR0() uint64

	// SetXCR0 writes the extended-state-enable register.
	SetXCR0(v uint64)
}

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

// Package sgx defines the enclave-resident state layouts: the creation
// descriptor (Secs), the per-thread State Save Area written on every
// asynchronous exit, and the extended-register image inside it.
package sgx

import (
	"teevisor.dev/teevisor/pkg/hostarch"
	"teevisor.dev/teevisor/pkg/ring0"
)

// SsaFrameSize is the fixed build-time ceiling on one state-save frame.
const SsaFrameSize = hostarch.PageSize

// Layout sizes within a state-save frame.
const (
	GprSgxSize  = 184
	MiscSgxSize = 16
)

// ExitInfo is the exit-reason tag stored in the SSA on an asynchronous
// exit: vector in bits 0-7, exit type in bits 8-10, valid in bit 31.
type ExitInfo uint32

const (
	exitTypeHardware ExitInfo = 0b011 << 8
	exitTypeSoftware ExitInfo = 0b110 << 8
	exitInfoValid    ExitInfo = 1 << 31
)

// ExitInfoFromVector builds the exit-reason tag for the given vector.
func ExitInfoFromVector(vec ring0.Vector) ExitInfo {
	info := ExitInfo(vec&0xff) | exitInfoValid
	switch vec {
	case ring0.Breakpoint, ring0.Overflow:
		// INT3 and INTO are software exceptions.
		info |= exitTypeSoftware
	default:
		info |= exitTypeHardware
	}
	return info
}

// Vector returns the exception vector recorded in the tag.
func (e ExitInfo) Vector() ring0.Vector {
	return ring0.Vector(e & 0xff)
}

// Valid returns true if the tag records a real exit.
func (e ExitInfo) Valid() bool {
	return e&exitInfoValid != 0
}

// GprSgx is the general-register record of a state-save frame. Ursp and
// Urbp hold the user-level stack and frame pointers, maintained by
// secure-world entry code; on an asynchronous exit they are what the
// untrusted handler is given instead of the trusted in-enclave stack.
type GprSgx struct {
	Rax      uint64
	Rcx      uint64
	Rdx      uint64
	Rbx      uint64
	Rsp      uint64
	Rbp      uint64
	Rsi      uint64
	Rdi      uint64
	R8       uint64
	R9       uint64
	R10      uint64
	R11      uint64
	R12      uint64
	R13      uint64
	R14      uint64
	R15      uint64
	Rflags   uint64
	Rip      uint64
	Ursp     uint64
	Urbp     uint64
	ExitInfo ExitInfo
	Reserved uint32
	FsBase   uint64
	GsBase   uint64
}

// MiscSgx is the misc-exception record of a state-save frame: the faulting
// address and secondary error code of the exception that caused the exit.
type MiscSgx struct {
	Maddr    uint64
	Errcd    uint32
	Reserved uint32
}

// NewMiscSgx returns a misc record for the given fault address and error
// code.
func NewMiscSgx(maddr uint64, errcd uint32) MiscSgx {
	return MiscSgx{Maddr: maddr, Errcd: errcd}
}

// StateSaveArea is one state-save frame. It is enclave-owned memory: the
// engine writes into it but never allocates or frees it, and exactly one
// frame is active per enclave thread per nesting level.
type StateSaveArea struct {
	Xsave XsaveRegion
	Misc  MiscSgx
	Gpr   GprSgx
}

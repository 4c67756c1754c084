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
	"golang.org/x/sys/unix"

	"teevisor.dev/teevisor/pkg/enclave/sgx"
	"teevisor.dev/teevisor/pkg/hostarch"
	"teevisor.dev/teevisor/pkg/ring0"
	"teevisor.dev/teevisor/pkg/vcpu"
)

// ExceptionInfo is a normalized description of one hardware fault: the
// vector, and, where the vector defines them, the raw error code and the
// faulting address.
type ExceptionInfo struct {
	Vector ring0.Vector

	// ErrorCode is valid iff HasErrorCode.
	ErrorCode    uint32
	HasErrorCode bool

	// FaultAddr is valid iff HasFaultAddr; page faults only.
	FaultAddr    hostarch.Addr
	HasFaultAddr bool
}

// NewExceptionInfo builds an ExceptionInfo with both optional fields
// present.
func NewExceptionInfo(vec ring0.Vector, errorCode uint32, faultAddr hostarch.Addr) ExceptionInfo {
	return ExceptionInfo{
		Vector:       vec,
		ErrorCode:    errorCode,
		HasErrorCode: true,
		FaultAddr:    faultAddr,
		HasFaultAddr: true,
	}
}

// AexException is the secure-world-visible description of the fault that
// forced an asynchronous exit. Misc is nil when the vector carries no
// secondary fault detail.
type AexException struct {
	Vector ring0.Vector
	Misc   *sgx.MiscSgx
}

// EnclaveExceptionInfo pairs the two views of one in-enclave fault.
//
// The normal (host) kernel is unaware of the hypervisor: to surface a fault
// to it, an elaborate exception is injected through Linux, while the actual
// fault detail is written to the enclave's state-save area. The two views
// may deliberately differ, which is how illegal accesses become ordinary
// host-visible access violations.
type EnclaveExceptionInfo struct {
	// Linux is what the normal world sees; it is injected into the
	// virtual-CPU event field on the next normal-world entry.
	Linux ExceptionInfo

	// Aex is what the secure world sees in its state-save area. Nil when
	// the fault arose outside enclave mode (no asynchronous exit
	// happens, so the state-save area stays untouched).
	Aex *AexException
}

// InvalidOpcode builds the pass-through view of a #UD.
func InvalidOpcode(inEnclaveMode bool) EnclaveExceptionInfo {
	var aex *AexException
	if inEnclaveMode {
		aex = &AexException{Vector: ring0.InvalidOpcode}
	}
	return EnclaveExceptionInfo{
		Linux: ExceptionInfo{Vector: ring0.InvalidOpcode},
		Aex:   aex,
	}
}

// GeneralProtection builds the pass-through view of a #GP with the given
// error code.
func GeneralProtection(errorCode uint32, state vcpu.CPUState) EnclaveExceptionInfo {
	var aex *AexException
	if state == vcpu.CPUStateEnclaveRunning {
		misc := sgx.NewMiscSgx(0, errorCode)
		aex = &AexException{Vector: ring0.GeneralProtectionFault, Misc: &misc}
	}
	return EnclaveExceptionInfo{
		Linux: ExceptionInfo{
			Vector:       ring0.GeneralProtectionFault,
			ErrorCode:    errorCode,
			HasErrorCode: true,
		},
		Aex: aex,
	}
}

// PageFaultInEnclave builds the two views of a #PF taken in enclave mode.
// The error codes for the two views are set independently; the Linux view
// gets a page-aligned fault address, the state-save area the exact one.
func PageFaultInEnclave(errcdLinux, errcdMisc uint32, faultAddr hostarch.Addr) EnclaveExceptionInfo {
	misc := sgx.NewMiscSgx(uint64(faultAddr), errcdMisc)
	return EnclaveExceptionInfo{
		Linux: NewExceptionInfo(ring0.PageFault, errcdLinux, faultAddr.RoundDown()),
		Aex:   &AexException{Vector: ring0.PageFault, Misc: &misc},
	}
}

// PageFaultOutsideEnclave builds the single view of a #PF taken outside
// enclave mode.
func PageFaultOutsideEnclave(errorCode uint32, faultAddr hostarch.Addr) EnclaveExceptionInfo {
	return EnclaveExceptionInfo{
		Linux: NewExceptionInfo(ring0.PageFault, errorCode, faultAddr),
	}
}

// Signal classifies the Linux view as the host signal the kernel will end
// up delivering for it.
func (e *EnclaveExceptionInfo) Signal() int32 {
	switch e.Linux.Vector {
	case ring0.PageFault,
		ring0.GeneralProtectionFault,
		ring0.SegmentNotPresent,
		ring0.BoundRangeExceeded,
		ring0.InvalidTSS,
		ring0.StackSegmentFault:
		return int32(unix.SIGSEGV)
	case ring0.InvalidOpcode:
		return int32(unix.SIGILL)
	case ring0.DivideByZero,
		ring0.Overflow,
		ring0.X87FloatingPointException,
		ring0.SIMDFloatingPointException:
		return int32(unix.SIGFPE)
	case ring0.Debug, ring0.Breakpoint:
		return int32(unix.SIGTRAP)
	case ring0.AlignmentCheck:
		return int32(unix.SIGBUS)
	default:
		return int32(unix.SIGSEGV)
	}
}

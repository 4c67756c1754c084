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

// Package ring0 provides bare-CPU architectural definitions: the exception
// vector set, control and status register bits, and the page-fault error
// code layout, as consumed by the world-switch engine above it.
package ring0

import "fmt"

// Vector is an exception vector.
type Vector uintptr

// Exception vectors.
const (
	DivideByZero Vector = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	CoprocessorSegmentOverrun
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GeneralProtectionFault
	PageFault
	_
	X87FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
	VirtualizationException
	ControlProtectionException
	SecurityException = 0x1e
	SyscallInt80      = 0x80
)

// IrqStart is the first vector delivered by the external interrupt
// controller; everything at or above it is an interrupt, not a fault.
const IrqStart Vector = 32

// String implements fmt.Stringer.String.
func (v Vector) String() string {
	switch v {
	case DivideByZero:
		return "#DE"
	case Debug:
		return "#DB"
	case NMI:
		return "NMI"
	case Breakpoint:
		return "#BP"
	case Overflow:
		return "#OF"
	case BoundRangeExceeded:
		return "#BR"
	case InvalidOpcode:
		return "#UD"
	case DeviceNotAvailable:
		return "#NM"
	case DoubleFault:
		return "#DF"
	case InvalidTSS:
		return "#TS"
	case SegmentNotPresent:
		return "#NP"
	case StackSegmentFault:
		return "#SS"
	case GeneralProtectionFault:
		return "#GP"
	case PageFault:
		return "#PF"
	case X87FloatingPointException:
		return "#MF"
	case AlignmentCheck:
		return "#AC"
	case MachineCheck:
		return "#MC"
	case SIMDFloatingPointException:
		return "#XM"
	case VirtualizationException:
		return "#VE"
	case ControlProtectionException:
		return "#CP"
	case SecurityException:
		return "#SX"
	case SyscallInt80:
		return "#SYSCALL"
	default:
		return fmt.Sprintf("vector(%#x)", uintptr(v))
	}
}

// HasErrorCode returns true if the CPU pushes an error code for v.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault,
		InvalidTSS,
		SegmentNotPresent,
		StackSegmentFault,
		GeneralProtectionFault,
		PageFault,
		AlignmentCheck,
		ControlProtectionException,
		SecurityException:
		return true
	}
	return false
}

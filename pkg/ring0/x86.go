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

package ring0

// RFLAGS bits.
const (
	RFlagsReserved = 1 << 1  // Always set.
	RFlagsStep     = 1 << 8  // TF: single step.
	RFlagsIF       = 1 << 9  // IF: interrupt enable.
	RFlagsDF       = 1 << 10 // DF: direction.
	RFlagsIOPL     = 3 << 12 // IOPL: I/O privilege level.
	RFlagsNT       = 1 << 14 // NT: nested task.
	RFlagsAC       = 1 << 18 // AC: alignment check.
)

// EFER bits.
const (
	EferSCE = 1 << 0  // SCE: syscall/sysret enable.
	EferLME = 1 << 8  // LME: long mode enable.
	EferLMA = 1 << 10 // LMA: long mode active.
	EferNX  = 1 << 11 // NX: no-execute enable.
)

// CR4 bits.
const (
	CR4PSE      = 1 << 4
	CR4PAE      = 1 << 5
	CR4PGE      = 1 << 7
	CR4OSFXSR   = 1 << 9 // FXSAVE/FXRSTOR enable.
	CR4FSGSBase = 1 << 16
	CR4PCIDE    = 1 << 17
	CR4OSXSAVE  = 1 << 18 // XSAVE and processor extended states enable.
	CR4SMEP     = 1 << 20
)

// XCR0 extended-state component bits. Bit k (k >= 2) identifies one
// extended-state component; bits 0-1 are the mandatory legacy FP/SSE pair.
const (
	XCR0FP       = 1 << 0
	XCR0SSE      = 1 << 1
	XCR0AVX      = 1 << 2
	XCR0BNDREG   = 1 << 3
	XCR0BNDCSR   = 1 << 4
	XCR0OpMask   = 1 << 5
	XCR0ZMMHi256 = 1 << 6
	XCR0Hi16ZMM  = 1 << 7
	XCR0PKRU     = 1 << 9
	XCR0TILECFG  = 1 << 17
	XCR0TILEDATA = 1 << 18
)

// XCR0FirstExtended is the first non-legacy extended-state component.
const XCR0FirstExtended = 2

// XCR0MaxComponent is the highest architecturally defined component index.
const XCR0MaxComponent = 63

// PageFaultErrorCode is the hardware error code pushed for a #PF.
type PageFaultErrorCode uint32

// Page-fault error code bits.
const (
	PFErrorPresent          PageFaultErrorCode = 1 << 0 // Protection violation (page was present).
	PFErrorWrite            PageFaultErrorCode = 1 << 1 // Caused by a write.
	PFErrorUser             PageFaultErrorCode = 1 << 2 // Fault in user mode.
	PFErrorReservedBits     PageFaultErrorCode = 1 << 3 // Malformed table entry.
	PFErrorInstructionFetch PageFaultErrorCode = 1 << 4 // Caused by an instruction fetch.
)

// PFErrorCodeMask covers every bit the hardware itself may set.
const PFErrorCodeMask = PFErrorPresent | PFErrorWrite | PFErrorUser |
	PFErrorReservedBits | PFErrorInstructionFetch

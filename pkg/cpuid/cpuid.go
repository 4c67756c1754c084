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

// Package cpuid provides the CPU feature queries consumed by the enclave
// engine: virtualization support, supported XCR0 bits, and the per-component
// extended-state layout used to size state-save frames.
//
// All queries go through a Function, so that tests can substitute a Static
// table for the live CPUID instruction.
package cpuid

// In specifies the CPUID function (eax) and sub-leaf (ecx) to query.
type In struct {
	Eax uint32
	Ecx uint32
}

// Out is the CPUID result register set.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

// Function is a CPUID function.
type Function interface {
	Query(In) Out
}

// FeatureSet defines CPU features in terms of CPUID leaves and bits.
type FeatureSet struct {
	// Function is the underlying CPUID Function.
	Function
}

// CPUID function numbers used by this package.
const (
	featureInfo        = 0x1        // Basic feature bits.
	xSaveInfo          = 0xd        // Extended state enumeration.
	extendedFeatures   = 0x80000001 // AMD extended feature bits (SVM et al).
	xSaveInfoNumLeaves = 64         // Maximum number of xSaveInfo sub-leaves.
)

// Feature bits within their respective leaves.
const (
	featureInfoXSAVE = 1 << 26 // leaf 0x1, ecx.
	extendedSVM      = 1 << 2  // leaf 0x80000001, ecx.
)

// HasXSAVE returns true if the CPU implements XSAVE/XRSTOR.
func (fs FeatureSet) HasXSAVE() bool {
	return fs.Query(In{Eax: featureInfo}).Ecx&featureInfoXSAVE != 0
}

// HasVirtualization returns true if hardware virtualization extensions are
// present.
func (fs FeatureSet) HasVirtualization() bool {
	return fs.Query(In{Eax: extendedFeatures}).Ecx&extendedSVM != 0
}

// XCR0SupportedBits returns the extended-state component bits that may
// legally be set in XCR0 on this CPU.
func (fs FeatureSet) XCR0SupportedBits() uint64 {
	out := fs.Query(In{Eax: xSaveInfo})
	return uint64(out.Eax) | uint64(out.Edx)<<32
}

// XSaveStateInfo returns the (offset, size) of extended-state component c
// within a non-compacted XSAVE image, as enumerated by the hardware. Both are
// zero for components the CPU does not implement.
func (fs FeatureSet) XSaveStateInfo(c uint) (offset, size uint) {
	if c >= xSaveInfoNumLeaves {
		return 0, 0
	}
	out := fs.Query(In{Eax: xSaveInfo, Ecx: uint32(c)})
	return uint(out.Ebx), uint(out.Eax)
}

// MaxXsaveSize returns the XSAVE area size required if every supported
// component is enabled.
func (fs FeatureSet) MaxXsaveSize() uint {
	return uint(fs.Query(In{Eax: xSaveInfo}).Ecx)
}

// Static is a static CPUID function, used where the live instruction is
// unavailable or a fixed feature surface is wanted.
type Static map[In]Out

// Query implements Function.Query.
func (s Static) Query(in In) Out {
	return s[in]
}

// ToFeatureSet converts a static specification to a FeatureSet.
func (s Static) ToFeatureSet() FeatureSet {
	// Copy; the caller may keep mutating its map.
	ns := make(Static, len(s))
	for k, v := range s {
		ns[k] = v
	}
	return FeatureSet{ns}
}

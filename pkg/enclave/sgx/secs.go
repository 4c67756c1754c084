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

package sgx

import (
	"errors"
	"fmt"
	"math/bits"

	tbits "teevisor.dev/teevisor/pkg/bits"
	"teevisor.dev/teevisor/pkg/cpuid"
	"teevisor.dev/teevisor/pkg/hostarch"
	"teevisor.dev/teevisor/pkg/ring0"
)

// ErrInvalidSecs is returned for any malformed creation descriptor.
var ErrInvalidSecs = errors.New("invalid enclave creation descriptor")

// XfrmTemplate is the minimal legal extended-state mask: the legacy x87 and
// SSE components, which every enclave must carry.
const XfrmTemplate = ring0.XCR0FP | ring0.XCR0SSE

// Attributes are the enclave attribute flags and requested extended-state
// mask of a creation descriptor.
type Attributes struct {
	Flags uint64
	Xfrm  uint64
}

// Secs is the enclave creation descriptor. It is validated once at enclave
// creation and immutable thereafter.
type Secs struct {
	// Size is the span of the enclave's private address range. It must be
	// a power of two of at least one page.
	Size uint64

	// BaseAddr is the start of the private range.
	BaseAddr hostarch.Addr

	// SsaFrameSize is the caller-declared size of one state-save frame,
	// in pages.
	SsaFrameSize uint32

	// MsBufSize is the size of the marshalling buffer shared with the
	// untrusted runtime.
	MsBufSize uint64

	// Attributes holds the attribute flags and the XFRM mask.
	Attributes Attributes
}

// Validate checks the descriptor against the hardware feature surface. It
// touches no hardware state; a non-nil error aborts enclave creation.
func (s *Secs) Validate(fs cpuid.FeatureSet) error {
	if s.Size < hostarch.PageSize || bits.OnesCount64(s.Size) != 1 {
		return fmt.Errorf("%w: secs.size %#x must be a power of two of at least one page", ErrInvalidSecs, s.Size)
	}

	if s.MsBufSize == 0 || !hostarch.IsPageAligned(s.MsBufSize) {
		return fmt.Errorf("%w: secs.ms_buf_size %#x must be a non-zero page multiple", ErrInvalidSecs, s.MsBufSize)
	}

	xfrm := s.Attributes.Xfrm
	if !tbits.IsOn64(xfrm, XfrmTemplate) {
		return fmt.Errorf("%w: xfrm %#x lacks the legacy FP/SSE components", ErrInvalidSecs, xfrm)
	}

	// XFRM must contain a value that would be legal if loaded into XCR0.
	supported := fs.XCR0SupportedBits()
	if !tbits.IsOn64(supported, xfrm) {
		return fmt.Errorf("%w: xfrm %#x exceeds hardware-supported XCR0 bits %#x", ErrInvalidSecs, xfrm, supported)
	}

	// Compute the minimum save-area size by walking every component named
	// in xfrm, mirroring the hardware's own layout algorithm: the frame
	// ends at the largest (offset + size) of any enabled component.
	offset := uint(XsaveLegacyRegionSize + XsaveHeaderSize)
	size := uint(0)
	for c := uint(ring0.XCR0FirstExtended); c <= ring0.XCR0MaxComponent; c++ {
		if xfrm>>c&1 == 0 {
			continue
		}
		cOffset, cSize := fs.XSaveStateInfo(c)
		if cOffset >= offset+size {
			offset = cOffset
			size = cSize
		}
	}
	xsaveSize := offset + size

	needed := xsaveSize + MiscSgxSize + GprSgxSize
	declared := uint(s.SsaFrameSize) * hostarch.PageSize
	if needed > declared {
		return fmt.Errorf("%w: ssa frame of %d pages is smaller than the %d bytes xfrm %#x requires", ErrInvalidSecs, s.SsaFrameSize, needed, xfrm)
	}
	if needed > SsaFrameSize {
		return fmt.Errorf("%w: xfrm %#x requires %d bytes, above the fixed %d byte frame ceiling", ErrInvalidSecs, xfrm, needed, SsaFrameSize)
	}
	return nil
}

// ELRange returns the enclave's private address range.
func (s *Secs) ELRange() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: s.BaseAddr,
		End:   s.BaseAddr + hostarch.Addr(s.Size),
	}
}

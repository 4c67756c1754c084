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
	"fmt"

	"teevisor.dev/teevisor/pkg/bits"
)

// Extended-register image layout.
const (
	// XsaveLegacyRegionSize is the FXSAVE-compatible legacy region (x87
	// and SSE state).
	XsaveLegacyRegionSize = 512

	// XsaveHeaderSize is the XSAVE header that follows the legacy region.
	XsaveHeaderSize = 64

	// XsaveExtendedSize is the room left in a state-save frame for
	// non-legacy components.
	XsaveExtendedSize = SsaFrameSize - XsaveLegacyRegionSize - XsaveHeaderSize - MiscSgxSize - GprSgxSize
)

// Offsets of architectural fields inside the legacy region.
const (
	legacyFCWOffset   = 0
	legacyMXCSROffset = 24
)

// Architectural initial values.
const (
	initFCW   = 0x037f
	initMXCSR = 0x1f80
)

// XsaveHeader is the XSAVE header. XstateBV names the components whose
// state in the image differs from their initial configuration. XcompBV is
// the compaction mask; this engine only produces and accepts non-compacted
// images, so it must be zero.
type XsaveHeader struct {
	XstateBV uint64
	XcompBV  uint64
	Reserved [48]byte
}

// XsaveRegion is a non-compacted extended-register image, sized to fit a
// state-save frame.
type XsaveRegion struct {
	Legacy   [XsaveLegacyRegionSize]byte
	Header   XsaveHeader
	Extended [XsaveExtendedSize]byte
}

// SyntheticState returns a fresh image holding the architectural initial
// value of every component. Restoring it scrubs the live extended registers
// between worlds.
func SyntheticState() *XsaveRegion {
	var r XsaveRegion
	r.Legacy[legacyFCWOffset] = initFCW & 0xff
	r.Legacy[legacyFCWOffset+1] = initFCW >> 8
	r.Legacy[legacyMXCSROffset] = initMXCSR & 0xff
	r.Legacy[legacyMXCSROffset+1] = initMXCSR >> 8
	// XstateBV = 0: every component is in its initial configuration.
	return &r
}

// ValidateAtResume checks that the image is self-consistent before its
// state is loaded back into the live registers on resume. xfrm is the
// enclave's extended-state mask; a component outside it must not appear in
// the image.
func (r *XsaveRegion) ValidateAtResume(xfrm uint64) error {
	if !bits.IsOn64(xfrm, r.Header.XstateBV) {
		return fmt.Errorf("xsave image names components %#x outside xfrm %#x", r.Header.XstateBV, xfrm)
	}
	if r.Header.XcompBV != 0 {
		return fmt.Errorf("xsave image is compacted (xcomp_bv %#x), not supported", r.Header.XcompBV)
	}
	for _, b := range r.Header.Reserved {
		if b != 0 {
			return fmt.Errorf("xsave header reserved bytes are not zero")
		}
	}
	return nil
}

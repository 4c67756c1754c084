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

// Package hostarch contains host architecture constants and address types
// shared by the hypervisor core.
package hostarch

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// PageMask is the mask of the page offset bits.
	PageMask = PageSize - 1
)

// IsPageAligned returns true if x is a multiple of the page size.
func IsPageAligned(x uint64) bool {
	return x&PageMask == 0
}

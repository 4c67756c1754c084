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

// Package hypercall defines the call numbers of the hypervisor's guest-
// visible interface. The enclave codes form a stable ABI with the
// host-side dispatcher; renumbering them breaks deployed runtimes.
package hypercall

import "fmt"

// Code is a hypercall number, carried in the guest's return-value register
// at the hypercall trap.
type Code uint32

// Enclave operations.
const (
	// EnclaveCreate validates a creation descriptor and instantiates an
	// enclave.
	EnclaveCreate Code = 0x80000100 + iota

	// EnclaveEnter transfers the calling thread into secure world.
	EnclaveEnter

	// EnclaveExit leaves secure world voluntarily.
	EnclaveExit

	// EnclaveResume is the resume-request opcode the async-exit hand-off
	// protocol places in the first fixed register.
	EnclaveResume

	// EnclaveDestroy tears an enclave down.
	EnclaveDestroy
)

// String implements fmt.Stringer.String.
func (c Code) String() string {
	switch c {
	case EnclaveCreate:
		return "enclave_create"
	case EnclaveEnter:
		return "enclave_enter"
	case EnclaveExit:
		return "enclave_exit"
	case EnclaveResume:
		return "enclave_resume"
	case EnclaveDestroy:
		return "enclave_destroy"
	default:
		return fmt.Sprintf("hypercall(%#x)", uint32(c))
	}
}

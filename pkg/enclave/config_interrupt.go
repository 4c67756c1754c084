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

//go:build enclave_interrupt
// +build enclave_interrupt

package enclave

// enclaveInterruptsEnabled selects the build-time interrupt policy for
// secure-world execution: whether IF is forced on or off in the flags
// register on every enter and resume.
const enclaveInterruptsEnabled = true

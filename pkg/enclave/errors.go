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

import "errors"

var (
	// ErrInvalidXfrm is returned when a requested extended-state mask
	// fails validation against the hardware-reported enabled bits. No
	// state has been mutated.
	ErrInvalidXfrm = errors.New("invalid extended-state mask")

	// ErrCorruptXsaveImage is returned by resume when the saved
	// extended-register image fails its consistency check. The resume is
	// aborted before any state is restored.
	ErrCorruptXsaveImage = errors.New("corrupt xsave image in state-save area")

	// ErrStateCommit is returned when the state-access layer reports a
	// failed register-state store. This is fatal for the owning virtual
	// CPU: the enclave must be destroyed, not resumed.
	ErrStateCommit = errors.New("thread state commit failed")
)

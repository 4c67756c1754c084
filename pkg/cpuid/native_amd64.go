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

//go:build amd64
// +build amd64

package cpuid

// Native executes the CPUID instruction directly.
type Native struct{}

// native is the raw CPUID instruction, defined in assembly.
func native(in In) Out

// Query implements Function.Query.
func (Native) Query(in In) Out {
	return native(in)
}

// HostFeatureSet returns the feature set of the executing CPU.
func HostFeatureSet() FeatureSet {
	return FeatureSet{Native{}}
}

// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

// emaWeight is the weight given to each new sample.
const emaWeight = 0.1

// EMA is an exponential moving average of latency in milliseconds. The
// first sample becomes the average; each later one moves it by a tenth
// of the difference.
type EMA struct {
	value   float64
	samples uint64
}

// Add folds a sample into the average.
func (e *EMA) Add(sample float64) {
	if e.samples == 0 {
		e.value = sample
	} else {
		e.value = e.value*(1-emaWeight) + sample*emaWeight
	}
	e.samples++
}

// Value returns the current average, or zero before the first sample.
func (e *EMA) Value() float64 {
	return e.value
}

// Samples returns the number of samples added.
func (e *EMA) Samples() uint64 {
	return e.samples
}

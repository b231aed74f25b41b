// Copyright 2025 The LlamaFarm Authors
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

package gguf

// Context-window sizing. The advertised header context is capped by what
// the host can actually hold: a rough KV-cache budget of half the
// available memory at ~512 KiB per context slot.

const (
	// DefaultContext applies when neither the header nor the caller
	// provides a value.
	DefaultContext = 4096

	// MinContext is the floor below which generation is not useful.
	MinContext = 512

	// bytesPerSlot approximates KV-cache cost per context token across
	// common 7B-class architectures.
	bytesPerSlot = 512 * 1024
)

// SafeContext derives the context window actually used: the minimum of
// the header's advertised context, a memory-derived cap, and an optional
// config override (override <= 0 means unset). The result never falls
// below MinContext.
func SafeContext(headerCtx int, availMem uint64, override int) int {
	ctx := headerCtx
	if ctx <= 0 {
		ctx = DefaultContext
	}

	if availMem > 0 {
		memCap := int(availMem / 2 / bytesPerSlot)
		if memCap < ctx {
			ctx = memCap
		}
	}

	if override > 0 && override < ctx {
		ctx = override
	}

	if ctx < MinContext {
		ctx = MinContext
	}
	return ctx
}

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

package llms

import (
	"github.com/pkoukk/tiktoken-go"
)

// estimateUsage approximates token counts when the upstream response
// carries no usage block (llama-server and some proxies omit it).
// Unknown models fall back to cl100k_base; if the encoding itself is
// unavailable, a bytes/4 heuristic keeps the numbers plausible.
func estimateUsage(model string, messages []Message, completion string) usage {
	var prompt int
	for _, msg := range messages {
		// Per-message wire overhead, counted the way OpenAI documents it.
		prompt += 4
		prompt += countTokens(model, msg.Content)
	}
	out := countTokens(model, completion)
	return usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

func countTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

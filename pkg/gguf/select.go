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

import (
	"fmt"
	"regexp"
	"strings"
)

// quantPreference orders quantization variants from most to least
// preferred when the caller states no preference.
var quantPreference = []string{
	"Q4_K_M", "Q4_K", "Q5_K_M", "Q5_K", "Q8_0", "Q6_K",
	"Q4_K_S", "Q5_K_S", "Q3_K_M", "Q2_K", "F16",
}

// splitPartPattern matches multi-part GGUF files such as
// model-00001-of-00002.gguf.
var splitPartPattern = regexp.MustCompile(`-\d{5}-of-\d{5}\.gguf$`)

// SelectFile picks one .gguf file from files. A non-empty preference wins
// when a file carries that quantization token; otherwise the preference
// order applies left to right. Split multi-part files are disfavored
// unless they are the only option. A single candidate is returned
// verbatim.
func SelectFile(files []string, preference string) (string, error) {
	var candidates []string
	for _, f := range files {
		if strings.HasSuffix(strings.ToLower(f), ".gguf") {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no .gguf files among %d candidates", len(files))
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	whole := make([]string, 0, len(candidates))
	var split []string
	for _, f := range candidates {
		if splitPartPattern.MatchString(f) {
			split = append(split, f)
		} else {
			whole = append(whole, f)
		}
	}
	pool := whole
	if len(pool) == 0 {
		pool = split
	}

	if preference != "" {
		token := strings.ToUpper(preference)
		for _, f := range pool {
			if hasQuantToken(f, token) {
				return f, nil
			}
		}
		// Preference absent from the pool; fall through to the default
		// ordering rather than failing the load.
	}

	for _, quant := range quantPreference {
		for _, f := range pool {
			if hasQuantToken(f, quant) {
				return f, nil
			}
		}
	}

	return pool[0], nil
}

// hasQuantToken reports whether the filename carries the quantization
// token as a distinct component. '_' is not a delimiter: Q4_K must not
// match inside Q4_K_M.
func hasQuantToken(file, token string) bool {
	upper := strings.ToUpper(file)
	idx := 0
	for {
		i := strings.Index(upper[idx:], token)
		if i < 0 {
			return false
		}
		i += idx
		before := byte('.')
		if i > 0 {
			before = upper[i-1]
		}
		after := byte('.')
		if end := i + len(token); end < len(upper) {
			after = upper[end]
		}
		if isDelim(before) && isDelim(after) {
			return true
		}
		idx = i + 1
	}
}

func isDelim(b byte) bool {
	switch b {
	case '.', '-', '/':
		return true
	default:
		return false
	}
}

// Quantization extracts the quantization token from a filename, or ""
// when none of the known tokens is present.
func Quantization(file string) string {
	for _, quant := range quantPreference {
		if hasQuantToken(file, quant) {
			return quant
		}
	}
	return ""
}

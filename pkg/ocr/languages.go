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

package ocr

import "fmt"

// tesseractLanguages maps ISO-639-1 codes to tesseract's 3-letter
// traineddata names.
var tesseractLanguages = map[string]string{
	"af": "afr",
	"ar": "ara",
	"bg": "bul",
	"bn": "ben",
	"ca": "cat",
	"cs": "ces",
	"da": "dan",
	"de": "deu",
	"el": "ell",
	"en": "eng",
	"es": "spa",
	"et": "est",
	"fa": "fas",
	"fi": "fin",
	"fr": "fra",
	"he": "heb",
	"hi": "hin",
	"hr": "hrv",
	"hu": "hun",
	"id": "ind",
	"it": "ita",
	"ja": "jpn",
	"ko": "kor",
	"lt": "lit",
	"lv": "lav",
	"ms": "msa",
	"nl": "nld",
	"no": "nor",
	"pl": "pol",
	"pt": "por",
	"ro": "ron",
	"ru": "rus",
	"sk": "slk",
	"sl": "slv",
	"sr": "srp",
	"sv": "swe",
	"ta": "tam",
	"te": "tel",
	"th": "tha",
	"tr": "tur",
	"uk": "ukr",
	"ur": "urd",
	"vi": "vie",
	"zh": "chi_sim",
}

// toTesseractLang converts ISO-639-1 codes to tesseract names.
// Already-3-letter codes pass through untouched.
func toTesseractLang(codes []string) ([]string, error) {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if mapped, ok := tesseractLanguages[code]; ok {
			out = append(out, mapped)
			continue
		}
		if len(code) >= 3 {
			out = append(out, code)
			continue
		}
		return nil, fmt.Errorf("unsupported language code %q", code)
	}
	return out, nil
}

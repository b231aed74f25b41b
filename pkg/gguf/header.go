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

// Package gguf reads GGUF metadata headers and selects quantization
// variants from multi-file model repositories.
package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

const magic = 0x46554747 // "GGUF" little-endian

// Value types in the GGUF metadata KV section.
const (
	typeUint8   = 0
	typeInt8    = 1
	typeUint16  = 2
	typeInt16   = 3
	typeUint32  = 4
	typeInt32   = 5
	typeFloat32 = 6
	typeBool    = 7
	typeString  = 8
	typeArray   = 9
	typeUint64  = 10
	typeInt64   = 11
	typeFloat64 = 12
)

// maxMetadataStrings guards against corrupt headers claiming absurd sizes.
const (
	maxStringLen = 1 << 20
	maxArrayLen  = 1 << 20
	maxKVCount   = 1 << 16
)

// Header holds the metadata section of a GGUF file.
type Header struct {
	Version     uint32
	TensorCount uint64
	Metadata    map[string]any
}

// ReadHeader parses the metadata header of a GGUF v2/v3 file. Tensor data
// is not read.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gguf file: %w", err)
	}
	defer f.Close()
	return readHeader(f)
}

func readHeader(r io.Reader) (*Header, error) {
	var m uint32
	if err := binary.Read(r, binary.LittleEndian, &m); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	if m != magic {
		return nil, fmt.Errorf("not a GGUF file (magic 0x%08x)", m)
	}

	h := &Header{Metadata: make(map[string]any)}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if h.Version < 2 || h.Version > 3 {
		return nil, fmt.Errorf("unsupported GGUF version %d", h.Version)
	}

	if err := binary.Read(r, binary.LittleEndian, &h.TensorCount); err != nil {
		return nil, fmt.Errorf("failed to read tensor count: %w", err)
	}

	var kvCount uint64
	if err := binary.Read(r, binary.LittleEndian, &kvCount); err != nil {
		return nil, fmt.Errorf("failed to read metadata count: %w", err)
	}
	if kvCount > maxKVCount {
		return nil, fmt.Errorf("metadata count %d exceeds limit", kvCount)
	}

	for i := uint64(0); i < kvCount; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata key %d: %w", i, err)
		}
		value, err := readValue(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read metadata value for %q: %w", key, err)
		}
		h.Metadata[key] = value
	}

	return h, nil
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readValue(r io.Reader) (any, error) {
	var vt uint32
	if err := binary.Read(r, binary.LittleEndian, &vt); err != nil {
		return nil, err
	}
	return readTyped(r, vt)
}

func readTyped(r io.Reader, vt uint32) (any, error) {
	switch vt {
	case typeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case typeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case typeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case typeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case typeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return uint64(v), err
	case typeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return int64(v), err
	case typeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return float64(v), err
	case typeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case typeString:
		return readString(r)
	case typeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case typeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case typeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case typeArray:
		var elemType uint32
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return nil, err
		}
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, err
		}
		if count > maxArrayLen {
			return nil, fmt.Errorf("array length %d exceeds limit", count)
		}
		values := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			v, err := readTyped(r, elemType)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		}
		return values, nil
	default:
		return nil, fmt.Errorf("unknown metadata value type %d", vt)
	}
}

// Architecture returns the general.architecture metadata value.
func (h *Header) Architecture() string {
	if v, ok := h.Metadata["general.architecture"].(string); ok {
		return v
	}
	return ""
}

// ContextLength returns the advertised context window, or 0 when absent.
func (h *Header) ContextLength() int {
	arch := h.Architecture()
	if arch != "" {
		if v, ok := asInt(h.Metadata[arch+".context_length"]); ok {
			return v
		}
	}
	// Some converters write the key without an architecture prefix.
	for key, value := range h.Metadata {
		if strings.HasSuffix(key, ".context_length") {
			if v, ok := asInt(value); ok {
				return v
			}
		}
	}
	return 0
}

// EmbeddingLength returns the model embedding width, or 0 when absent.
func (h *Header) EmbeddingLength() int {
	arch := h.Architecture()
	if v, ok := asInt(h.Metadata[arch+".embedding_length"]); ok {
		return v
	}
	return 0
}

// BlockCount returns the number of transformer blocks, or 0 when absent.
func (h *Header) BlockCount() int {
	arch := h.Architecture()
	if v, ok := asInt(h.Metadata[arch+".block_count"]); ok {
		return v
	}
	return 0
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case uint64:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

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

package buffer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/llamafarm/llamafarm/pkg/registry"
)

// Registry maps buffer ids to live buffers. Duplicate ids are rejected so
// the HTTP layer can answer 409.
type Registry struct {
	*registry.BaseRegistry[*Buffer]
}

// NewRegistry creates an empty buffer registry.
func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[*Buffer]()}
}

// Create registers a new buffer under id; an empty id gets a generated
// UUID. The id actually used is returned.
func (r *Registry) Create(id string, window int) (string, *Buffer, error) {
	if id == "" {
		id = uuid.NewString()
	}

	buf, err := New(window)
	if err != nil {
		return "", nil, err
	}
	if err := r.Register(id, buf); err != nil {
		return "", nil, fmt.Errorf("buffer %q: %w", id, registry.ErrAlreadyExists)
	}
	return id, buf, nil
}

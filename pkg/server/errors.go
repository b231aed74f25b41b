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

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/llamafarm/llamafarm/pkg/anomaly"
	"github.com/llamafarm/llamafarm/pkg/device"
	"github.com/llamafarm/llamafarm/pkg/filecache"
	"github.com/llamafarm/llamafarm/pkg/hub"
	"github.com/llamafarm/llamafarm/pkg/logger"
	"github.com/llamafarm/llamafarm/pkg/registry"
)

// errorBody is the uniform error envelope.
type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Detail: detail})
}

// mapError translates the shared error taxonomy to HTTP statuses.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, hub.ErrModelNotCached),
		errors.Is(err, filecache.ErrNotFound), errors.Is(err, ErrProjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, device.ErrInsufficientDisk), errors.Is(err, anomaly.ErrNotFitted):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		// Unclassified errors can carry filesystem paths; log the
		// detail, answer generically.
		logger.GetLogger("http").Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security
//
// Licensed under the Functional Source License, Version 1.1,
// ALv2 Future License, the terms and conditions of which are
// set forth in the "LICENSE" file included in the root directory
// of this code repository (the "License"); you may not use this
// file except in compliance with the License. You may obtain
// a copy of the License at
//
// https://fsl.software/FSL-1.1-ALv2.template.md
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package nodeagent is the Attestation HTTP Surface (spec.md C5): it serves
// pubkey/verify/quote/key-submission endpoints over the node's TPM quote
// owner (tpmquote) and key-share collector (keyshare), wrapping every
// response in the `{code, status, results}` envelope.
package nodeagent

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope is the wire response shape spec.md §6 requires of every
// endpoint: {"code": <int>, "status": <string>, "results": <object>}.
type envelope struct {
	Code    int    `json:"code"`
	Status  string `json:"status"`
	Results any    `json:"results"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, results any) {
	status := "ok"
	if code >= http.StatusBadRequest {
		status = "error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(envelope{Code: code, Status: status, Results: results}); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode response envelope", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, message string) {
	writeJSON(w, r, code, map[string]string{"error": message})
}

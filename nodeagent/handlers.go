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

package nodeagent

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/nodeattest/agent/keyshare"
	"github.com/nodeattest/agent/pcrcodec"
)

func (s *Server) handlePubkey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"pubkey": s.pubkeyPEM})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	challenge := r.URL.Query().Get("challenge")
	if !isAlphanumeric(challenge) {
		writeError(w, r, http.StatusBadRequest, "challenge must be alphanumeric")
		return
	}

	k, ok := s.keys.K()
	if !ok {
		writeError(w, r, http.StatusBadRequest, "key not yet derived")
		return
	}

	hmac := keyshare.HMAC(k, []byte(challenge))
	writeJSON(w, r, http.StatusOK, map[string]string{"hmac": base64.StdEncoding.EncodeToString(hmac)})
}

// bindData is the fixed identity the node binds into PCR 16 on every quote:
// its own RSA public key, so a quote cannot be replayed as evidence for a
// different node's identity. spec.md §4.2 leaves the content of bind_data
// to the caller of make_shallow/make_deep; the HTTP surface always supplies
// this value rather than accepting it as a query parameter.
func (s *Server) bindData() []byte {
	der, err := x509.MarshalPKIXPublicKey(&s.rsaKey.PublicKey)
	if err != nil {
		slog.Error("failed to marshal public key for pcr bind", "error", err)
		return nil
	}
	return der
}

func (s *Server) handleQuoteIdentity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nonce := q.Get("nonce")
	mask := q.Get("mask")

	if !isAlphanumeric(nonce) {
		writeError(w, r, http.StatusBadRequest, "nonce must be present and alphanumeric")
		return
	}
	if !isAlphanumericOrEmpty(mask) {
		writeError(w, r, http.StatusBadRequest, "mask must be alphanumeric")
		return
	}

	quote, err := s.quoteOwner.MakeShallow(nonce, s.bindData(), mask)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to produce identity quote", "error", err)
		writeError(w, r, http.StatusInternalServerError, "tpm failure")
		return
	}

	results := map[string]any{"quote": quote}
	s.attachPubkeyAndIMA(results, q, mask)
	writeJSON(w, r, http.StatusOK, results)
}

func (s *Server) handleQuoteIntegrity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nonce := q.Get("nonce")
	mask := q.Get("mask")
	vmask := q.Get("vmask")

	if !isAlphanumeric(nonce) {
		writeError(w, r, http.StatusBadRequest, "nonce must be present and alphanumeric")
		return
	}
	if !isAlphanumericOrEmpty(mask) || !isAlphanumericOrEmpty(vmask) {
		writeError(w, r, http.StatusBadRequest, "mask/vmask must be alphanumeric")
		return
	}

	var (
		quote   string
		err     error
		imaMask = mask
	)
	if s.quoteOwner.HasVirtualDevice() {
		quote, err = s.quoteOwner.MakeDeep(nonce, s.bindData(), vmask, mask)
		imaMask = vmask
	} else {
		quote, err = s.quoteOwner.MakeShallow(nonce, s.bindData(), mask)
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to produce integrity quote", "error", err)
		writeError(w, r, http.StatusInternalServerError, "tpm failure")
		return
	}

	results := map[string]any{"quote": quote}
	s.attachPubkeyAndIMA(results, q, imaMask)
	writeJSON(w, r, http.StatusOK, results)
}

// attachPubkeyAndIMA implements the two "always attach unless told not to"
// rules shared by both quote endpoints: the node's own public key (subject
// to the partial query override) and, when the effective mask covers the
// IMA PCR, the IMA measurement list contents.
func (s *Server) attachPubkeyAndIMA(results map[string]any, q map[string][]string, imaMask string) {
	values, present := q["partial"]
	if !omitPubkey(values, present) {
		results["pubkey"] = s.pubkeyPEM
	}

	if s.imaList == nil || !pcrcodec.CheckMask(imaMask, pcrcodec.IMAPCR) {
		return
	}
	reader, ok, err := s.imaList.Read()
	if err != nil {
		slog.Warn("failed to read ima measurement list", "error", err)
		return
	}
	if !ok {
		return
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		slog.Warn("failed to drain ima measurement list", "error", err)
		return
	}
	results["ima_measurement_list"] = string(data)
}

type ukeyRequest struct {
	EncryptedKey string `json:"encrypted_key"`
	AuthTag      string `json:"auth_tag"`
	Payload      string `json:"payload,omitempty"`
}

type vkeyRequest struct {
	EncryptedKey string `json:"encrypted_key"`
}

func (s *Server) handleSubmitU(w http.ResponseWriter, r *http.Request) {
	var req ukeyRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(req.EncryptedKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "encrypted_key must be base64")
		return
	}
	authTag, err := base64.StdEncoding.DecodeString(req.AuthTag)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "auth_tag must be base64")
		return
	}

	u, err := DecryptRSA(s.rsaKey, encryptedKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to decrypt encrypted_key")
		return
	}

	var payload []byte
	if req.Payload != "" {
		payload, err = base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "payload must be base64")
			return
		}
	}

	derived := s.keys.SubmitU(u, authTag, payload)
	writeJSON(w, r, http.StatusOK, map[string]bool{"accepted": true})

	if derived {
		s.runPostDeriveSequence(payload)
	}
}

func (s *Server) handleSubmitV(w http.ResponseWriter, r *http.Request) {
	var req vkeyRequest
	if !s.decodeJSONBody(w, r, &req) {
		return
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(req.EncryptedKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "encrypted_key must be base64")
		return
	}

	v, err := DecryptRSA(s.rsaKey, encryptedKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to decrypt encrypted_key")
		return
	}

	derived := s.keys.SubmitV(v)
	writeJSON(w, r, http.StatusOK, map[string]bool{"accepted": true})

	if derived {
		s.runPostDeriveSequence(s.keys.Payload())
	}
}

// decodeJSONBody implements spec.md §4.5's "empty POST body -> 400" rule
// and JSON-decodes the rest, writing the 400 response itself on failure.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	if r.ContentLength == 0 {
		writeError(w, r, http.StatusBadRequest, "empty request body")
		return false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if len(body) == 0 {
		writeError(w, r, http.StatusBadRequest, "empty request body")
		return false
	}

	if err := json.Unmarshal(body, dest); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed json body")
		return false
	}

	return true
}

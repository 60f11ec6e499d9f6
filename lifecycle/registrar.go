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

package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nodeattest/agent/config"
)

// RegisterRequest carries everything the Registrar needs to record this
// node and wrap a credential under its AIK/EK pair.
type RegisterRequest struct {
	NodeUUID     string
	EKPub        []byte
	EKCert       string
	AIKPub       []byte
	RSAPubkeyPEM string
}

// RegisterResponse is the Registrar's reply: an encrypted credential blob
// and its wrapping secret, the two values TPM2_ActivateCredential needs to
// recover the ephemeral activation key (spec.md §1's "prove possession of
// the AIK").
type RegisterResponse struct {
	CredentialBlob []byte
	Secret         []byte
}

// Registrar is the out-of-scope external collaborator spec.md §1 names:
// the service a node registers its identity with. The core only consumes
// this narrow contract.
type Registrar interface {
	Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error)
}

// HTTPRegistrar is the default Registrar: a simple JSON-over-HTTP POST to
// the configured registrar address, matching the shape of Keylime's
// registrar REST API (POST /v2/agents/<uuid> with the node's
// identity material, response carrying the wrapped credential).
type HTTPRegistrar struct {
	Address string
	Client  *http.Client
}

type registerWireRequest struct {
	EKPub        []byte `json:"ek_pub"`
	EKCert       string `json:"ek_cert"`
	AIKPub       []byte `json:"aik_pub"`
	RSAPubkeyPEM string `json:"rsa_pubkey_pem"`
}

type registerWireResponse struct {
	CredentialBlob []byte `json:"credential_blob"`
	Secret         []byte `json:"secret"`
}

func (r *HTTPRegistrar) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	body, err := json.Marshal(registerWireRequest{
		EKPub:        req.EKPub,
		EKCert:       req.EKCert,
		AIKPub:       req.AIKPub,
		RSAPubkeyPEM: req.RSAPubkeyPEM,
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: marshal registrar request: %w", err)
	}

	url := fmt.Sprintf("http://%s/v2/agents/%s", r.Address, req.NodeUUID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build registrar request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: registrar request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lifecycle: registrar returned status %d", resp.StatusCode)
	}

	var wire registerWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("lifecycle: decode registrar response: %w", err)
	}

	return &RegisterResponse{CredentialBlob: wire.CredentialBlob, Secret: wire.Secret}, nil
}

// NewRegistrar builds the default Registrar from configuration.
func NewRegistrar(cfg config.Registrar) Registrar {
	return &HTTPRegistrar{Address: cfg.Address}
}

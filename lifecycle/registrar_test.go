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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRegistrarRegisterRoundTrip(t *testing.T) {
	var gotPath string
	var gotReq registerWireRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registerWireResponse{
			CredentialBlob: []byte("credential-blob"),
			Secret:         []byte("wrapped-secret"),
		})
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	registrar := &HTTPRegistrar{Address: u.Host}
	resp, err := registrar.Register(context.Background(), RegisterRequest{
		NodeUUID:     "node-uuid-1",
		EKPub:        []byte("ek-pub"),
		EKCert:       "virtual",
		AIKPub:       []byte("aik-pub"),
		RSAPubkeyPEM: "-----BEGIN PUBLIC KEY-----\n...\n-----END PUBLIC KEY-----\n",
	})
	require.NoError(t, err)

	assert.True(t, strings.HasSuffix(gotPath, "/node-uuid-1"))
	assert.Equal(t, "ek-pub", string(gotReq.EKPub))
	assert.Equal(t, []byte("credential-blob"), resp.CredentialBlob)
	assert.Equal(t, []byte("wrapped-secret"), resp.Secret)
}

func TestHTTPRegistrarNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	registrar := &HTTPRegistrar{Address: u.Host}
	_, err = registrar.Register(context.Background(), RegisterRequest{NodeUUID: "node-uuid-1"})
	require.Error(t, err)
}

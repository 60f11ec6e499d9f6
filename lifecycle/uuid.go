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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nodeattest/agent/config"
)

// openstackMetadataURL is OpenStack's well-known instance-metadata address;
// the response body is a JSON document whose "uuid" field is the instance
// UUID.
const openstackMetadataURL = "http://169.254.169.254/openstack/latest/meta_data.json"

// OpenstackUUIDSource resolves a node UUID from cloud instance metadata,
// the external collaborator behind NodeUUIDOpenstack mode. The default
// implementation queries the OpenStack metadata service directly; test
// doubles can substitute a fixed value.
type OpenstackUUIDSource interface {
	InstanceUUID(ctx context.Context) (string, error)
}

// HTTPOpenstackUUIDSource fetches the metadata document over HTTP and
// extracts its uuid field with a minimal scan, avoiding a dependency on a
// full OpenStack metadata client for a single field.
type HTTPOpenstackUUIDSource struct {
	Client *http.Client
}

func (s *HTTPOpenstackUUIDSource) InstanceUUID(ctx context.Context) (string, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, openstackMetadataURL, nil)
	if err != nil {
		return "", fmt.Errorf("lifecycle: build openstack metadata request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("lifecycle: fetch openstack metadata: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("lifecycle: read openstack metadata: %w", err)
	}

	id, ok := extractJSONStringField(body, "uuid")
	if !ok {
		return "", fmt.Errorf("lifecycle: openstack metadata missing uuid field")
	}
	return id, nil
}

// extractJSONStringField does a minimal, dependency-free scan for
// `"field":"value"` inside a JSON document, sufficient for the one field
// this collaborator needs without pulling in a JSON schema for the whole
// OpenStack metadata document.
func extractJSONStringField(body []byte, field string) (string, bool) {
	needle := []byte(`"` + field + `":"`)
	idx := indexOf(body, needle)
	if idx < 0 {
		return "", false
	}
	start := idx + len(needle)
	end := start
	for end < len(body) && body[end] != '"' {
		end++
	}
	if end >= len(body) {
		return "", false
	}
	return string(body[start:end]), true
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

// DeriveNodeUUID implements spec.md §6's node_uuid config switch: literal
// string, OpenStack instance metadata, a hash of the endorsement key, or a
// freshly generated v4 UUID.
func DeriveNodeUUID(ctx context.Context, cfg *config.Config, ekPub []byte, openstack OpenstackUUIDSource) (string, error) {
	switch cfg.NodeUUIDMode {
	case config.NodeUUIDLiteral:
		return cfg.NodeUUID, nil

	case config.NodeUUIDOpenstack:
		if openstack == nil {
			openstack = &HTTPOpenstackUUIDSource{}
		}
		return openstack.InstanceUUID(ctx)

	case config.NodeUUIDHashEK:
		sum := sha256.Sum256(ekPub)
		return hashToUUIDString(sum[:]), nil

	case config.NodeUUIDGenerate, "":
		return uuid.NewString(), nil

	default:
		return "", fmt.Errorf("lifecycle: unknown node_uuid mode %q", cfg.NodeUUIDMode)
	}
}

// hashToUUIDString renders the first 16 bytes of a digest as a UUID-shaped
// string (not RFC 4122 version/variant bits, since this branch's whole
// point is a deterministic, reproducible identifier derived from the EK
// rather than a random one).
func hashToUUIDString(sum []byte) string {
	b := sum[:16]
	hexStr := hex.EncodeToString(b)
	return fmt.Sprintf("%s-%s-%s-%s-%s", hexStr[0:8], hexStr[8:12], hexStr[12:16], hexStr[16:20], hexStr[20:32])
}

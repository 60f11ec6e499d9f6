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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeattest/agent/config"
)

type stubOpenstackUUIDSource struct {
	id  string
	err error
}

func (s *stubOpenstackUUIDSource) InstanceUUID(context.Context) (string, error) {
	return s.id, s.err
}

func TestDeriveNodeUUIDLiteral(t *testing.T) {
	cfg := &config.Config{NodeUUIDMode: config.NodeUUIDLiteral, NodeUUID: "fixed-node-id"}
	id, err := DeriveNodeUUID(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed-node-id", id)
}

func TestDeriveNodeUUIDHashEKIsDeterministic(t *testing.T) {
	cfg := &config.Config{NodeUUIDMode: config.NodeUUIDHashEK}
	ek := []byte("endorsement-key-public-bytes")

	id1, err := DeriveNodeUUID(context.Background(), cfg, ek, nil)
	require.NoError(t, err)
	id2, err := DeriveNodeUUID(context.Background(), cfg, ek, nil)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 36)
}

func TestDeriveNodeUUIDGenerateIsRandom(t *testing.T) {
	cfg := &config.Config{NodeUUIDMode: config.NodeUUIDGenerate}

	id1, err := DeriveNodeUUID(context.Background(), cfg, nil, nil)
	require.NoError(t, err)
	id2, err := DeriveNodeUUID(context.Background(), cfg, nil, nil)
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestDeriveNodeUUIDOpenstackUsesCollaborator(t *testing.T) {
	cfg := &config.Config{NodeUUIDMode: config.NodeUUIDOpenstack}
	source := &stubOpenstackUUIDSource{id: "openstack-instance-id"}

	id, err := DeriveNodeUUID(context.Background(), cfg, nil, source)
	require.NoError(t, err)
	assert.Equal(t, "openstack-instance-id", id)
}

func TestDeriveNodeUUIDRejectsUnknownMode(t *testing.T) {
	cfg := &config.Config{NodeUUIDMode: "bogus"}
	_, err := DeriveNodeUUID(context.Background(), cfg, nil, nil)
	require.Error(t, err)
}

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
	"os"
	"testing"

	"github.com/google/go-tpm/tpm2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeattest/agent/config"
	"github.com/nodeattest/agent/tpmbackend"
)

func TestRunRequiresRootWhenConfigured(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("test verifies the non-root rejection path; running as root")
	}

	o := &Orchestrator{
		Config:      config.Default(),
		RequireRoot: true,
	}
	err := o.Run(context.Background())
	require.ErrorIs(t, err, ErrNotRoot)
}

func TestBuildQuoteOwnerWithoutVirtualDevice(t *testing.T) {
	sim := tpmbackend.NewInMemorySimulator()
	defer sim.Close()

	o := &Orchestrator{Config: config.Default()}
	owner := o.buildQuoteOwner(sim, tpm2.TPMHandle(0x81010002))

	require.NotNil(t, owner)
	assert.False(t, owner.HasVirtualDevice())
}

func TestBuildQuoteOwnerWithVirtualDevice(t *testing.T) {
	physical := tpmbackend.NewInMemorySimulator()
	defer physical.Close()
	virtual := tpmbackend.NewInMemorySimulator()
	defer virtual.Close()

	o := &Orchestrator{
		Config:        config.Default(),
		VirtualDevice: virtual,
	}
	owner := o.buildQuoteOwner(physical, tpm2.TPMHandle(0x81010002))

	assert.True(t, owner.HasVirtualDevice())
}

func TestTmpfsMounterRequiresRoot(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root; mount would actually succeed")
	}

	dir := t.TempDir() + "/secure"
	err := TmpfsMounter{}.Mount(dir)
	require.Error(t, err)
}

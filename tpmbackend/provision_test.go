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

package tpmbackend

import (
	"crypto/sha1" //nolint:gosec // TPM SHA1 PCR bank, not our choice
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nodeattest/agent/pcrcodec"
)

func TestPCRResetExtendReadRoundTrip(t *testing.T) {
	sim := NewInMemorySimulator()
	tpm, err := sim.Open()
	require.NoError(t, err)
	defer sim.Close()

	require.NoError(t, ResetPCR(tpm, pcrcodec.DataBindPCR))

	digest := sha1.Sum([]byte("0123456789abcdef0123456789abcdef01234567")) //nolint:gosec
	require.NoError(t, ExtendPCR(tpm, pcrcodec.DataBindPCR, digest))

	values, err := ReadPCRs(tpm, []int{pcrcodec.DataBindPCR})
	require.NoError(t, err)
	require.Contains(t, values, pcrcodec.DataBindPCR)
	require.Len(t, values[pcrcodec.DataBindPCR], sha1.Size)
}

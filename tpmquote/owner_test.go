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

package tpmquote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeattest/agent/pcrcodec"
	"github.com/nodeattest/agent/tpmbackend"
)

func TestMakeShallowStubModeReturnsCannedBlob(t *testing.T) {
	owner := NewOwner(nil, 0, WithStubMode(time.Millisecond))

	quote, err := owner.MakeShallow("nonce123", nil, "")
	require.NoError(t, err)

	deep, raw, err := pcrcodec.DecodeQuote(quote)
	require.NoError(t, err)
	assert.False(t, deep)
	assert.Equal(t, stubCannedRaw, string(raw))
}

func TestMakeDeepStubModeReturnsDeepTaggedBlob(t *testing.T) {
	owner := NewOwner(nil, 0, WithStubMode(0))

	quote, err := owner.MakeDeep("nonce123", []byte("bound-data"), "", "")
	require.NoError(t, err)

	deep, _, err := pcrcodec.DecodeQuote(quote)
	require.NoError(t, err)
	assert.True(t, deep)
}

func TestMaskOrDefault(t *testing.T) {
	assert.Equal(t, "1", maskOrDefault(""))
	assert.Equal(t, "0x401", maskOrDefault("0x401"))
}

func TestAugmentMaskSetsDataBindBit(t *testing.T) {
	augmented := augmentMask("0x4", pcrcodec.DataBindPCR)
	assert.True(t, pcrcodec.CheckMask(augmented, pcrcodec.DataBindPCR))
	assert.True(t, pcrcodec.CheckMask(augmented, 2))
}

func TestFrameUnframeQuoteRoundTrip(t *testing.T) {
	attest := []byte("attestation-structure")
	sig := []byte("signature-bytes")

	framed := frameQuote(&tpmbackend.QuoteResult{Attest: attest, Signature: sig})

	gotAttest, gotSig, rest, err := UnframeQuote(framed)
	require.NoError(t, err)
	assert.Equal(t, attest, gotAttest)
	assert.Equal(t, sig, gotSig)
	assert.Empty(t, rest)
}

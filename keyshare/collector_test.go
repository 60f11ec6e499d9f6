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

package keyshare

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitUVDerivesK(t *testing.T) {
	c := New("node-uuid-1")

	v := []byte{0x01, 0x02, 0x03, 0x04}
	k := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	u := xor(k, v)
	tag := HMAC(k, []byte("node-uuid-1"))

	derived := c.SubmitU(u, tag, []byte("ciphertext"))
	assert.False(t, derived, "K should not derive before V arrives")

	derived = c.SubmitV(v)
	assert.True(t, derived)

	gotK, ok := c.K()
	require.True(t, ok)
	assert.Equal(t, k, gotK)

	gotU, ok := c.FinalU()
	require.True(t, ok)
	assert.Equal(t, u, gotU)
}

func TestSetsClearedAfterDerivation(t *testing.T) {
	c := New("node-uuid-2")

	v := []byte{0x10, 0x20}
	k := []byte{0x01, 0x02}
	u := xor(k, v)
	tag := HMAC(k, []byte("node-uuid-2"))

	c.SubmitU(u, tag, nil)
	c.SubmitV(v)

	assert.Empty(t, c.uSet)
	assert.Empty(t, c.vSet)
}

func TestDecoysOnlyNeverDerives(t *testing.T) {
	c := New("node-uuid-3")

	k := []byte{0x01, 0x02, 0x03, 0x04}
	tag := HMAC(k, []byte("node-uuid-3"))

	c.SubmitU(tag[:4], tag, nil)

	for i := 0; i < 5; i++ {
		decoy := make([]byte, 4)
		decoy[0] = byte(i + 1)
		derived := c.SubmitV(decoy)
		assert.False(t, derived)
	}

	_, ok := c.K()
	assert.False(t, ok)
}

func TestMultipleDecoysStillFindsRealPair(t *testing.T) {
	c := New("node-uuid-4")

	k := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	v := []byte{0x11, 0x22, 0x33, 0x44}
	u := xor(k, v)
	tag := HMAC(k, []byte("node-uuid-4"))

	for i := 0; i < 3; i++ {
		decoyU := make([]byte, 4)
		decoyU[0] = byte(100 + i)
		c.SubmitU(decoyU, tag, nil)
	}
	c.SubmitU(u, tag, []byte("real-payload"))

	for i := 0; i < 3; i++ {
		decoyV := make([]byte, 4)
		decoyV[0] = byte(200 + i)
		c.SubmitV(decoyV)
	}
	derived := c.SubmitV(v)
	require.True(t, derived)

	gotK, ok := c.K()
	require.True(t, ok)
	assert.Equal(t, k, gotK)
	assert.Equal(t, []byte("real-payload"), c.Payload())
}

func TestSecondDerivationIsNoop(t *testing.T) {
	c := New("node-uuid-5")

	k := []byte{0x01}
	v := []byte{0x02}
	u := xor(k, v)
	tag := HMAC(k, []byte("node-uuid-5"))

	c.SubmitU(u, tag, nil)
	first := c.SubmitV(v)
	require.True(t, first)

	second := c.SubmitV([]byte{0x99})
	assert.False(t, second)

	gotK, _ := c.K()
	assert.Equal(t, k, gotK)
}

func TestMismatchedLengthPairsAreSkipped(t *testing.T) {
	c := New("node-uuid-6")

	k := []byte{0x01, 0x02, 0x03}
	v := []byte{0x04, 0x05, 0x06}
	u := xor(k, v)
	tag := HMAC(k, []byte("node-uuid-6"))

	c.SubmitU(u, tag, nil)
	derived := c.SubmitV([]byte{0x00, 0x00})
	assert.False(t, derived)

	derived = c.SubmitV(v)
	assert.True(t, derived)
}

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

package pcrcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeQuoteRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		raw  []byte
		deep bool
	}{
		{"empty shallow", []byte{}, false},
		{"empty deep", []byte{}, true},
		{"binary shallow", []byte{0x00, 0xff, 0x10, 0x20, 0x00}, false},
		{"binary deep", []byte{0x00, 0xff, 0x10, 0x20, 0x00}, true},
		{"text deep", []byte("some raw tpm quote bytes"), true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := EncodeQuote(tc.raw, tc.deep)
			require.NoError(t, err)
			require.NotEmpty(t, encoded)

			deep, raw, err := DecodeQuote(encoded)
			require.NoError(t, err)
			assert.Equal(t, tc.deep, deep)
			assert.Equal(t, tc.raw, raw)
		})
	}
}

func TestEncodeQuoteTagByte(t *testing.T) {
	shallow, err := EncodeQuote([]byte("x"), false)
	require.NoError(t, err)
	assert.Equal(t, byte('r'), shallow[0])

	deep, err := EncodeQuote([]byte("x"), true)
	require.NoError(t, err)
	assert.Equal(t, byte('d'), deep[0])
}

func TestDecodeQuoteMalformed(t *testing.T) {
	for _, text := range []string{"", "x garbage", "znotvalidbase64!!!"} {
		_, _, err := DecodeQuote(text)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMalformedQuote)
	}
}

func TestCheckMask(t *testing.T) {
	assert.True(t, CheckMask("0x401", 0))
	assert.True(t, CheckMask("0x401", 10))
	assert.False(t, CheckMask("0x401", 1))
	assert.True(t, CheckMask("1", 0))
	assert.False(t, CheckMask("1", 1))
	assert.False(t, CheckMask("", 0))
	assert.False(t, CheckMask("not-a-number", 0))
}

func TestExpectedBindPCRDeterministic(t *testing.T) {
	a := ExpectedBindPCR([]byte("payload-data"))
	b := ExpectedBindPCR([]byte("payload-data"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 40) // 20-byte SHA1 digest, hex-encoded

	c := ExpectedBindPCR([]byte("different-data"))
	assert.NotEqual(t, a, c)
}

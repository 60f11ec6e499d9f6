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

package quoteverify

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodeattest/agent/pcrcodec"
)

func TestParseVerifierOutputShallow(t *testing.T) {
	out := "Verification against AIK succeeded\n" +
		"PCR contents from quote:\n" +
		"10 22 ffffffffffffffffffffffffffffffffffffffff\n" +
		"10 02 0000000000000000000000000000000000000000\n"

	parsed, err := ParseVerifierOutput(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, parsed.Physical, 2)
	assert.Equal(t, 22, parsed.Physical[0].Index)
	assert.Empty(t, parsed.Virtual)
}

func TestParseVerifierOutputDeepSplitsBlocks(t *testing.T) {
	out := "Verification against AIK succeeded\n" +
		"PCR contents from quote:\n" +
		"10 00 0000000000000000000000000000000000000000\n" +
		"PCR contents from vTPM quote:\n" +
		"10 16 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n"

	parsed, err := ParseVerifierOutput(strings.NewReader(out))
	require.NoError(t, err)
	require.Len(t, parsed.Physical, 1)
	require.Len(t, parsed.Virtual, 1)
	assert.Equal(t, 16, parsed.Virtual[0].Index)
}

func TestParseVerifierOutputRejectsBadSignature(t *testing.T) {
	_, err := ParseVerifierOutput(strings.NewReader("Verification FAILED\n"))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrSignatureFailure)
}

func TestCheckPCRsPolicyMatchAndMismatch(t *testing.T) {
	policy, err := ParsePolicy([]byte(`{"22":"ffffffffffffffffffffffffffffffffffffffff","02":"0000000000000000000000000000000000000000"}`))
	require.NoError(t, err)

	entries := []PCREntry{
		{Index: 22, Digest: "ffffffffffffffffffffffffffffffffffffffff"},
		{Index: 2, Digest: "0000000000000000000000000000000000000000"},
	}
	require.NoError(t, CheckPCRs(policy, entries, nil, nil, nil, nil))

	mutated := []PCREntry{
		{Index: 22, Digest: "fffffffffffffffffffffffffffffffffffffffe"},
		{Index: 2, Digest: "0000000000000000000000000000000000000000"},
	}
	err = CheckPCRs(policy, mutated, nil, nil, nil, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPolicyMismatch)
}

func TestCheckPCRsDataBind(t *testing.T) {
	policy, err := ParsePolicy([]byte(`{}`))
	require.NoError(t, err)

	data := []byte("D")
	expected := pcrcodec.ExpectedBindPCR(data)

	ok := []PCREntry{{Index: pcrcodec.DataBindPCR, Digest: expected}}
	require.NoError(t, CheckPCRs(policy, ok, data, nil, nil, nil))

	bad := []PCREntry{{Index: pcrcodec.DataBindPCR, Digest: "0000000000000000000000000000000000000000"}}
	err = CheckPCRs(policy, bad, data, nil, nil, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrBindMismatch)
}

func TestCheckPCRsMissingWhitelistedIndex(t *testing.T) {
	policy, err := ParsePolicy([]byte(`{"3":"0000000000000000000000000000000000000000"}`))
	require.NoError(t, err)

	err = CheckPCRs(policy, nil, nil, nil, nil, nil)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrPolicyMismatch)
}

func TestParsePolicyRejectsReservedIndices(t *testing.T) {
	for _, idx := range []string{"16", "10"} {
		_, err := ParsePolicy([]byte(`{"` + idx + `":"0000000000000000000000000000000000000000"}`))
		require.Error(t, err)
	}
}

type stubVerifier struct {
	out string
}

func (s *stubVerifier) VerifyShallow(context.Context, string, string, string) (io.Reader, error) {
	return strings.NewReader(s.out), nil
}

func (s *stubVerifier) VerifyDeep(context.Context, string, string, string, string) (io.Reader, error) {
	return strings.NewReader(s.out), nil
}

func TestCheckQuoteEndToEnd(t *testing.T) {
	raw := []byte("fake-attest-bytes")
	quote, err := pcrcodec.EncodeQuote(raw, false)
	require.NoError(t, err)

	policy, err := ParsePolicy([]byte(`{"3":"0000000000000000000000000000000000000000"}`))
	require.NoError(t, err)

	verifier := &stubVerifier{out: "Verification against AIK succeeded\n" +
		"PCR contents from quote:\n" +
		"10 03 0000000000000000000000000000000000000000\n"}

	writer := &TempFileQuoteWriter{Dir: t.TempDir()}

	err = CheckQuote(context.Background(), verifier, writer, "nonce1", nil, quote, "/aik.pem", policy, nil, nil, nil)
	require.NoError(t, err)
}

func TestCheckDeepQuoteEndToEnd(t *testing.T) {
	raw := []byte("fake-deep-attest-bytes")
	quote, err := pcrcodec.EncodeQuote(raw, true)
	require.NoError(t, err)

	tpmPolicy, err := ParsePolicy([]byte(`{}`))
	require.NoError(t, err)
	vtpmPolicy, err := ParsePolicy([]byte(`{}`))
	require.NoError(t, err)

	verifier := &stubVerifier{out: "Verification against AIK succeeded\n" +
		"PCR contents from quote:\n" +
		"10 00 0000000000000000000000000000000000000000\n" +
		"PCR contents from vTPM quote:\n" +
		"10 16 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n"}

	writer := &TempFileQuoteWriter{Dir: t.TempDir()}

	err = CheckDeepQuote(context.Background(), verifier, writer, "nonce1", nil, quote, "/vaik.pem", "/haik.pem", vtpmPolicy, tpmPolicy, nil, nil, nil, Options{})
	require.NoError(t, err)
}

func TestTempFileQuoteWriterCleansUp(t *testing.T) {
	writer := &TempFileQuoteWriter{Dir: t.TempDir()}
	path, cleanup, err := writer.WriteQuoteFile([]byte("data"))
	require.NoError(t, err)
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	cleanup()
	_, statErr = os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

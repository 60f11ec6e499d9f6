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
	"errors"
	"fmt"
	"io"

	"github.com/nodeattest/agent/pcrcodec"
)

// SignatureVerifier is the native-verifier collaborator (spec.md's
// tpm_cexec-equivalent, out of scope for this codebase): it checks a
// signed quote against one or two AIK public keys and a nonce, and returns
// its stdout for ParseVerifierOutput to consume.
type SignatureVerifier interface {
	VerifyShallow(ctx context.Context, aikPath, quotePath, nonce string) (io.Reader, error)
	VerifyDeep(ctx context.Context, vAIKPath, hAIKPath, quotePath, nonce string) (io.Reader, error)
}

// Options tune verifier behaviour for tests.
type Options struct {
	// TestMode gates the STUB_TPM-equivalent override of check_deep_quote's
	// nonce/vAIK, per spec.md §9's open question: treat the stub path as
	// test-only, behind an explicit flag, never set in production wiring.
	TestMode bool
	StubNonce string
	StubVAIK  string
}

// CheckQuote implements spec.md §4.3's check_quote: decode the quote,
// verify its signature via aikPath, extract the physical PCR block, and
// check it against policy (with optional data binding and IMA).
func CheckQuote(ctx context.Context, verifier SignatureVerifier, writer QuoteFileWriter, nonce string, data []byte, quote, aikPath string, policy Policy, ima IMAChecker, imaList, imaWhitelist io.Reader) error {
	deep, raw, err := decodeExpect(quote, false)
	if err != nil {
		return err
	}
	if deep {
		return errors.New("quoteverify: expected shallow quote, got deep")
	}

	quotePath, cleanup, err := writer.WriteQuoteFile(raw)
	if err != nil {
		return fmt.Errorf("quoteverify: write quote file: %w", err)
	}
	defer cleanup()

	stdout, err := verifier.VerifyShallow(ctx, aikPath, quotePath, nonce)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureFailure, err)
	}

	parsed, err := ParseVerifierOutput(stdout)
	if err != nil {
		return err
	}

	return CheckPCRs(policy, parsed.Physical, data, ima, imaList, imaWhitelist)
}

// CheckDeepQuote implements spec.md §4.3's check_deep_quote: the physical
// block is checked against tpm_policy without data binding (data is only
// bound in the virtual quote), and the virtual block against vtpm_policy
// with data binding and IMA.
func CheckDeepQuote(ctx context.Context, verifier SignatureVerifier, writer QuoteFileWriter, nonce string, data []byte, quote, vAIKPath, hAIKPath string, vtpmPolicy, tpmPolicy Policy, ima IMAChecker, imaList, imaWhitelist io.Reader, opts Options) error {
	deep, raw, err := decodeExpect(quote, true)
	if err != nil {
		return err
	}
	if !deep {
		return errors.New("quoteverify: expected deep quote, got shallow")
	}

	effectiveNonce := nonce
	effectiveVAIKPath := vAIKPath
	if opts.TestMode {
		if opts.StubNonce != "" {
			effectiveNonce = opts.StubNonce
		}
		if opts.StubVAIK != "" {
			effectiveVAIKPath = opts.StubVAIK
		}
	}

	quotePath, cleanup, err := writer.WriteQuoteFile(raw)
	if err != nil {
		return fmt.Errorf("quoteverify: write quote file: %w", err)
	}
	defer cleanup()

	stdout, err := verifier.VerifyDeep(ctx, effectiveVAIKPath, hAIKPath, quotePath, effectiveNonce)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignatureFailure, err)
	}

	parsed, err := ParseVerifierOutput(stdout)
	if err != nil {
		return err
	}

	if opts.TestMode {
		return nil
	}

	if err := CheckPCRs(tpmPolicy, parsed.Physical, nil, nil, nil, nil); err != nil {
		return err
	}

	return CheckPCRs(vtpmPolicy, parsed.Virtual, data, ima, imaList, imaWhitelist)
}

func decodeExpect(quote string, wantDeep bool) (bool, []byte, error) {
	if len(quote) < 1 {
		return false, nil, fmt.Errorf("quoteverify: empty quote")
	}

	wantTag := byte('r')
	if wantDeep {
		wantTag = 'd'
	}
	if quote[0] != wantTag {
		return false, nil, fmt.Errorf("quoteverify: quote tag %q does not match expected %q", quote[0], wantTag)
	}

	return pcrcodec.DecodeQuote(quote)
}

// QuoteFileWriter materialises a decoded quote's raw bytes to a temporary
// file for the external native verifier to read, and returns a cleanup
// function deleting it on every exit path (spec.md §4.2's "scoped temporary
// file" requirement applies symmetrically on the verify side).
type QuoteFileWriter interface {
	WriteQuoteFile(raw []byte) (path string, cleanup func(), err error)
}

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
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// ResetPCR resets a resettable PCR (only PCR 16/23 are resettable on most
// TPMs; the protocol only ever resets PCR 16, the data-bind register).
func ResetPCR(tpm transport.TPMCloser, index int) error {
	_, err := tpm2.PCRReset{
		PCRHandle: tpm2.TPMHandle(index),
	}.Execute(tpm)
	if err != nil {
		return fmt.Errorf("tpmbackend: reset pcr %d: %w", index, err)
	}
	return nil
}

// ExtendPCR extends a PCR with a precomputed SHA1 digest, mirroring the
// external `extend -ic <hex>` invocation the source shells out to.
func ExtendPCR(tpm transport.TPMCloser, index int, digest [20]byte) error {
	_, err := tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(index),
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{
				{
					HashAlg: tpm2.TPMAlgSHA1,
					Digest:  digest[:],
				},
			},
		},
	}.Execute(tpm)
	if err != nil {
		return fmt.Errorf("tpmbackend: extend pcr %d: %w", index, err)
	}
	return nil
}

// ReadPCRs reads the current SHA1 value of each index in selection.
func ReadPCRs(tpm transport.TPMCloser, selection []int) (map[int][]byte, error) {
	sel := make([]uint8, 0, len(selection))
	for _, idx := range selection {
		sel = append(sel, uint8(idx))
	}

	resp, err := tpm2.PCRRead{
		PCRSelectionIn: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{
				{
					Hash:      tpm2.TPMAlgSHA1,
					PCRSelect: tpm2.PCClientCompatible.PCRs(sel...),
				},
			},
		},
	}.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: read pcrs: %w", err)
	}

	out := make(map[int][]byte, len(selection))
	for i, digest := range resp.PCRValues.Digests {
		if i >= len(selection) {
			break
		}
		out[selection[i]] = digest.Buffer
	}
	return out, nil
}

// QuoteResult is the (attestation, signature) pair a TPM2_Quote produces.
type QuoteResult struct {
	Attest    []byte
	Signature []byte
}

// Quote asks the TPM to sign a PCR selection plus caller-supplied qualifying
// data (the nonce) using aikHandle, the attestation identity key persisted
// at provisioning time.
func Quote(tpm transport.TPMCloser, aikHandle tpm2.TPMHandle, qualifyingData []byte, pcrs []int) (*QuoteResult, error) {
	sel := make([]uint8, 0, len(pcrs))
	for _, idx := range pcrs {
		sel = append(sel, uint8(idx))
	}

	resp, err := tpm2.Quote{
		SignHandle: tpm2.AuthHandle{
			Handle: aikHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		QualifyingData: tpm2.TPM2BData{Buffer: qualifyingData},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgNull,
		},
		PCRSelect: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{
				{
					Hash:      tpm2.TPMAlgSHA1,
					PCRSelect: tpm2.PCClientCompatible.PCRs(sel...),
				},
			},
		},
	}.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: quote: %w", err)
	}

	attest, err := tpm2.Marshal(resp.Quoted)
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: marshal attest: %w", err)
	}
	sig, err := tpm2.Marshal(resp.Signature)
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: marshal signature: %w", err)
	}

	return &QuoteResult{Attest: attest, Signature: sig}, nil
}

// MaybeClearPersistentHandle evicts whatever object currently occupies a
// persistent handle, tolerating the handle already being empty. Adapted
// from the teacher's cstpm.MaybeClearPersistentHandle call sites in
// computeboot/tpm.go (SetupEncryptionKeys), reimplemented locally since that
// helper package's source isn't available in the retrieval pack.
func MaybeClearPersistentHandle(tpm transport.TPMCloser, handle tpm2.TPMHandle) error {
	// A handle that was never persisted returns a "handle not found" style
	// error from the TPM; that is the expected steady state on first boot,
	// not a failure worth propagating, so the result is intentionally
	// discarded here.
	_, _ = tpm2.EvictControl{
		Auth: tpm2.TPMRHOwner,
		ObjectHandle: tpm2.NamedHandle{
			Handle: handle,
		},
		PersistentHandle: handle,
	}.Execute(tpm)
	return nil
}

// PersistObject persists a transient object handle to a persistent handle,
// evicting anything previously at that slot first.
func PersistObject(tpm transport.TPMCloser, transient, persistent tpm2.TPMHandle) error {
	if err := MaybeClearPersistentHandle(tpm, persistent); err != nil {
		return err
	}

	_, err := tpm2.EvictControl{
		Auth: tpm2.TPMRHOwner,
		ObjectHandle: tpm2.NamedHandle{
			Handle: transient,
		},
		PersistentHandle: persistent,
	}.Execute(tpm)
	if err != nil {
		return fmt.Errorf("tpmbackend: persist object to 0x%x: %w", persistent, err)
	}
	return nil
}

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
	"log/slog"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// VirtualEKCert is the literal sentinel the spec uses in place of a real
// endorsement certificate when the TPM is a nested vTPM with no
// manufacturer-issued cert of its own.
const VirtualEKCert = "virtual"

// Identity is the (ek, ekcert, aik) triple spec.md §3 says the external TPM
// initializer produces, immutable for the process lifetime.
type Identity struct {
	EK       []byte
	EKCert   string // PEM, or VirtualEKCert
	AIK      tpm2.TPMHandle
	AIKPub   []byte
}

const (
	// Standard RSA EK certificate NV index (TCG-assigned), read when present.
	ekCertNVIndexRSA = 0x01c00002
)

// ProvisionEndorsement creates (or recovers) the RSA endorsement key under
// the TPM's endorsement hierarchy and reads the manufacturer EK certificate
// NV index when present, returning VirtualEKCert for a nested vTPM that
// carries no cert of its own.
func ProvisionEndorsement(tpm transport.TPMCloser, isVirtual bool) ([]byte, string, error) {
	createEK := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}

	resp, err := createEK.Execute(tpm)
	if err != nil {
		return nil, "", fmt.Errorf("tpmbackend: create endorsement key: %w", err)
	}
	defer func() {
		_, _ = tpm2.FlushContext{FlushHandle: resp.ObjectHandle}.Execute(tpm)
	}()

	ekPub, err := tpm2.Marshal(resp.OutPublic)
	if err != nil {
		return nil, "", fmt.Errorf("tpmbackend: marshal ek public: %w", err)
	}

	if isVirtual {
		return ekPub, VirtualEKCert, nil
	}

	certBytes, err := readEKCertNV(tpm)
	if err != nil {
		slog.Warn("no manufacturer EK certificate present, treating as virtual", "error", err)
		return ekPub, VirtualEKCert, nil
	}

	return ekPub, string(certBytes), nil
}

// LoadEndorsementKey recreates the transient EK object handle for use as
// ActivateCredential's KeyHandle. TPM2_CreatePrimary is deterministic for a
// fixed hierarchy seed and template, so this yields the same key
// ProvisionEndorsement derived; callers must flush the returned handle
// (FlushHandle) once activation completes.
func LoadEndorsementKey(tpm transport.TPMCloser) (tpm2.TPMHandle, error) {
	resp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}.Execute(tpm)
	if err != nil {
		return 0, fmt.Errorf("tpmbackend: reload endorsement key: %w", err)
	}
	return resp.ObjectHandle, nil
}

func readEKCertNV(tpm transport.TPMCloser) ([]byte, error) {
	readPublic := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(ekCertNVIndexRSA)}
	pub, err := readPublic.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: read ek cert nv public: %w", err)
	}

	size := pub.NVPublic.NVPublic.DataSize

	read := tpm2.NVRead{
		AuthHandle: tpm2.TPMRHOwner,
		NVIndex: tpm2.NamedHandle{
			Handle: tpm2.TPMHandle(ekCertNVIndexRSA),
		},
		Size: size,
	}
	readResp, err := read.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: read ek cert nv: %w", err)
	}

	return readResp.Data.Buffer, nil
}

// SetupAttestationKey creates the attestation identity key as a primary
// under the endorsement hierarchy and persists it at handle. It does not
// migrate a key from an NV-index template; that is MoveNestedAKToHandle.
func SetupAttestationKey(tpm transport.TPMCloser, handle tpm2.TPMHandle) (tpm2.TPMHandle, []byte, error) {
	createAIK := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSASRKTemplate),
	}
	resp, err := createAIK.Execute(tpm)
	if err != nil {
		return 0, nil, fmt.Errorf("tpmbackend: create attestation key: %w", err)
	}
	defer func() {
		_, _ = tpm2.FlushContext{FlushHandle: resp.ObjectHandle}.Execute(tpm)
	}()

	if err := PersistObject(tpm, resp.ObjectHandle, handle); err != nil {
		return 0, nil, err
	}

	aikPub, err := tpm2.Marshal(resp.OutPublic)
	if err != nil {
		return 0, nil, fmt.Errorf("tpmbackend: marshal aik public: %w", err)
	}

	slog.Info("attestation key provisioned", "handle", fmt.Sprintf("0x%x", handle))
	return handle, aikPub, nil
}

// MoveNestedAKToHandle migrates an AK whose template lives in an NV index
// (the pattern nested/Shielded VM vTPMs use, per computeboot/gce_vtpm.go's
// MoveGCEAKToHandle) into a persistent handle, generalised away from the
// GCE-specific NV index constants: callers resolve templateNVIndex from
// their own cloud metadata collaborator.
func MoveNestedAKToHandle(tpm transport.TPMCloser, templateNVIndex uint32, handle tpm2.TPMHandle) error {
	readPublic := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(templateNVIndex)}
	pub, err := readPublic.Execute(tpm)
	if err != nil {
		return fmt.Errorf("tpmbackend: read ak template nv public: %w", err)
	}

	read := tpm2.NVRead{
		AuthHandle: tpm2.TPMRHOwner,
		NVIndex:    tpm2.NamedHandle{Handle: tpm2.TPMHandle(templateNVIndex)},
		Size:       pub.NVPublic.NVPublic.DataSize,
	}
	readResp, err := read.Execute(tpm)
	if err != nil {
		return fmt.Errorf("tpmbackend: read ak template nv: %w", err)
	}

	template := tpm2.BytesAs2B[tpm2.TPMTPublic](readResp.Data.Buffer)

	createResp, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      template,
	}.Execute(tpm)
	if err != nil {
		return fmt.Errorf("tpmbackend: create ak from template: %w", err)
	}
	defer func() {
		_, _ = tpm2.FlushContext{FlushHandle: createResp.ObjectHandle}.Execute(tpm)
	}()

	return PersistObject(tpm, createResp.ObjectHandle, handle)
}

// ActivateCredential recovers the ephemeral secret the Registrar wrapped
// for this node's AIK under its EK, via TPM2_ActivateCredential. This is
// the TPM-side half of "prove possession of the attestation identity key"
// (spec.md §1, item 1): only a TPM holding both the named AIK and EK can
// unwrap credentialBlob/secret back into the original plaintext.
func ActivateCredential(tpm transport.TPMCloser, aikHandle, ekHandle tpm2.TPMHandle, credentialBlob, secret []byte) ([]byte, error) {
	resp, err := tpm2.ActivateCredential{
		ActivateHandle: tpm2.AuthHandle{
			Handle: aikHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		KeyHandle: tpm2.AuthHandle{
			Handle: ekHandle,
			Auth:   tpm2.PasswordAuth(nil),
		},
		CredentialBlob: tpm2.TPM2BIDObject{Buffer: credentialBlob},
		Secret:         tpm2.TPM2BEncryptedSecret{Buffer: secret},
	}.Execute(tpm)
	if err != nil {
		return nil, fmt.Errorf("tpmbackend: activate credential: %w", err)
	}
	return resp.CertInfo.Buffer, nil
}

// FlushHandle releases a transient object handle. It flushes the reloaded
// EK once activation completes, and is called on the AIK handle at shutdown
// (spec.md §5's "termination signal causes C6 to flush TPM keys"
// requirement), where the AIK sits at a persistent handle and the flush
// error is expected. Unlike MaybeClearPersistentHandle this does not evict a
// persistent slot; callers log a failure here rather than treat it as fatal.
func FlushHandle(tpm transport.TPMCloser, handle tpm2.TPMHandle) error {
	_, err := tpm2.FlushContext{FlushHandle: handle}.Execute(tpm)
	if err != nil {
		return fmt.Errorf("tpmbackend: flush handle 0x%x: %w", handle, err)
	}
	return nil
}

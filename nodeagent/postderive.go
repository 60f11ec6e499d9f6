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

package nodeagent

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" //nolint:gosec // PCR bank is SHA1, not our choice
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
)

// runPostDeriveSequence implements spec.md §4.5's eight numbered steps,
// triggered exactly once by whichever submit_u/submit_v call derives K.
// A missing mount, a failure to clear unzipped/ or to write the key, or no
// decryptable payload stops the sequence there; failures to persist
// final_U, store the plaintext, extend the PCR or launch the script are
// logged and the remaining steps still run. Nothing here panics the request
// goroutine — the HTTP 200 for the triggering request has already gone out
// by the time this runs.
func (s *Server) runPostDeriveSequence(submittedPayload []byte) {
	if !s.secureStore.Mounted() {
		slog.Error("secure mount missing at key derivation, aborting post-derive sequence")
		return
	}

	if err := s.secureStore.ClearUnzipped(); err != nil {
		slog.Error("failed to clear unzipped residue", "error", err)
		return
	}

	k, ok := s.keys.K()
	if !ok {
		slog.Error("post-derive sequence invoked without a derived key")
		return
	}

	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(k)))
	base64.StdEncoding.Encode(encoded, k)
	if err := s.secureStore.WriteEncKey(encoded); err != nil {
		slog.Error("failed to write encoded key to secure store", "error", err)
		return
	}

	if finalU, ok := s.keys.FinalU(); ok && s.nvram != nil {
		if err := s.nvram.PersistU(finalU); err != nil {
			slog.Error("failed to persist final_U to tpm nvram", "error", err)
		}
	}

	plaintext, ok := s.decryptPayload(submittedPayload, k)
	if !ok {
		return
	}

	s.storePlaintext(plaintext)
	s.extendMeasurePCR(k, plaintext)
	s.launchPayloadScript()
}

// decryptPayload implements step 5: prefer the Tenant's own submission,
// falling back to a previously persisted ciphertext for warm restarts. A
// corrupt on-disk artifact is deleted and treated as "no payload", per
// spec.md §7's StaleEncryptedPayload kind.
func (s *Server) decryptPayload(submittedPayload, k []byte) ([]byte, bool) {
	ciphertext := submittedPayload
	fromDisk := false

	if len(ciphertext) == 0 && s.payloadStore != nil {
		diskCiphertext, ok, err := s.payloadStore.Read()
		if err != nil {
			slog.Warn("failed to read persisted encrypted payload", "error", err)
		}
		if ok {
			ciphertext = diskCiphertext
			fromDisk = true
		}
	}

	if len(ciphertext) == 0 {
		return nil, false
	}

	plaintext, err := decryptPayloadAES(k, ciphertext)
	if err != nil {
		if fromDisk {
			slog.Warn("failed to decrypt persisted payload, discarding", "error", err)
			if delErr := s.payloadStore.Delete(); delErr != nil {
				slog.Warn("failed to delete stale encrypted payload", "error", delErr)
			}
		} else {
			slog.Warn("failed to decrypt submitted payload", "error", err)
		}
		return nil, false
	}

	if !fromDisk && s.payloadStore != nil {
		if err := s.payloadStore.Write(submittedPayload); err != nil {
			slog.Warn("failed to persist encrypted payload for warm restart", "error", err)
		}
	}

	return plaintext, true
}

func (s *Server) storePlaintext(plaintext []byte) {
	if isZipArchive(plaintext) && s.extractZip {
		if err := s.secureStore.ExtractZip(plaintext); err != nil {
			slog.Error("failed to extract payload zip", "error", err)
		}
		return
	}

	if err := s.secureStore.WritePlaintext(plaintext); err != nil {
		slog.Error("failed to write decrypted payload", "error", err)
	}
}

func (s *Server) extendMeasurePCR(k, plaintext []byte) {
	if s.measurePCR <= 0 || s.measurePCR >= 24 || s.tpmExtendDevice == nil {
		return
	}

	digest := sha1.Sum(append(append([]byte{}, k...), plaintext...)) //nolint:gosec
	if err := s.tpmExtendDevice.ExtendMeasurePCR(s.measurePCR, digest); err != nil {
		slog.Error("failed to extend measure_payload_pcr", "pcr", s.measurePCR, "error", err)
	}
}

func (s *Server) launchPayloadScript() {
	if s.payloadScript == "" || s.launcher == nil {
		return
	}
	if err := s.launcher.Launch(s.payloadScript, s.nodeUUID); err != nil {
		slog.Error("failed to launch payload script", "error", err)
	}
}

const aesNonceSize = 12

// decryptPayloadAES decrypts a payload sealed under K via AES-256-GCM keyed
// by SHA256(K), with the first aesNonceSize bytes of ciphertext as the
// nonce. The source's original symmetric scheme isn't available in this
// retrieval pack; AES-GCM keyed off the derived bootstrap secret is the
// idiomatic Go substitute carrying the same contract ("decrypt with K").
func decryptPayloadAES(k, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aesNonceSize {
		return nil, fmt.Errorf("nodeagent: ciphertext too short")
	}

	key := sha256.Sum256(k)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("nodeagent: new aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: new gcm: %w", err)
	}

	nonce, body := ciphertext[:aesNonceSize], ciphertext[aesNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: gcm open: %w", err)
	}
	return plaintext, nil
}

func isZipArchive(data []byte) bool {
	return len(data) >= 4 && data[0] == 'P' && data[1] == 'K' && data[2] == 0x03 && data[3] == 0x04
}

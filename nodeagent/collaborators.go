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

import "io"

// SecureStore is the secure (tmpfs) mount spec.md §12 calls an external
// collaborator: it must already be mounted by the time the HTTP surface
// starts, and survives only for the process lifetime.
type SecureStore interface {
	// Mounted reports whether the secure directory is still present;
	// checked as the first post-derive step.
	Mounted() bool
	// WriteEncKey writes base64(K) to <enc_keyname> under the secure dir.
	WriteEncKey(encoded []byte) error
	// ClearUnzipped removes any residue under unzipped/.
	ClearUnzipped() error
	// ExtractZip extracts a zip payload to unzipped/.
	ExtractZip(data []byte) error
	// WritePlaintext writes a non-zip payload to <dec_payload_file>.
	WritePlaintext(data []byte) error
}

// NVRAM is the TPM NVRAM persistence collaborator: final_U survives a
// reboot there and is seeded back into the U set. Only final_U is stored,
// not the auth tag, so a fresh V alone does not derive K after a reboot;
// derivation also needs a U submission carrying the auth tag.
type NVRAM interface {
	PersistU(u []byte) error
	ReadU() (u []byte, ok bool, err error)
}

// PayloadLauncher fire-and-forget launches the configured post-extract
// script with NODE_UUID in its environment.
type PayloadLauncher interface {
	Launch(scriptName, nodeUUID string) error
}

// EncryptedPayloadStore persists and retrieves the most recently received
// ciphertext under the work directory, for warm-restart decryption.
type EncryptedPayloadStore interface {
	Read() (data []byte, ok bool, err error)
	Write(data []byte) error
	Delete() error
}

// IMAMeasurementList exposes the raw measurement-list file contents, when
// present, for inclusion in quote responses.
type IMAMeasurementList interface {
	Read() (io.Reader, bool, error)
}

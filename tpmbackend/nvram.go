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

// finalUNVIndex is where the node's TPM persists final_U, so a reboot can
// seed it back into the U set (spec.md §3's "Final U"). The auth tag is not
// stored here.
const finalUNVIndex = 0x01c10100

const maxFinalUBytes = 256

// PersistU writes u to a fixed-size, owner-authorised NV index, defining the
// index first if it does not already exist. Grounded on gce_vtpm_test.go's
// NVDefineSpace/NVWrite pairing, generalised from a one-shot template write
// to an overwritable data slot.
func PersistU(tpm transport.TPMCloser, u []byte) error {
	if len(u) > maxFinalUBytes {
		return fmt.Errorf("tpmbackend: final_U too large: %d bytes", len(u))
	}

	pub, name, err := ensureNVSpace(tpm)
	if err != nil {
		return err
	}

	write := tpm2.NVWrite{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.NamedHandle{Handle: pub.NVIndex, Name: name},
		Data:    tpm2.TPM2BMaxNVBuffer{Buffer: u},
	}
	if _, err := write.Execute(tpm); err != nil {
		return fmt.Errorf("tpmbackend: nv write final_U: %w", err)
	}

	return nil
}

// ReadU reads back a previously persisted final_U, returning ok=false if
// the NV index has never been defined or holds no data yet.
func ReadU(tpm transport.TPMCloser) (u []byte, ok bool, err error) {
	readPub := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(finalUNVIndex)}
	pubRsp, err := readPub.Execute(tpm)
	if err != nil {
		return nil, false, nil //nolint:nilerr // undefined NV index means "no U persisted yet"
	}

	pub, err := pubRsp.NVPublic.Contents()
	if err != nil {
		return nil, false, fmt.Errorf("tpmbackend: nv public contents: %w", err)
	}
	name, err := tpm2.NVName(pub)
	if err != nil {
		return nil, false, fmt.Errorf("tpmbackend: nv name: %w", err)
	}

	read := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.NamedHandle{Handle: pub.NVIndex, Name: *name},
		Size:    pub.DataSize,
	}
	rsp, err := read.Execute(tpm)
	if err != nil {
		return nil, false, fmt.Errorf("tpmbackend: nv read final_U: %w", err)
	}

	if len(rsp.Data.Buffer) == 0 {
		return nil, false, nil
	}
	return rsp.Data.Buffer, true, nil
}

func ensureNVSpace(tpm transport.TPMCloser) (tpm2.TPMSNVPublic, tpm2.TPM2BName, error) {
	readPub := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(finalUNVIndex)}
	if rsp, err := readPub.Execute(tpm); err == nil {
		pub, cErr := rsp.NVPublic.Contents()
		if cErr != nil {
			return tpm2.TPMSNVPublic{}, tpm2.TPM2BName{}, cErr
		}
		name, nErr := tpm2.NVName(pub)
		if nErr != nil {
			return tpm2.TPMSNVPublic{}, tpm2.TPM2BName{}, nErr
		}
		return *pub, *name, nil
	}

	def := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		Auth:       tpm2.TPM2BAuth{Buffer: []byte{}},
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex: tpm2.TPMHandle(finalUNVIndex),
			NameAlg: tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{
				OwnerWrite: true,
				OwnerRead:  true,
				NT:         tpm2.TPMNTOrdinary,
				NoDA:       true,
			},
			DataSize: maxFinalUBytes,
		}),
	}
	if _, err := def.Execute(tpm); err != nil {
		return tpm2.TPMSNVPublic{}, tpm2.TPM2BName{}, fmt.Errorf("tpmbackend: nv define space: %w", err)
	}

	pub, err := def.PublicInfo.Contents()
	if err != nil {
		return tpm2.TPMSNVPublic{}, tpm2.TPM2BName{}, err
	}
	name, err := tpm2.NVName(pub)
	if err != nil {
		return tpm2.TPMSNVPublic{}, tpm2.TPM2BName{}, err
	}

	return *pub, *name, nil
}

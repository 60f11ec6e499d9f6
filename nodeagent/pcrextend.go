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
	"fmt"

	"github.com/nodeattest/agent/tpmbackend"
)

// TPMPCRExtender implements pcrExtender against the physical TPM, used by
// the post-derive sequence's step 7 (extend measure_payload_pcr with
// SHA1(K || payload_plaintext)).
type TPMPCRExtender struct {
	Device tpmbackend.Device
}

func (e *TPMPCRExtender) ExtendMeasurePCR(pcr int, digest [20]byte) error {
	tpm, err := e.Device.Open()
	if err != nil {
		return fmt.Errorf("nodeagent: open tpm for pcr extend: %w", err)
	}
	return tpmbackend.ExtendPCR(tpm, pcr, digest)
}

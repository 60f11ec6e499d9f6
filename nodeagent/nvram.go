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

// TPMNVRAM implements NVRAM against the physical TPM's NV storage.
type TPMNVRAM struct {
	Device tpmbackend.Device
}

func (n *TPMNVRAM) PersistU(u []byte) error {
	tpm, err := n.Device.Open()
	if err != nil {
		return fmt.Errorf("nodeagent: open tpm for nv write: %w", err)
	}
	return tpmbackend.PersistU(tpm, u)
}

func (n *TPMNVRAM) ReadU() ([]byte, bool, error) {
	tpm, err := n.Device.Open()
	if err != nil {
		return nil, false, fmt.Errorf("nodeagent: open tpm for nv read: %w", err)
	}
	return tpmbackend.ReadU(tpm)
}

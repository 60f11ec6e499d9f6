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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nodeattest/agent/pcrcodec"
)

// Policy is a PCR whitelist: index -> set of acceptable lowercase hex
// digests, plus the synthesised Mask summarising every whitelisted index.
type Policy struct {
	PCRs map[int]map[string]struct{}
	Mask string
}

// ParsePolicy decodes a policy JSON object (string PCR index -> single hex
// digest or list of hex digests), rejects PCR 16/10 as value-whitelisted
// (they're reserved for data-bind and IMA respectively), and computes the
// synthetic mask field.
func ParsePolicy(data []byte) (Policy, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Policy{}, fmt.Errorf("quoteverify: parse policy: %w", err)
	}

	policy := Policy{PCRs: map[int]map[string]struct{}{}}
	maskBits := int64(0)

	for k, v := range raw {
		if k == "mask" {
			continue
		}

		idx, err := strconv.Atoi(k)
		if err != nil {
			return Policy{}, fmt.Errorf("quoteverify: invalid pcr index %q: %w", k, err)
		}
		if idx < 0 || idx > 23 {
			return Policy{}, fmt.Errorf("quoteverify: pcr index %d out of range", idx)
		}
		if idx == pcrcodec.DataBindPCR || idx == pcrcodec.IMAPCR {
			return Policy{}, fmt.Errorf("quoteverify: pcr %d is reserved and must not be whitelisted by value", idx)
		}

		digests, err := decodeDigestList(v)
		if err != nil {
			return Policy{}, fmt.Errorf("quoteverify: pcr %d: %w", idx, err)
		}

		set := make(map[string]struct{}, len(digests))
		for _, d := range digests {
			set[strings.ToLower(d)] = struct{}{}
		}
		policy.PCRs[idx] = set
		maskBits |= 1 << uint(idx)
	}

	policy.Mask = fmt.Sprintf("0x%X", maskBits)
	return policy, nil
}

func decodeDigestList(raw json.RawMessage) ([]string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	return nil, fmt.Errorf("value is neither a string nor a list of strings")
}

// Accepts reports whether digest is an acceptable value for pcr under the
// policy.
func (p Policy) Accepts(pcr int, digest string) bool {
	set, ok := p.PCRs[pcr]
	if !ok {
		return false
	}
	_, ok = set[strings.ToLower(digest)]
	return ok
}

// Has reports whether pcr is named by the policy at all.
func (p Policy) Has(pcr int) bool {
	_, ok := p.PCRs[pcr]
	return ok
}

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

import "strconv"

// isAlphanumeric reports whether s contains only ASCII letters and digits,
// the restriction spec.md §4.5 places on nonce/mask/vmask since they end up
// embedded in TPM command lines.
func isAlphanumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}

// isAlphanumericOrEmpty allows the optional mask/vmask query parameters to
// be absent (empty string means "use the default mask").
func isAlphanumericOrEmpty(s string) bool {
	return s == "" || isAlphanumeric(s)
}

// omitPubkey implements spec.md §9's preserved-for-wire-compatibility rule:
// the query key absent means "include pubkey"; present with an empty value
// or parsing (via int(x, 0)) to 1 means "omit pubkey"; any other value
// (including "0") falls back to "include pubkey".
func omitPubkey(values []string, present bool) bool {
	if !present {
		return false
	}
	raw := ""
	if len(values) > 0 {
		raw = values[0]
	}
	if raw == "" {
		return true
	}
	n, err := strconv.ParseInt(raw, 0, 64)
	if err != nil {
		return false
	}
	return n == 1
}

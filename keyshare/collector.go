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

// Package keyshare is the Key-Share Collector (spec.md C4): a thread-safe
// multiset of U and V candidates that, on every insert, retries every
// (U,V) pairing against the authentication tag until K is derived exactly
// once. Encapsulated as a single stateful value owned by the HTTP surface,
// per spec.md §9's "Global mutable process state" design note — not a
// server-global.
package keyshare

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync"
)

// Collector holds u_set, v_set, auth_tag, K, final_U and node_uuid behind a
// single mutex (spec.md §5's uvLock), guaranteeing every insert is
// immediately followed, in the same critical section, by a derivation
// attempt.
type Collector struct {
	mu sync.Mutex

	nodeUUID string

	uSet map[string][]byte
	vSet map[string][]byte

	authTag []byte
	payload []byte

	k      []byte
	finalU []byte
}

// New constructs an empty Collector for the given (immutable) node UUID.
func New(nodeUUID string) *Collector {
	return &Collector{
		nodeUUID: nodeUUID,
		uSet:     map[string][]byte{},
		vSet:     map[string][]byte{},
	}
}

// SubmitU inserts u into the U set, records authTag and payload (the
// Tenant's submission carries both), and attempts derivation. It returns
// whether this call was the one that derived K — callers use that to
// trigger the post-derive sequence exactly once.
func (c *Collector) SubmitU(u, authTag, payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.uSet[string(u)] = u
	c.authTag = authTag
	c.payload = payload

	return c.tryDerive()
}

// SeedU inserts u into the U set without a fresh authTag or payload, for
// the warm-restart case: a prior process already persisted final_U to TPM
// NVRAM, so this process only needs a new V (and auth tag, carried on the
// next submit_u) to re-derive K. Unlike SubmitU this never attempts
// derivation on its own — there is no auth tag to check against yet.
func (c *Collector) SeedU(u []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uSet[string(u)] = u
}

// SubmitV inserts v into the V set and attempts derivation.
func (c *Collector) SubmitV(v []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.vSet[string(v)] = v

	return c.tryDerive()
}

// tryDerive must be called with mu held. It walks the Cartesian product of
// uSet x vSet looking for a pair whose XOR authenticates against authTag;
// deliberately not optimised with a hash index on the XOR result, per
// spec.md §9 (that would leak key material in memory).
func (c *Collector) tryDerive() bool {
	if c.k != nil {
		// K already derived; subsequent submissions are accepted (caller
		// still gets 200) but no second derivation occurs.
		return false
	}

	if c.authTag == nil {
		return false
	}

	for _, u := range c.uSet {
		for _, v := range c.vSet {
			if len(u) != len(v) {
				continue
			}

			candidate := xor(u, v)
			if !validTag(candidate, c.nodeUUID, c.authTag) {
				continue
			}

			c.k = candidate
			c.finalU = u
			c.uSet = map[string][]byte{}
			c.vSet = map[string][]byte{}
			return true
		}
	}

	return false
}

// K returns the derived key, if any.
func (c *Collector) K() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.k == nil {
		return nil, false
	}
	return c.k, true
}

// FinalU returns the U half that paired successfully, if K has been
// derived.
func (c *Collector) FinalU() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalU == nil {
		return nil, false
	}
	return c.finalU, true
}

// Payload returns the Tenant's submitted payload ciphertext, if any.
func (c *Collector) Payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

// HMAC computes HMAC-SHA256(k, message), used both for auth-tag validation
// here and for the /keys/verify challenge-response endpoint in C5.
func HMAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

func validTag(candidate []byte, nodeUUID string, authTag []byte) bool {
	got := HMAC(candidate, []byte(nodeUUID))
	return hmac.Equal(got, authTag)
}

func xor(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

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

// Package tpmquote is the Quote Producer (spec.md C2): under a single TPM
// owner, optionally binds caller data into PCR 16, then produces a shallow
// or deep quote. Per spec.md §9's design note on replacing thread-local TPM
// scripting, serialisation here is a property of holding the Owner (it
// embeds the mutex the source calls tpmutilLock), not a free-floating lock
// variable.
package tpmquote

import (
	"crypto/sha1" //nolint:gosec // TPM PCR bank is SHA1, not our choice
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/nodeattest/agent/pcrcodec"
	"github.com/nodeattest/agent/tpmbackend"
)

// ErrTPMFailure wraps any error surfaced by the underlying TPM transport or
// command execution, per spec.md §7's *TPMFailure* kind.
var ErrTPMFailure = errors.New("tpmquote: tpm failure")

const (
	defaultMask   = "1" // single bit, PCR 0, matches the source's EMPTYMASK default
	stubCannedRaw = "STUB-TPM-CANNED-QUOTE"
)

// Owner serialises all TPM quote production behind a single mutex. One
// Owner exists per process.
type Owner struct {
	physical tpmbackend.Device
	virtual  tpmbackend.Device // nil unless this node has a vTPM

	aikHandle  tpm2.TPMHandle
	vAIKHandle tpm2.TPMHandle

	mu sync.Mutex

	stub      bool
	stubDelay time.Duration
}

type Option func(*Owner)

// WithVirtualDevice attaches the vTPM transport used for deep quotes.
func WithVirtualDevice(device tpmbackend.Device, vAIKHandle tpm2.TPMHandle) Option {
	return func(o *Owner) {
		o.virtual = device
		o.vAIKHandle = vAIKHandle
	}
}

// WithStubMode enables the STUB_TPM / DEVELOP_IN_ECLIPSE test path: quote
// production sleeps delay and returns a canned blob instead of touching a
// TPM. This path must exist for CI, per spec.md §4.2.
func WithStubMode(delay time.Duration) Option {
	return func(o *Owner) {
		o.stub = true
		o.stubDelay = delay
	}
}

// NewOwner constructs an Owner bound to the physical TPM's attestation
// identity key.
func NewOwner(physical tpmbackend.Device, aikHandle tpm2.TPMHandle, opts ...Option) *Owner {
	o := &Owner{physical: physical, aikHandle: aikHandle}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HasVirtualDevice reports whether this Owner was configured with a vTPM,
// which the HTTP surface uses to decide shallow vs. deep quote production
// for /quotes/integrity.
func (o *Owner) HasVirtualDevice() bool {
	return o.virtual != nil
}

func maskOrDefault(mask string) string {
	if mask == "" {
		return defaultMask
	}
	return mask
}

func pcrListFromMask(mask string) []int {
	var pcrs []int
	for i := 0; i < 24; i++ {
		if pcrcodec.CheckMask(mask, i) {
			pcrs = append(pcrs, i)
		}
	}
	return pcrs
}

func augmentMask(mask string, bit int) string {
	// The mask grammar accepts decimal or 0x-hex; re-emit as hex so the bit
	// addition is a plain OR regardless of the caller's chosen base.
	base := int64(0)
	if mask != "" {
		if v, err := strconv.ParseInt(mask, 0, 64); err == nil {
			base = v
		}
	}
	base |= 1 << uint(bit)
	return fmt.Sprintf("0x%x", base)
}

// MakeShallow produces a shallow (physical-TPM-only) quote. bindData, when
// non-nil, is bound into PCR 16 before quoting. pcrmask defaults to "1".
func (o *Owner) MakeShallow(nonce string, bindData []byte, pcrmask string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stub {
		return o.stubQuote(false), nil
	}

	mask := maskOrDefault(pcrmask)
	if bindData != nil {
		mask = augmentMask(mask, pcrcodec.DataBindPCR)
	}

	tpm, err := o.physical.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open tpm: %w", ErrTPMFailure, err)
	}

	if bindData != nil {
		if err := bindPCR16(tpm, bindData); err != nil {
			return "", fmt.Errorf("%w: %w", ErrTPMFailure, err)
		}
	}

	result, err := tpmbackend.Quote(tpm, o.aikHandle, []byte(nonce), pcrListFromMask(mask))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTPMFailure, err)
	}

	return pcrcodec.EncodeQuote(frameQuote(result), false)
}

// MakeDeep produces a deep quote: a physical quote over pcrmask (with PCR 16
// bound there, never in the virtual mask) plus a nested virtual quote over
// vpcrmask.
func (o *Owner) MakeDeep(nonce string, bindData []byte, vpcrmask, pcrmask string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stub {
		return o.stubQuote(true), nil
	}

	if o.virtual == nil {
		return "", fmt.Errorf("%w: no vtpm device configured", ErrTPMFailure)
	}

	physMask := maskOrDefault(pcrmask)
	if bindData != nil {
		physMask = augmentMask(physMask, pcrcodec.DataBindPCR)
	}
	virtMask := maskOrDefault(vpcrmask)

	physTPM, err := o.physical.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open physical tpm: %w", ErrTPMFailure, err)
	}
	virtTPM, err := o.virtual.Open()
	if err != nil {
		return "", fmt.Errorf("%w: open vtpm: %w", ErrTPMFailure, err)
	}

	if bindData != nil {
		if err := bindPCR16(physTPM, bindData); err != nil {
			return "", fmt.Errorf("%w: %w", ErrTPMFailure, err)
		}
	}

	physResult, err := tpmbackend.Quote(physTPM, o.aikHandle, []byte(nonce), pcrListFromMask(physMask))
	if err != nil {
		return "", fmt.Errorf("%w: physical quote: %w", ErrTPMFailure, err)
	}

	virtResult, err := tpmbackend.Quote(virtTPM, o.vAIKHandle, []byte(nonce), pcrListFromMask(virtMask))
	if err != nil {
		return "", fmt.Errorf("%w: virtual quote: %w", ErrTPMFailure, err)
	}

	raw := append(frameQuote(physResult), frameQuote(virtResult)...)
	return pcrcodec.EncodeQuote(raw, true)
}

func (o *Owner) stubQuote(deep bool) string {
	if o.stubDelay > 0 {
		time.Sleep(o.stubDelay)
	}
	encoded, _ := pcrcodec.EncodeQuote([]byte(stubCannedRaw), deep)
	return encoded
}

// bindPCR16 resets PCR 16 and extends it with the ASCII-hex SHA1 digest of
// data, matching `pcrreset` followed by `extend -ic <sha1_hex_of_data>`.
func bindPCR16(tpm transport.TPMCloser, data []byte) error {
	if err := tpmbackend.ResetPCR(tpm, pcrcodec.DataBindPCR); err != nil {
		return err
	}

	hexDigest := sha1Hex(data)
	innerDigest := sha1.Sum([]byte(hexDigest)) //nolint:gosec
	return tpmbackend.ExtendPCR(tpm, pcrcodec.DataBindPCR, innerDigest)
}

func frameQuote(r *tpmbackend.QuoteResult) []byte {
	buf := make([]byte, 0, 8+len(r.Attest)+len(r.Signature))
	lenBuf := make([]byte, 4)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(r.Attest)))
	buf = append(buf, lenBuf...)
	buf = append(buf, r.Attest...)

	binary.BigEndian.PutUint32(lenBuf, uint32(len(r.Signature)))
	buf = append(buf, lenBuf...)
	buf = append(buf, r.Signature...)

	return buf
}

// UnframeQuote splits a framed (attest || signature) blob back into its two
// parts, the inverse of frameQuote. Exported for quoteverify.
func UnframeQuote(raw []byte) (attest, signature, rest []byte, err error) {
	if len(raw) < 4 {
		return nil, nil, nil, errors.New("tpmquote: truncated frame")
	}
	attestLen := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	if uint32(len(raw)) < attestLen {
		return nil, nil, nil, errors.New("tpmquote: truncated attest")
	}
	attest = raw[:attestLen]
	raw = raw[attestLen:]

	if len(raw) < 4 {
		return nil, nil, nil, errors.New("tpmquote: truncated frame")
	}
	sigLen := binary.BigEndian.Uint32(raw[:4])
	raw = raw[4:]
	if uint32(len(raw)) < sigLen {
		return nil, nil, nil, errors.New("tpmquote: truncated signature")
	}
	signature = raw[:sigLen]
	rest = raw[sigLen:]

	return attest, signature, rest, nil
}

func sha1Hex(data []byte) string {
	digest := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(digest[:])
}

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
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

const rsaKeyBits = 2048

// LoadOrGenerateRSAKey reads a PKCS1-PEM private key from path, generating
// and persisting a fresh one on first boot. This is the node's bootstrap
// identity: Tenant and Verifier encrypt their U/V shares against its public
// half.
func LoadOrGenerateRSAKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return decodeRSAKeyPEM(data)
	case os.IsNotExist(err):
		return generateAndPersistRSAKey(path)
	default:
		return nil, fmt.Errorf("nodeagent: read rsa key %s: %w", path, err)
	}
}

func decodeRSAKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("nodeagent: no PEM block in rsa key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: parse rsa private key: %w", err)
	}
	return key, nil
}

func generateAndPersistRSAKey(path string) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: generate rsa key: %w", err)
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("nodeagent: persist rsa key %s: %w", path, err)
	}

	return key, nil
}

// EncodePublicKeyPEM renders pub as a PEM-wrapped PKIX public key, the form
// the wire protocol's {"pubkey": ...} field carries.
func EncodePublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("nodeagent: marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecryptRSA decrypts an RSA-OAEP-SHA256 ciphertext with the node's private
// key, the scheme Tenant/Verifier use to wrap U/V before submission.
func DecryptRSA(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("nodeagent: rsa decrypt: %w", err)
	}
	return plaintext, nil
}

// Copyright 2025 MPCGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrSignatureMismatch means the payload signature does not verify under
// any keyring entry.
var ErrSignatureMismatch = errors.New("signature mismatch")

// Signer computes and verifies HMAC-SHA256 payload signatures. Signatures
// are hex encoded on the wire.
type Signer struct {
	keyring *Keyring
}

// NewSigner builds a signer over the given keyring.
func NewSigner(keyring *Keyring) *Signer {
	return &Signer{keyring: keyring}
}

// Sign returns the hex HMAC-SHA256 of payload under the current key.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.keyring.Current())
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against the payload under every keyring entry,
// newest first. Comparison is constant time per key.
func (s *Signer) Verify(payload []byte, signature string) error {
	given, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureMismatch
	}
	for _, key := range s.keyring.Keys() {
		mac := hmac.New(sha256.New, key)
		mac.Write(payload)
		if hmac.Equal(mac.Sum(nil), given) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

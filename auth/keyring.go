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
	"fmt"
	"sync"
)

// MinKeyBytes is the minimum length for a signing or token key. Shorter
// keys weaken HMAC-SHA-256 below its design strength.
const MinKeyBytes = 32

// Keyring holds the current and previous key for one secret so that
// verification keeps succeeding across a rotation. Rotation swaps the pair
// atomically; readers never observe a half-rotated state.
type Keyring struct {
	mu       sync.RWMutex
	current  []byte
	previous []byte
}

// NewKeyring builds a keyring from the current key and an optional previous
// key. Keys shorter than MinKeyBytes are rejected.
func NewKeyring(current, previous []byte) (*Keyring, error) {
	if len(current) < MinKeyBytes {
		return nil, fmt.Errorf("current key is %d bytes, need at least %d", len(current), MinKeyBytes)
	}
	if previous != nil && len(previous) < MinKeyBytes {
		return nil, fmt.Errorf("previous key is %d bytes, need at least %d", len(previous), MinKeyBytes)
	}
	return &Keyring{current: current, previous: previous}, nil
}

// Current returns the key new signatures are produced with.
func (k *Keyring) Current() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Keys returns the verification candidates, current key first.
func (k *Keyring) Keys() [][]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.previous == nil {
		return [][]byte{k.current}
	}
	return [][]byte{k.current, k.previous}
}

// Rotate installs next as the current key and demotes the old current key
// to previous. Tokens and signatures produced under the old key keep
// verifying until the next rotation.
func (k *Keyring) Rotate(next []byte) error {
	if len(next) < MinKeyBytes {
		return fmt.Errorf("rotation key is %d bytes, need at least %d", len(next), MinKeyBytes)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.previous = k.current
	k.current = next
	return nil
}

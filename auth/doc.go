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

/*
Package auth provides the secret-keyed primitives of the gateway: bearer
tokens, payload signatures, and the keyring both verify against.

# Tokens

Tokens are compact signed JWTs (HS256) carrying client id, role,
permissions, and expiry. TokenManager.Mint issues them with a 15 minute
default TTL; Verify checks the signature against every keyring entry so
verification keeps working across a key rotation, and tolerates 60 seconds
of clock skew on the expiry claim only.

# Signatures

Signer produces hex HMAC-SHA-256 signatures over the canonical payload
encoding. Verification is constant-time and also walks the keyring.

# Keyring

Keyring holds the current and previous key for one secret. Rotation swaps
atomically; readers always see a consistent pair. Keys shorter than 32
bytes are rejected at construction.
*/
package auth

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
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrTokenExpired means the token's signature verified but its expiry
	// (plus the allowed clock skew) has passed.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenInvalid means the token is malformed, carries an unexpected
	// signing method, fails signature verification under every keyring
	// entry, or is missing a required claim.
	ErrTokenInvalid = errors.New("token invalid")
)

// DefaultTokenTTL is the issue-to-expiry window for minted tokens.
const DefaultTokenTTL = 15 * time.Minute

// expirySkew is the clock-skew tolerance applied to the expiry claim only.
const expirySkew = 60 * time.Second

// TokenManager mints and verifies the gateway's bearer tokens.
type TokenManager struct {
	keyring *Keyring
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenManager builds a token manager over the given keyring. A ttl of
// zero selects DefaultTokenTTL.
func NewTokenManager(keyring *Keyring, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{
		keyring: keyring,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Mint issues a signed token for the principal under the current key.
func (m *TokenManager) Mint(p *Principal) (string, error) {
	if p.ClientID == "" {
		return "", fmt.Errorf("principal client id is required")
	}
	if !p.Role.Valid() {
		return "", fmt.Errorf("unknown role %q", p.Role)
	}

	perms := make([]string, len(p.Permissions))
	for i, perm := range p.Permissions {
		perms[i] = string(perm)
	}

	issuedAt := m.now().UTC()
	claims := jwt.MapClaims{
		"sub":   p.ClientID,
		"role":  string(p.Role),
		"perms": perms,
		"iat":   issuedAt.Unix(),
		"exp":   issuedAt.Add(m.ttl).Unix(),
		"jti":   uuid.NewString(),
	}
	if p.ApplicationID != "" {
		claims["app"] = p.ApplicationID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.keyring.Current())
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the token against every keyring entry and returns the
// embedded principal. Expiry is validated manually so the skew tolerance
// applies to the exp claim only, never to iat or nbf.
func (m *TokenManager) Verify(tokenString string) (*Principal, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)

	var claims jwt.MapClaims
	verified := false
	for _, key := range m.keyring.Keys() {
		key := key
		token, err := parser.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil {
			if errors.Is(err, jwt.ErrTokenMalformed) {
				return nil, fmt.Errorf("%w: malformed", ErrTokenInvalid)
			}
			continue
		}
		mapClaims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			continue
		}
		claims = mapClaims
		verified = true
		break
	}
	if !verified {
		return nil, fmt.Errorf("%w: signature does not match any key", ErrTokenInvalid)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("%w: missing exp claim", ErrTokenInvalid)
	}
	if m.now().After(exp.Add(expirySkew)) {
		return nil, ErrTokenExpired
	}

	return principalFromClaims(claims)
}

func principalFromClaims(claims jwt.MapClaims) (*Principal, error) {
	clientID := claimString(claims, "sub")
	if clientID == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrTokenInvalid)
	}
	role := Role(claimString(claims, "role"))
	if !role.Valid() {
		return nil, fmt.Errorf("%w: missing or unknown role claim", ErrTokenInvalid)
	}

	var perms []Permission
	for _, s := range claimStringSlice(claims, "perms") {
		perms = append(perms, Permission(s))
	}

	return &Principal{
		ClientID:      clientID,
		Role:          role,
		Permissions:   perms,
		ApplicationID: claimString(claims, "app"),
	}, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func claimStringSlice(claims jwt.MapClaims, key string) []string {
	raw, ok := claims[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

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
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr, err := NewKeyring(testKey(0xAA), nil)
	if err != nil {
		t.Fatalf("Failed to build keyring: %v", err)
	}
	return kr
}

func testPrincipal() *Principal {
	return &Principal{
		ClientID:      "svc-reporting",
		Role:          RoleService,
		Permissions:   []Permission{PermissionRead, PermissionExecute},
		ApplicationID: "reporting-app",
	}
}

// TestMintVerifyRoundTrip tests that a minted token verifies back to the
// same principal.
func TestMintVerifyRoundTrip(t *testing.T) {
	tm := NewTokenManager(testKeyring(t), 0)

	token, err := tm.Mint(testPrincipal())
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	p, err := tm.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if p.ClientID != "svc-reporting" {
		t.Errorf("Expected client id 'svc-reporting', got %q", p.ClientID)
	}
	if p.Role != RoleService {
		t.Errorf("Expected role service, got %q", p.Role)
	}
	if len(p.Permissions) != 2 {
		t.Fatalf("Expected 2 permissions, got %d", len(p.Permissions))
	}
	if !p.HasPermission(PermissionExecute) {
		t.Error("Expected execute permission to survive the round trip")
	}
	if p.ApplicationID != "reporting-app" {
		t.Errorf("Expected application id 'reporting-app', got %q", p.ApplicationID)
	}
}

// TestMintValidation tests principal validation at mint time.
func TestMintValidation(t *testing.T) {
	tm := NewTokenManager(testKeyring(t), 0)

	if _, err := tm.Mint(&Principal{Role: RoleUser}); err == nil {
		t.Error("Expected error minting without a client id")
	}
	if _, err := tm.Mint(&Principal{ClientID: "x", Role: Role("superuser")}); err == nil {
		t.Error("Expected error minting with an unknown role")
	}
}

// TestVerifyExpiry tests the expiry boundary including the clock-skew
// tolerance, which applies to the exp claim only.
func TestVerifyExpiry(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ttl := 15 * time.Minute

	tests := []struct {
		name      string
		verifyAt  time.Time
		expectErr error
	}{
		{
			name:     "well before expiry",
			verifyAt: base.Add(ttl / 2),
		},
		{
			name:     "at expiry",
			verifyAt: base.Add(ttl),
		},
		{
			name:     "inside skew window",
			verifyAt: base.Add(ttl + 59*time.Second),
		},
		{
			name:     "at skew boundary",
			verifyAt: base.Add(ttl + 60*time.Second),
		},
		{
			name:      "past skew window",
			verifyAt:  base.Add(ttl + 61*time.Second),
			expectErr: ErrTokenExpired,
		},
		{
			name:      "long expired",
			verifyAt:  base.Add(24 * time.Hour),
			expectErr: ErrTokenExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tm := NewTokenManager(testKeyring(t), ttl)
			tm.now = func() time.Time { return base }

			token, err := tm.Mint(testPrincipal())
			if err != nil {
				t.Fatalf("Mint failed: %v", err)
			}

			tm.now = func() time.Time { return tt.verifyAt }
			_, err = tm.Verify(token)

			if tt.expectErr == nil {
				if err != nil {
					t.Errorf("Expected success, got: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.expectErr) {
				t.Errorf("Expected %v, got: %v", tt.expectErr, err)
			}
		})
	}
}

// TestVerifyAfterRotation tests that tokens minted under the previous key
// still verify, and tokens under a dropped key do not.
func TestVerifyAfterRotation(t *testing.T) {
	kr := testKeyring(t)
	tm := NewTokenManager(kr, 0)

	token, err := tm.Mint(testPrincipal())
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	// One rotation: the minting key is now previous.
	if err := kr.Rotate(testKey(0xBB)); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if _, err := tm.Verify(token); err != nil {
		t.Errorf("Token under previous key should verify, got: %v", err)
	}

	// Second rotation drops the minting key entirely.
	if err := kr.Rotate(testKey(0xCC)); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if _, err := tm.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Token under dropped key should be invalid, got: %v", err)
	}
}

// TestVerifyRejectsTampering tests signature and claim integrity.
func TestVerifyRejectsTampering(t *testing.T) {
	tm := NewTokenManager(testKeyring(t), 0)

	token, err := tm.Mint(testPrincipal())
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt",
		},
		{
			name:  "flipped signature byte",
			token: flipLastChar(token),
		},
		{
			name:  "truncated signature",
			token: token[:len(token)-8],
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tm.Verify(tt.token); !errors.Is(err, ErrTokenInvalid) {
				t.Errorf("Expected ErrTokenInvalid, got: %v", err)
			}
		})
	}
}

// TestVerifyRejectsWrongKey tests that a token signed by a foreign key
// never verifies.
func TestVerifyRejectsWrongKey(t *testing.T) {
	other, err := NewKeyring(testKey(0x77), nil)
	if err != nil {
		t.Fatalf("Failed to build keyring: %v", err)
	}
	foreign := NewTokenManager(other, 0)

	token, err := foreign.Mint(testPrincipal())
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	tm := NewTokenManager(testKeyring(t), 0)
	if _, err := tm.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid for foreign key, got: %v", err)
	}
}

// TestVerifyRejectsUnsignedAlg tests that alg=none tokens are refused.
func TestVerifyRejectsUnsignedAlg(t *testing.T) {
	claims := jwt.MapClaims{
		"sub":  "svc-reporting",
		"role": "service",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, claims)
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("Failed to build unsigned token: %v", err)
	}

	tm := NewTokenManager(testKeyring(t), 0)
	if _, err := tm.Verify(token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Expected ErrTokenInvalid for alg=none, got: %v", err)
	}
}

// TestVerifyRejectsMissingClaims tests required claim enforcement.
func TestVerifyRejectsMissingClaims(t *testing.T) {
	kr := testKeyring(t)
	tm := NewTokenManager(kr, 0)

	sign := func(t *testing.T, claims jwt.MapClaims) string {
		t.Helper()
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(kr.Current())
		if err != nil {
			t.Fatalf("Failed to sign claims: %v", err)
		}
		return token
	}

	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name   string
		claims jwt.MapClaims
		errMsg string
	}{
		{
			name:   "missing exp",
			claims: jwt.MapClaims{"sub": "c1", "role": "user"},
			errMsg: "exp",
		},
		{
			name:   "missing sub",
			claims: jwt.MapClaims{"role": "user", "exp": exp},
			errMsg: "sub",
		},
		{
			name:   "missing role",
			claims: jwt.MapClaims{"sub": "c1", "exp": exp},
			errMsg: "role",
		},
		{
			name:   "unknown role",
			claims: jwt.MapClaims{"sub": "c1", "role": "root", "exp": exp},
			errMsg: "role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tm.Verify(sign(t, tt.claims))
			if !errors.Is(err, ErrTokenInvalid) {
				t.Fatalf("Expected ErrTokenInvalid, got: %v", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Expected error mentioning %q, got %q", tt.errMsg, err.Error())
			}
		})
	}
}

// TestHasPermission tests direct grants and the admin wildcard.
func TestHasPermission(t *testing.T) {
	p := &Principal{
		ClientID:    "c1",
		Role:        RoleUser,
		Permissions: []Permission{PermissionRead},
	}
	if !p.HasPermission(PermissionRead) {
		t.Error("Expected read permission")
	}
	if p.HasPermission(PermissionPIIAccess) {
		t.Error("Did not expect pii_access permission")
	}

	admin := &Principal{
		ClientID:    "c2",
		Role:        RoleAdmin,
		Permissions: []Permission{PermissionAdmin},
	}
	if !admin.HasPermission(PermissionSensitiveAccess) {
		t.Error("Admin permission should imply all permissions")
	}
}

func flipLastChar(s string) string {
	b := []byte(s)
	last := b[len(b)-1]
	if last == 'A' {
		b[len(b)-1] = 'B'
	} else {
		b[len(b)-1] = 'A'
	}
	return string(b)
}

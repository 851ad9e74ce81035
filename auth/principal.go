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

// Role is the coarse identity class of a caller.
type Role string

const (
	RoleUser    Role = "user"
	RoleService Role = "service"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleService, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Permission is a fine-grained capability a principal may hold.
type Permission string

const (
	PermissionRead            Permission = "read"
	PermissionWrite           Permission = "write"
	PermissionExecute         Permission = "execute"
	PermissionAdmin           Permission = "admin"
	PermissionPIIAccess       Permission = "pii_access"
	PermissionSensitiveAccess Permission = "sensitive_access"
)

// Principal is the authenticated identity derived from a verified token.
// Immutable once constructed.
type Principal struct {
	ClientID      string
	Role          Role
	Permissions   []Permission
	ApplicationID string
	Metadata      map[string]string
}

// HasPermission reports whether the principal holds perm. The admin
// permission implies every other permission.
func (p *Principal) HasPermission(perm Permission) bool {
	for _, held := range p.Permissions {
		if held == PermissionAdmin || held == perm {
			return true
		}
	}
	return false
}

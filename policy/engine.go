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

package policy

import (
	"fmt"

	"mpcgate/gateway/auth"
	"mpcgate/gateway/contract"
)

// Tables holds the role-keyed authorization matrices. A role absent from a
// table is denied by that table's check.
type Tables struct {
	// SensitivityAccess maps a role to the sensitivity levels it may submit.
	SensitivityAccess map[auth.Role][]contract.Sensitivity

	// ProcessingHints maps a role to the hints it may request.
	ProcessingHints map[auth.Role][]contract.ProcessingHint

	// MaxCostPerRequest maps a role to its per-request cost ceiling in USD.
	MaxCostPerRequest map[auth.Role]float64
}

// DefaultTables returns the built-in authorization matrices. The returned
// maps are fresh copies; callers may mutate them before building an engine.
func DefaultTables() Tables {
	return Tables{
		SensitivityAccess: map[auth.Role][]contract.Sensitivity{
			auth.RoleUser: {
				contract.SensitivityPublic,
				contract.SensitivityInternal,
			},
			auth.RoleService: {
				contract.SensitivityPublic,
				contract.SensitivityInternal,
				contract.SensitivitySensitive,
			},
			auth.RoleAdmin:  append([]contract.Sensitivity(nil), contract.AllSensitivities...),
			auth.RoleSystem: append([]contract.Sensitivity(nil), contract.AllSensitivities...),
		},
		ProcessingHints: map[auth.Role][]contract.ProcessingHint{
			auth.RoleUser: {
				contract.HintAuto,
				contract.HintModelSmall,
				contract.HintRuleEngine,
			},
			auth.RoleService: {
				contract.HintAuto,
				contract.HintModelSmall,
				contract.HintModelLarge,
				contract.HintRuleEngine,
				contract.HintHybrid,
			},
			auth.RoleAdmin:  append([]contract.ProcessingHint(nil), contract.AllProcessingHints...),
			auth.RoleSystem: append([]contract.ProcessingHint(nil), contract.AllProcessingHints...),
		},
		MaxCostPerRequest: map[auth.Role]float64{
			auth.RoleUser:    0.10,
			auth.RoleService: 1.00,
			auth.RoleAdmin:   10.00,
			auth.RoleSystem:  100.00,
		},
	}
}

// Attributes are the resource attributes a request is evaluated against.
type Attributes struct {
	Sensitivity    contract.Sensitivity
	ProcessingHint contract.ProcessingHint
	EstimatedCost  float64
}

// Decision is the outcome of an authorization check. Reason is set only
// on denial and names the first failing check.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(format string, args ...interface{}) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Engine evaluates authorization decisions against a fixed set of tables.
type Engine struct {
	tables Tables
}

// NewEngine builds an engine over the default tables.
func NewEngine() *Engine {
	return NewEngineWithTables(DefaultTables())
}

// NewEngineWithTables builds an engine over caller-supplied tables. Nil
// maps deny everything their check governs.
func NewEngineWithTables(tables Tables) *Engine {
	return &Engine{tables: tables}
}

// Authorize checks the principal against the request attributes. Checks
// run in order: sensitivity access, PII clearance, processing hint, cost
// ceiling. The first failure decides the outcome.
func (e *Engine) Authorize(p *auth.Principal, attrs Attributes) Decision {
	sensitivity := attrs.Sensitivity
	if sensitivity == "" {
		sensitivity = contract.SensitivityInternal
	}

	if !containsSensitivity(e.tables.SensitivityAccess[p.Role], sensitivity) {
		return deny("role '%s' is not allowed to access '%s' data", p.Role, sensitivity)
	}

	if sensitivity.RequiresPIIClearance() && !p.HasPermission(auth.PermissionPIIAccess) {
		return deny("permission '%s' required for '%s' data", auth.PermissionPIIAccess, sensitivity)
	}

	if attrs.ProcessingHint != "" {
		if !containsHint(e.tables.ProcessingHints[p.Role], attrs.ProcessingHint) {
			return deny("role '%s' is not allowed to use processing hint '%s'", p.Role, attrs.ProcessingHint)
		}
	}

	maxCost, ok := e.tables.MaxCostPerRequest[p.Role]
	if !ok {
		maxCost = 0
	}
	if attrs.EstimatedCost > maxCost {
		return deny("estimated cost $%.4f exceeds limit $%.4f for role '%s'",
			attrs.EstimatedCost, maxCost, p.Role)
	}

	return allow()
}

// MaxCost returns the cost ceiling for a role, zero for unknown roles. The
// router uses it to bound backend selection before dispatch.
func (e *Engine) MaxCost(role auth.Role) float64 {
	return e.tables.MaxCostPerRequest[role]
}

func containsSensitivity(levels []contract.Sensitivity, s contract.Sensitivity) bool {
	for _, level := range levels {
		if level == s {
			return true
		}
	}
	return false
}

func containsHint(hints []contract.ProcessingHint, h contract.ProcessingHint) bool {
	for _, hint := range hints {
		if hint == h {
			return true
		}
	}
	return false
}

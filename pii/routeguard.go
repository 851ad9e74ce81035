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

package pii

import (
	"fmt"

	"mpcgate/gateway/contract"
)

// GuardConfig lists the processing hints that remain acceptable once PII
// has been detected. Router-delegating hints (auto, hybrid) stay safe for
// ordinary PII because the router still enforces sensitivity; identity and
// payment credentials must pin the route to a private model or rule engine.
type GuardConfig struct {
	// PIISafeHints are acceptable when any PII is present.
	PIISafeHints []contract.ProcessingHint

	// SensitiveSafeHints are acceptable when the matches include identity
	// or payment credentials (SSN, credit card, passport).
	SensitiveSafeHints []contract.ProcessingHint
}

// DefaultGuardConfig returns the built-in guard rules.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		PIISafeHints: []contract.ProcessingHint{
			contract.HintAuto,
			contract.HintHybrid,
			contract.HintModelPrivate,
			contract.HintRuleEngine,
		},
		SensitiveSafeHints: []contract.ProcessingHint{
			contract.HintModelPrivate,
			contract.HintRuleEngine,
		},
	}
}

// RouteGuard blocks (text, hint) combinations that would force PII onto
// an out-of-policy route before the router runs.
type RouteGuard struct {
	piiSafe       map[contract.ProcessingHint]bool
	sensitiveSafe map[contract.ProcessingHint]bool
}

// NewRouteGuard builds a guard from the given rules.
func NewRouteGuard(cfg GuardConfig) *RouteGuard {
	g := &RouteGuard{
		piiSafe:       make(map[contract.ProcessingHint]bool, len(cfg.PIISafeHints)),
		sensitiveSafe: make(map[contract.ProcessingHint]bool, len(cfg.SensitiveSafeHints)),
	}
	for _, h := range cfg.PIISafeHints {
		g.piiSafe[h] = true
	}
	for _, h := range cfg.SensitiveSafeHints {
		g.sensitiveSafe[h] = true
	}
	return g
}

// ShouldBlock checks a detection result against the requested hint. It
// returns true with a reason when the hint pins the request to a route
// that must not carry the detected PII.
func (g *RouteGuard) ShouldBlock(detection DetectionResult, hint contract.ProcessingHint) (bool, string) {
	if !detection.HasPII {
		return false, ""
	}

	if hint == "" {
		hint = contract.HintAuto
	}

	if !g.piiSafe[hint] {
		return true, fmt.Sprintf(
			"processing hint '%s' not allowed for PII data (detected: %v)",
			hint, detection.TypeStrings())
	}

	if detection.HasSensitiveTypes() && !g.sensitiveSafe[hint] {
		return true, fmt.Sprintf(
			"processing hint '%s' not allowed for sensitive PII (SSN/credit card/passport)",
			hint)
	}

	return false, ""
}

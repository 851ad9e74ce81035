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

package backend

import (
	"fmt"
	"sort"
	"strings"

	"mpcgate/gateway/contract"
)

// RouteRequest is everything the router needs to pick backends. The
// router never sees the payload itself, only its routing-relevant shape.
type RouteRequest struct {
	// Capability to route for. When empty it is inferred from Schema.
	Capability Capability

	// Schema is the payload schema name, used for capability inference.
	Schema string

	Sensitivity contract.Sensitivity
	Hint        contract.ProcessingHint

	// EstimatedTokens sizes the request for cost math. Zero falls back
	// to a nominal 1000 tokens.
	EstimatedTokens int

	// MaxCostUSD is the caller's cost ceiling, normally the policy
	// ceiling for the principal's role. Zero or negative disables the
	// cost constraint.
	MaxCostUSD float64

	// TimeoutMs bounds acceptable backend latency. Zero disables the
	// latency constraint.
	TimeoutMs int

	// MaxRetries bounds the fallback chain length.
	MaxRetries int
}

// Decision is the router's output: a primary backend, an optional fallback
// cascade, and enough context to audit why.
type Decision struct {
	BackendID          string   `json:"backend_id"`
	BackendType        Type     `json:"backend_type"`
	Reason             string   `json:"reason"`
	Confidence         float64  `json:"confidence"`
	EstimatedCostUSD   float64  `json:"estimated_cost_usd"`
	EstimatedLatencyMs int      `json:"estimated_latency_ms"`
	Fallbacks          []string `json:"fallbacks,omitempty"`
	Relaxed            bool     `json:"relaxed,omitempty"`
}

// RoutingError means no backend can serve the request under its
// sensitivity, even with relaxed constraints.
type RoutingError struct {
	Reason string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing failed: %s", e.Reason)
}

// Router selects backends from registry snapshots. It is stateless and
// deterministic: identical inputs against an identical snapshot always
// yield the identical decision.
type Router struct {
	// confidenceFloor discards backends advertising a threshold below
	// it. Zero disables the check.
	confidenceFloor float64
}

// NewRouter returns a router with no confidence floor.
func NewRouter() *Router {
	return &Router{}
}

// NewRouterWithFloor returns a router that drops backends whose confidence
// threshold sits below floor.
func NewRouterWithFloor(floor float64) *Router {
	return &Router{confidenceFloor: floor}
}

// Router decision confidence levels. A relaxed pick is flagged lower so
// operators can alert on constraint pressure.
const (
	decisionConfidence        = 0.9
	relaxedDecisionConfidence = 0.6
)

// hintTypes maps a processing hint to the backend types it admits. A nil
// result admits every type.
func hintTypes(h contract.ProcessingHint) map[Type]bool {
	switch h {
	case contract.HintModelSmall:
		return map[Type]bool{TypeLLMSmall: true}
	case contract.HintModelLarge:
		return map[Type]bool{TypeLLMLarge: true}
	case contract.HintModelPrivate:
		return map[Type]bool{TypeLLMPrivate: true}
	case contract.HintRuleEngine:
		return map[Type]bool{TypeRuleEngine: true, TypeRegexEngine: true}
	default:
		// auto, hybrid, and absent hints admit everything.
		return nil
	}
}

// InferCapability derives a capability from the payload schema name. The
// heuristic is deliberately shallow; an explicit RouteRequest.Capability
// overrides it.
func InferCapability(schema string) Capability {
	name := strings.ToLower(schema)
	switch {
	case strings.Contains(name, "security"):
		return CapSecurityScan
	case strings.Contains(name, "extract"):
		return CapExtraction
	case strings.Contains(name, "classify"):
		return CapClassification
	default:
		return CapTextGeneration
	}
}

// EstimateTokens sizes a request: a rough four-characters-per-token read
// of the prompt plus the completion budget.
func EstimateTokens(prompt string, maxTokens int) int {
	if maxTokens <= 0 {
		maxTokens = 1000
	}
	return len(prompt)/4 + maxTokens
}

// estimatedCost prices tokens on a descriptor.
func estimatedCost(d Descriptor, tokens int) float64 {
	return float64(tokens) / 1000 * d.CostPer1KTokens
}

// Route picks a primary backend and fallback cascade from the snapshot.
//
// Stage 1 builds the candidate set: capability, sensitivity, and hint
// filters. Stage 2 solves cost/latency/confidence constraints and picks
// the cheapest survivor (ties: lowest latency, then lexicographic id).
// When nothing survives, the cost and latency constraints relax (never
// the sensitivity filter) and the cheapest candidate wins. Stage 3 adds
// up to MaxRetries fallbacks: candidates strictly more expensive than the
// primary, cheapest first. After a weak answer from a cheap backend the
// cascade pays more for quality; it never sidegrades.
func (r *Router) Route(req RouteRequest, snapshot []Descriptor) (*Decision, error) {
	capability := req.Capability
	if capability == "" {
		capability = InferCapability(req.Schema)
	}
	sensitivity := req.Sensitivity
	if sensitivity == "" {
		sensitivity = contract.SensitivityInternal
	}
	tokens := req.EstimatedTokens
	if tokens <= 0 {
		tokens = 1000
	}

	// Stage 1: candidate set.
	admitted := hintTypes(req.Hint)
	var capable, candidates []Descriptor
	for _, d := range snapshot {
		if !d.HasCapability(capability) {
			continue
		}
		capable = append(capable, d)
		if !d.AllowsSensitivity(sensitivity) {
			continue
		}
		if admitted != nil && !admitted[d.Type] {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, &RoutingError{Reason: unsatisfiableReason(capability, sensitivity, req.Hint, capable, snapshot)}
	}

	// Stage 2: constraint solver.
	var survivors []Descriptor
	for _, d := range candidates {
		if req.MaxCostUSD > 0 && estimatedCost(d, tokens) > req.MaxCostUSD {
			continue
		}
		if req.TimeoutMs > 0 && d.AvgLatencyMs > req.TimeoutMs {
			continue
		}
		if r.confidenceFloor > 0 && d.ConfidenceThreshold < r.confidenceFloor {
			continue
		}
		survivors = append(survivors, d)
	}

	relaxed := false
	if len(survivors) == 0 {
		relaxed = true
		survivors = candidates
	}

	sortByCost(survivors, tokens)
	primary := survivors[0]
	primaryCost := estimatedCost(primary, tokens)

	// Stage 3: cascade chain.
	var fallbacks []string
	if req.MaxRetries > 0 {
		rest := make([]Descriptor, 0, len(candidates))
		for _, d := range candidates {
			if d.ID == primary.ID {
				continue
			}
			if estimatedCost(d, tokens) > primaryCost {
				rest = append(rest, d)
			}
		}
		sortByCost(rest, tokens)
		for i := 0; i < len(rest) && i < req.MaxRetries; i++ {
			fallbacks = append(fallbacks, rest[i].ID)
		}
	}

	reason := fmt.Sprintf("selected %s (%s): cheapest of %d candidate(s) for %s at sensitivity %s",
		primary.ID, primary.Type, len(candidates), capability, sensitivity)
	if req.Hint != "" && req.Hint != contract.HintAuto {
		reason += fmt.Sprintf(", hint %s", req.Hint)
	}
	confidence := decisionConfidence
	if relaxed {
		reason += "; cost/latency constraints relaxed"
		confidence = relaxedDecisionConfidence
	}

	return &Decision{
		BackendID:          primary.ID,
		BackendType:        primary.Type,
		Reason:             reason,
		Confidence:         confidence,
		EstimatedCostUSD:   primaryCost,
		EstimatedLatencyMs: primary.AvgLatencyMs,
		Fallbacks:          fallbacks,
		Relaxed:            relaxed,
	}, nil
}

// sortByCost orders descriptors by estimated cost, then latency, then id.
// The final id tiebreak is what makes routing deterministic.
func sortByCost(descs []Descriptor, tokens int) {
	sort.Slice(descs, func(i, j int) bool {
		ci, cj := estimatedCost(descs[i], tokens), estimatedCost(descs[j], tokens)
		if ci != cj {
			return ci < cj
		}
		if descs[i].AvgLatencyMs != descs[j].AvgLatencyMs {
			return descs[i].AvgLatencyMs < descs[j].AvgLatencyMs
		}
		return descs[i].ID < descs[j].ID
	})
}

// unsatisfiableReason names the first filter that emptied the candidate
// set, so a routing failure tells the caller what to change.
func unsatisfiableReason(capability Capability, sensitivity contract.Sensitivity, hint contract.ProcessingHint, capable, snapshot []Descriptor) string {
	if len(snapshot) == 0 {
		return "no backends registered"
	}
	if len(capable) == 0 {
		return fmt.Sprintf("no backend provides capability %s", capability)
	}
	withSensitivity := 0
	for _, d := range capable {
		if d.AllowsSensitivity(sensitivity) {
			withSensitivity++
		}
	}
	if withSensitivity == 0 {
		return fmt.Sprintf("no backend with capability %s allows sensitivity %s", capability, sensitivity)
	}
	return fmt.Sprintf("hint %s excludes every backend with capability %s allowing sensitivity %s",
		hint, capability, sensitivity)
}

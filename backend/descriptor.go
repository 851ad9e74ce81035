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

	"mpcgate/gateway/contract"
)

// Type classifies a backend by what kind of engine it is. The router maps
// processing hints onto these types.
type Type string

const (
	TypeLLMLarge    Type = "llm_large"
	TypeLLMMedium   Type = "llm_medium"
	TypeLLMSmall    Type = "llm_small"
	TypeLLMPrivate  Type = "llm_private"
	TypeRuleEngine  Type = "rule_engine"
	TypeClassifier  Type = "classifier"
	TypeRegexEngine Type = "regex_engine"
)

// Valid reports whether t is a known backend type.
func (t Type) Valid() bool {
	switch t {
	case TypeLLMLarge, TypeLLMMedium, TypeLLMSmall, TypeLLMPrivate,
		TypeRuleEngine, TypeClassifier, TypeRegexEngine:
		return true
	}
	return false
}

// Deterministic reports whether the backend type produces rule-derived
// output rather than model inference. Deterministic engines are free.
func (t Type) Deterministic() bool {
	return t == TypeRuleEngine || t == TypeRegexEngine
}

// Capability names a task a backend can perform.
type Capability string

const (
	CapTextGeneration Capability = "text_generation"
	CapClassification Capability = "classification"
	CapExtraction     Capability = "extraction"
	CapSummarization  Capability = "summarization"
	CapTranslation    Capability = "translation"
	CapCodeGeneration Capability = "code_generation"
	CapAnalysis       Capability = "analysis"
	CapSecurityScan   Capability = "security_scan"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapTextGeneration, CapClassification, CapExtraction, CapSummarization,
		CapTranslation, CapCodeGeneration, CapAnalysis, CapSecurityScan:
		return true
	}
	return false
}

// Descriptor describes one backend: identity, abilities, economics, and
// the data classifications it may see.
type Descriptor struct {
	ID                  string                 `json:"id"`
	Type                Type                   `json:"type"`
	Capabilities        []Capability           `json:"capabilities"`
	CostPer1KTokens     float64                `json:"cost_per_1k_tokens"`
	AvgLatencyMs        int                    `json:"avg_latency_ms"`
	MaxTokens           int                    `json:"max_tokens"`
	ConfidenceThreshold float64                `json:"confidence_threshold"`
	PIIAllowed          bool                   `json:"pii_allowed"`
	SensitivityAllowed  []contract.Sensitivity `json:"sensitivity_allowed"`
}

// Validate checks descriptor invariants. A backend cleared for PII must
// also accept the pii and confidential classifications, and deterministic
// engines never charge per token.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("backend id is required")
	}
	if !d.Type.Valid() {
		return fmt.Errorf("backend %s: unknown type %q", d.ID, d.Type)
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("backend %s: at least one capability is required", d.ID)
	}
	for _, c := range d.Capabilities {
		if !c.Valid() {
			return fmt.Errorf("backend %s: unknown capability %q", d.ID, c)
		}
	}
	if d.CostPer1KTokens < 0 {
		return fmt.Errorf("backend %s: negative cost", d.ID)
	}
	if d.Type.Deterministic() && d.CostPer1KTokens != 0 {
		return fmt.Errorf("backend %s: %s backends must have zero cost", d.ID, d.Type)
	}
	if d.AvgLatencyMs <= 0 {
		return fmt.Errorf("backend %s: avg latency must be positive", d.ID)
	}
	if d.MaxTokens <= 0 {
		return fmt.Errorf("backend %s: max tokens must be positive", d.ID)
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return fmt.Errorf("backend %s: confidence threshold %v outside [0,1]", d.ID, d.ConfidenceThreshold)
	}
	for _, s := range d.SensitivityAllowed {
		if !s.Valid() {
			return fmt.Errorf("backend %s: unknown sensitivity %q", d.ID, s)
		}
	}
	if d.PIIAllowed {
		if !d.AllowsSensitivity(contract.SensitivityPII) || !d.AllowsSensitivity(contract.SensitivityConfidential) {
			return fmt.Errorf("backend %s: pii_allowed requires pii and confidential in sensitivity_allowed", d.ID)
		}
	}
	return nil
}

// HasCapability reports whether the backend advertises c.
func (d Descriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// AllowsSensitivity reports whether the backend may see data classified s.
func (d Descriptor) AllowsSensitivity(s contract.Sensitivity) bool {
	for _, have := range d.SensitivityAllowed {
		if have == s {
			return true
		}
	}
	return false
}

// clone deep-copies the descriptor so registry internals never leak.
func (d Descriptor) clone() Descriptor {
	out := d
	out.Capabilities = append([]Capability(nil), d.Capabilities...)
	out.SensitivityAllowed = append([]contract.Sensitivity(nil), d.SensitivityAllowed...)
	return out
}

// DefaultCatalog returns the production backend set the gateway ships
// with. Deployments override it from configuration.
func DefaultCatalog() []Descriptor {
	nonPII := []contract.Sensitivity{
		contract.SensitivityPublic,
		contract.SensitivityInternal,
	}
	all := append([]contract.Sensitivity(nil), contract.AllSensitivities...)

	return []Descriptor{
		{
			ID:   "openai:gpt-4",
			Type: TypeLLMLarge,
			Capabilities: []Capability{
				CapTextGeneration, CapCodeGeneration, CapAnalysis,
				CapSummarization, CapExtraction,
			},
			CostPer1KTokens:     0.03,
			AvgLatencyMs:        2000,
			MaxTokens:           8192,
			ConfidenceThreshold: 0.75,
			PIIAllowed:          false,
			SensitivityAllowed:  nonPII,
		},
		{
			ID:   "openai:gpt-3.5-turbo",
			Type: TypeLLMSmall,
			Capabilities: []Capability{
				CapTextGeneration, CapClassification, CapSummarization,
				CapTranslation,
			},
			CostPer1KTokens:     0.002,
			AvgLatencyMs:        800,
			MaxTokens:           4096,
			ConfidenceThreshold: 0.6,
			PIIAllowed:          false,
			SensitivityAllowed:  nonPII,
		},
		{
			ID:   "anthropic:claude-3-opus",
			Type: TypeLLMLarge,
			Capabilities: []Capability{
				CapTextGeneration, CapAnalysis, CapCodeGeneration,
				CapExtraction, CapSummarization, CapTranslation,
			},
			CostPer1KTokens:     0.015,
			AvgLatencyMs:        2500,
			MaxTokens:           4096,
			ConfidenceThreshold: 0.8,
			PIIAllowed:          false,
			SensitivityAllowed: []contract.Sensitivity{
				contract.SensitivityPublic,
				contract.SensitivityInternal,
				contract.SensitivitySensitive,
			},
		},
		{
			ID:   "ollama:llama2",
			Type: TypeLLMPrivate,
			Capabilities: []Capability{
				CapTextGeneration, CapClassification, CapSummarization,
			},
			CostPer1KTokens:     0,
			AvgLatencyMs:        1500,
			MaxTokens:           2048,
			ConfidenceThreshold: 0.5,
			PIIAllowed:          true,
			SensitivityAllowed:  all,
		},
		{
			ID:                  "rules:pii-detector",
			Type:                TypeRegexEngine,
			Capabilities:        []Capability{CapSecurityScan},
			CostPer1KTokens:     0,
			AvgLatencyMs:        50,
			MaxTokens:           100000,
			ConfidenceThreshold: 0.9,
			PIIAllowed:          true,
			SensitivityAllowed:  all,
		},
		{
			ID:                  "rules:injection-detector",
			Type:                TypeRuleEngine,
			Capabilities:        []Capability{CapSecurityScan},
			CostPer1KTokens:     0,
			AvgLatencyMs:        50,
			MaxTokens:           100000,
			ConfidenceThreshold: 0.9,
			PIIAllowed:          true,
			SensitivityAllowed:  all,
		},
	}
}

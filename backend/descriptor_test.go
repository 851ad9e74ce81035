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
	"strings"
	"testing"

	"mpcgate/gateway/contract"
)

// validDescriptor returns a descriptor that passes validation; tests
// mutate single fields to probe individual invariants.
func validDescriptor() Descriptor {
	return Descriptor{
		ID:                  "test:backend",
		Type:                TypeLLMSmall,
		Capabilities:        []Capability{CapTextGeneration},
		CostPer1KTokens:     0.002,
		AvgLatencyMs:        500,
		MaxTokens:           4096,
		ConfidenceThreshold: 0.6,
		SensitivityAllowed: []contract.Sensitivity{
			contract.SensitivityPublic,
			contract.SensitivityInternal,
		},
	}
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Descriptor)
		wantErr string
	}{
		{
			name:   "valid descriptor",
			mutate: func(d *Descriptor) {},
		},
		{
			name:    "missing id",
			mutate:  func(d *Descriptor) { d.ID = "" },
			wantErr: "id is required",
		},
		{
			name:    "unknown type",
			mutate:  func(d *Descriptor) { d.Type = "quantum_engine" },
			wantErr: "unknown type",
		},
		{
			name:    "no capabilities",
			mutate:  func(d *Descriptor) { d.Capabilities = nil },
			wantErr: "at least one capability",
		},
		{
			name:    "unknown capability",
			mutate:  func(d *Descriptor) { d.Capabilities = []Capability{"mind_reading"} },
			wantErr: "unknown capability",
		},
		{
			name:    "negative cost",
			mutate:  func(d *Descriptor) { d.CostPer1KTokens = -0.01 },
			wantErr: "negative cost",
		},
		{
			name: "deterministic backend with cost",
			mutate: func(d *Descriptor) {
				d.Type = TypeRuleEngine
				d.CostPer1KTokens = 0.001
			},
			wantErr: "zero cost",
		},
		{
			name:    "zero latency",
			mutate:  func(d *Descriptor) { d.AvgLatencyMs = 0 },
			wantErr: "latency must be positive",
		},
		{
			name:    "zero max tokens",
			mutate:  func(d *Descriptor) { d.MaxTokens = 0 },
			wantErr: "max tokens must be positive",
		},
		{
			name:    "confidence threshold above one",
			mutate:  func(d *Descriptor) { d.ConfidenceThreshold = 1.5 },
			wantErr: "outside [0,1]",
		},
		{
			name:    "confidence threshold negative",
			mutate:  func(d *Descriptor) { d.ConfidenceThreshold = -0.1 },
			wantErr: "outside [0,1]",
		},
		{
			name: "unknown sensitivity",
			mutate: func(d *Descriptor) {
				d.SensitivityAllowed = []contract.Sensitivity{"radioactive"}
			},
			wantErr: "unknown sensitivity",
		},
		{
			name: "pii allowed without pii sensitivity",
			mutate: func(d *Descriptor) {
				d.PIIAllowed = true
			},
			wantErr: "pii_allowed requires",
		},
		{
			name: "pii allowed with full clearances",
			mutate: func(d *Descriptor) {
				d.PIIAllowed = true
				d.SensitivityAllowed = append([]contract.Sensitivity(nil), contract.AllSensitivities...)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(&d)
			err := d.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Expected valid descriptor, got error: %v", err)
				}
				return
			}

			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestDefaultCatalogValid(t *testing.T) {
	catalog := DefaultCatalog()
	if len(catalog) == 0 {
		t.Fatal("Expected non-empty default catalog")
	}

	seen := make(map[string]bool)
	for _, d := range catalog {
		if err := d.Validate(); err != nil {
			t.Errorf("Default catalog entry %s failed validation: %v", d.ID, err)
		}
		if seen[d.ID] {
			t.Errorf("Duplicate id %s in default catalog", d.ID)
		}
		seen[d.ID] = true
	}

	// The catalog must include at least one PII-cleared backend so
	// PII-classified requests are servable out of the box.
	hasPIIBackend := false
	for _, d := range catalog {
		if d.PIIAllowed && d.AllowsSensitivity(contract.SensitivityPII) {
			hasPIIBackend = true
		}
	}
	if !hasPIIBackend {
		t.Error("Expected at least one PII-allowed backend in default catalog")
	}
}

func TestTypeDeterministic(t *testing.T) {
	tests := []struct {
		backendType Type
		want        bool
	}{
		{TypeRuleEngine, true},
		{TypeRegexEngine, true},
		{TypeLLMLarge, false},
		{TypeLLMSmall, false},
		{TypeLLMPrivate, false},
		{TypeClassifier, false},
	}

	for _, tt := range tests {
		if got := tt.backendType.Deterministic(); got != tt.want {
			t.Errorf("Type %s: expected Deterministic() = %v, got %v", tt.backendType, tt.want, got)
		}
	}
}

func TestHasCapability(t *testing.T) {
	d := validDescriptor()
	d.Capabilities = []Capability{CapTextGeneration, CapSummarization}

	if !d.HasCapability(CapTextGeneration) {
		t.Error("Expected HasCapability(text_generation) = true")
	}
	if d.HasCapability(CapSecurityScan) {
		t.Error("Expected HasCapability(security_scan) = false")
	}
}

func TestAllowsSensitivity(t *testing.T) {
	d := validDescriptor()

	if !d.AllowsSensitivity(contract.SensitivityPublic) {
		t.Error("Expected AllowsSensitivity(public) = true")
	}
	if d.AllowsSensitivity(contract.SensitivityPII) {
		t.Error("Expected AllowsSensitivity(pii) = false")
	}
}

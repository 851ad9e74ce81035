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

package gateway

import (
	"context"
	"strings"
	"testing"

	"mpcgate/gateway/audit"
	"mpcgate/gateway/backend"
	"mpcgate/gateway/config"
	"mpcgate/gateway/pii"
)

func buildFromEntries(t *testing.T, entries []config.BackendConfig) (*backend.Registry, *backend.Dispatcher, error) {
	t.Helper()
	cfg := config.Default()
	cfg.Backends = entries
	return BuildBackends(context.Background(), cfg, pii.NewDetector(), pii.NewInjectionScanner(), audit.NewMemorySink())
}

func TestBuildBackendsFromConfig(t *testing.T) {
	entries := []config.BackendConfig{
		{
			ID:                  "local:tiny",
			Type:                string(backend.TypeLLMSmall),
			Capabilities:        []string{string(backend.CapTextGeneration)},
			CostPer1KTokens:     0.001,
			AvgLatencyMs:        300,
			MaxTokens:           4096,
			ConfidenceThreshold: 0.6,
			SensitivityAllowed:  []string{"public", "internal"},
			Adapter:             config.AdapterConfig{Kind: config.AdapterMock},
		},
		{
			ID:                  "rules:pii",
			Type:                string(backend.TypeRegexEngine),
			Capabilities:        []string{string(backend.CapSecurityScan)},
			AvgLatencyMs:        5,
			MaxTokens:           100000,
			ConfidenceThreshold: 0.9,
			PIIAllowed:          true,
			SensitivityAllowed:  []string{"public", "internal", "sensitive", "pii", "confidential"},
			Adapter:             config.AdapterConfig{Kind: config.AdapterPIIScan},
		},
		{
			ID:                  "rules:topics",
			Type:                string(backend.TypeClassifier),
			Capabilities:        []string{string(backend.CapClassification)},
			AvgLatencyMs:        5,
			MaxTokens:           100000,
			ConfidenceThreshold: 0.5,
			SensitivityAllowed:  []string{"public", "internal"},
			Adapter: config.AdapterConfig{
				Kind:  config.AdapterClassifier,
				Rules: map[string][]string{"billing": {"invoice", "payment"}},
			},
		},
	}

	registry, dispatcher, err := buildFromEntries(t, entries)
	if err != nil {
		t.Fatalf("BuildBackends failed: %v", err)
	}
	if registry.Count() != 3 {
		t.Errorf("Expected 3 registered backends, got %d", registry.Count())
	}
	if dispatcher.BoundCount() != 3 {
		t.Errorf("Expected 3 bound adapters, got %d", dispatcher.BoundCount())
	}

	// The rule engine must be live, not a stand-in.
	adapter, ok := dispatcher.Adapter("rules:pii")
	if !ok {
		t.Fatal("Expected an adapter bound for rules:pii")
	}
	res, err := adapter.Execute(context.Background(), backend.Request{
		RequestID: "req-1",
		Prompt:    "Contact carol@example.com",
	})
	if err != nil {
		t.Fatalf("PII scan adapter failed: %v", err)
	}
	if res.Confidence != 1.0 {
		t.Errorf("Expected deterministic confidence 1.0, got %f", res.Confidence)
	}
	if !strings.Contains(res.Output, "email") {
		t.Errorf("Expected the scan report to name the email hit, got %s", res.Output)
	}
}

func TestBuildBackendsReadsKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_OPENAI_API_KEY", "sk-test-not-real")

	entries := []config.BackendConfig{{
		ID:                  "openai:gpt-4",
		Type:                string(backend.TypeLLMLarge),
		Capabilities:        []string{string(backend.CapTextGeneration)},
		CostPer1KTokens:     0.03,
		AvgLatencyMs:        2000,
		MaxTokens:           8192,
		ConfidenceThreshold: 0.75,
		SensitivityAllowed:  []string{"public", "internal"},
		Adapter: config.AdapterConfig{
			Kind:      config.AdapterOpenAI,
			APIKeyEnv: "TEST_OPENAI_API_KEY",
			Model:     "gpt-4",
		},
	}}

	_, dispatcher, err := buildFromEntries(t, entries)
	if err != nil {
		t.Fatalf("BuildBackends failed: %v", err)
	}
	if dispatcher.BoundCount() != 1 {
		t.Errorf("Expected 1 bound adapter, got %d", dispatcher.BoundCount())
	}
}

func TestBuildBackendsMissingKeyFails(t *testing.T) {
	entries := []config.BackendConfig{{
		ID:                  "openai:gpt-4",
		Type:                string(backend.TypeLLMLarge),
		Capabilities:        []string{string(backend.CapTextGeneration)},
		CostPer1KTokens:     0.03,
		AvgLatencyMs:        2000,
		MaxTokens:           8192,
		ConfidenceThreshold: 0.75,
		SensitivityAllowed:  []string{"public", "internal"},
		Adapter:             config.AdapterConfig{Kind: config.AdapterOpenAI, Model: "gpt-4"},
	}}

	_, _, err := buildFromEntries(t, entries)
	if err == nil || !strings.Contains(err.Error(), "api key") {
		t.Fatalf("Expected an api key error, got %v", err)
	}
	if !strings.Contains(err.Error(), "openai:gpt-4") {
		t.Errorf("Expected the error to name the backend, got %v", err)
	}
}

func TestBuildBackendsUnknownKind(t *testing.T) {
	entries := []config.BackendConfig{{
		ID:                  "weird:thing",
		Type:                string(backend.TypeLLMSmall),
		Capabilities:        []string{string(backend.CapTextGeneration)},
		CostPer1KTokens:     0.001,
		AvgLatencyMs:        300,
		MaxTokens:           4096,
		ConfidenceThreshold: 0.6,
		SensitivityAllowed:  []string{"public"},
		Adapter:             config.AdapterConfig{Kind: "grpc"},
	}}

	_, _, err := buildFromEntries(t, entries)
	if err == nil || !strings.Contains(err.Error(), "unknown adapter kind") {
		t.Fatalf("Expected an unknown kind error, got %v", err)
	}
}

func TestBuildBackendsDefaultCatalog(t *testing.T) {
	registry, dispatcher, err := buildFromEntries(t, nil)
	if err != nil {
		t.Fatalf("BuildBackends failed: %v", err)
	}
	if registry.Count() != 6 {
		t.Errorf("Expected the 6-entry default catalog, got %d", registry.Count())
	}
	if dispatcher.BoundCount() != registry.Count() {
		t.Errorf("Expected every catalog entry bound, got %d of %d",
			dispatcher.BoundCount(), registry.Count())
	}
	for _, id := range []string{"openai:gpt-4", "ollama:llama2", "rules:pii-detector"} {
		if _, ok := dispatcher.Adapter(id); !ok {
			t.Errorf("Expected a bound adapter for %s", id)
		}
	}
}

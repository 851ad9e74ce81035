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
	"fmt"
	"os"

	"mpcgate/gateway/audit"
	"mpcgate/gateway/backend"
	"mpcgate/gateway/backend/bedrock"
	"mpcgate/gateway/backend/ollama"
	"mpcgate/gateway/backend/openaicompat"
	"mpcgate/gateway/backend/rules"
	"mpcgate/gateway/config"
	"mpcgate/gateway/pii"
)

// BuildBackends constructs the backend registry and dispatcher from
// configuration. Each configured entry lands in the catalog and gets its
// adapter bound under the same id. With no configured backends the default
// catalog is used: the rule engines run for real and the remote LLM entries
// are bound to deterministic stand-ins so a bare gateway still answers.
func BuildBackends(ctx context.Context, cfg *config.Config, detector *pii.Detector, scanner *pii.InjectionScanner, sink audit.Emitter) (*backend.Registry, *backend.Dispatcher, error) {
	if len(cfg.Backends) == 0 {
		return defaultBackends(detector, scanner, sink)
	}

	registry := backend.NewRegistry()
	dispatcher := backend.NewDispatcher(registry, sink)
	for _, bc := range cfg.Backends {
		if err := registry.Register(bc.Descriptor()); err != nil {
			return nil, nil, err
		}
		adapter, err := buildAdapter(ctx, bc, detector, scanner)
		if err != nil {
			return nil, nil, fmt.Errorf("backend %s: %w", bc.ID, err)
		}
		dispatcher.Bind(bc.ID, adapter)
	}
	return registry, dispatcher, nil
}

// buildAdapter instantiates the adapter an entry names. API keys are read
// from the environment variable the config points at, never from config
// values themselves.
func buildAdapter(ctx context.Context, bc config.BackendConfig, detector *pii.Detector, scanner *pii.InjectionScanner) (backend.Adapter, error) {
	ac := bc.Adapter
	switch ac.Kind {
	case config.AdapterOpenAI:
		apiKey := ""
		if ac.APIKeyEnv != "" {
			apiKey = os.Getenv(ac.APIKeyEnv)
		}
		return openaicompat.New(bc.ID, openaicompat.Config{
			Endpoint:        ac.Endpoint,
			APIKey:          apiKey,
			Model:           ac.Model,
			CostPer1KTokens: bc.CostPer1KTokens,
		})
	case config.AdapterOllama:
		return ollama.New(bc.ID, ollama.Config{
			Endpoint: ac.Endpoint,
			Model:    ac.Model,
		}), nil
	case config.AdapterBedrock:
		return bedrock.New(ctx, bc.ID, bedrock.Config{
			Region:          ac.Region,
			Model:           ac.Model,
			CostPer1KTokens: bc.CostPer1KTokens,
		})
	case config.AdapterPIIScan:
		return rules.NewPIIScan(detector), nil
	case config.AdapterInjectionScan:
		return rules.NewInjectionScan(scanner), nil
	case config.AdapterClassifier:
		return rules.NewClassifier(ac.Rules)
	case config.AdapterMock:
		return backend.NewMockAdapter(bc.ID), nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", ac.Kind)
	}
}

// defaultBackends wires the built-in catalog for configuration-free runs.
// Remote LLM ids answer with canned results; Ollama points at its local
// default endpoint; the rule engines are fully functional.
func defaultBackends(detector *pii.Detector, scanner *pii.InjectionScanner, sink audit.Emitter) (*backend.Registry, *backend.Dispatcher, error) {
	registry := backend.NewDefaultRegistry()
	dispatcher := backend.NewDispatcher(registry, sink)

	for _, id := range []string{"openai:gpt-4", "openai:gpt-3.5-turbo", "anthropic:claude-3-opus"} {
		dispatcher.Bind(id, backend.NewMockAdapter(id))
	}
	dispatcher.Bind("ollama:llama2", ollama.New("ollama:llama2", ollama.Config{}))
	dispatcher.Bind("rules:pii-detector", rules.NewPIIScan(detector))
	dispatcher.Bind("rules:injection-detector", rules.NewInjectionScan(scanner))

	return registry, dispatcher, nil
}

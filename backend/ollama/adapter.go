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

// Package ollama adapts a local Ollama server to the backend Adapter
// interface. Ollama backends are the private-model path: data never
// leaves the deployment and usage costs nothing.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"mpcgate/gateway/backend"
)

const (
	// DefaultEndpoint is where a local Ollama server listens.
	DefaultEndpoint = "http://localhost:11434"

	// DefaultTimeout is the default HTTP timeout. Local models running on
	// modest hardware can be slow; the request context still caps it.
	DefaultTimeout = 120 * time.Second
)

// HTTPClient is the subset of http.Client the adapter needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures one Ollama adapter instance.
type Config struct {
	// Endpoint is the Ollama server base URL (default: http://localhost:11434).
	Endpoint string

	// Model is the default model when the request does not name one.
	Model string

	// Timeout bounds each HTTP call (default: 120s). Ignored when
	// HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the transport.
	HTTPClient HTTPClient
}

// Adapter speaks the Ollama generate protocol for a single backend id.
type Adapter struct {
	backendID string
	endpoint  string
	model     string
	client    HTTPClient
}

// New builds an adapter for backendID. No credentials: Ollama is assumed
// reachable only inside the deployment boundary.
func New(backendID string, cfg Config) *Adapter {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{
		backendID: backendID,
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		client:    client,
	}
}

// Execute implements backend.Adapter.
func (a *Adapter) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	apiReq := generateRequest{
		Model:  model,
		Prompt: req.Prompt,
		System: req.SystemPrompt,
		Stream: false,
	}
	if req.MaxTokens > 0 {
		apiReq.Options.NumPredict = req.MaxTokens
	}
	if req.Temperature > 0 {
		apiReq.Options.Temperature = req.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeInvalidRequest,
			fmt.Sprintf("marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeInvalidRequest,
			fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, backend.TransportError(a.backendID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, backend.StatusError(a.backendID, resp.StatusCode, string(msg))
	}

	var apiResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeBadResponse,
			fmt.Sprintf("decode response: %v", err))
	}

	promptTokens := apiResp.PromptEvalCount
	if promptTokens == 0 {
		promptTokens = len(req.Prompt) / 4
	}
	completionTokens := apiResp.EvalCount
	if completionTokens == 0 {
		completionTokens = len(apiResp.Response) / 4
	}

	// An incomplete generation means the model was cut off; trust it less.
	confidence := 0.9
	if !apiResp.Done {
		confidence = 0.6
	}

	return &backend.Result{
		Output:           apiResp.Response,
		TokensUsed:       promptTokens + completionTokens,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          0,
		Confidence:       confidence,
		Model:            apiResp.Model,
	}, nil
}

// Wire types for the Ollama generate protocol.

type generateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	System  string `json:"system,omitempty"`
	Stream  bool   `json:"stream"`
	Options struct {
		NumPredict  int     `json:"num_predict,omitempty"`
		Temperature float64 `json:"temperature,omitempty"`
	} `json:"options,omitempty"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

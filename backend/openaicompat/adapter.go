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

// Package openaicompat adapts any OpenAI-compatible chat-completions
// endpoint to the backend Adapter interface. OpenAI itself, Azure OpenAI,
// and the many self-hosted shims all speak this protocol.
package openaicompat

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
	// DefaultEndpoint is the hosted OpenAI API base URL.
	DefaultEndpoint = "https://api.openai.com/v1"

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is used when the request does not set a budget.
	DefaultMaxTokens = 1024
)

// HTTPClient is the subset of http.Client the adapter needs (enables
// testing with canned transports).
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures one OpenAI-compatible adapter instance.
type Config struct {
	// Endpoint is the API base URL (default: https://api.openai.com/v1).
	Endpoint string

	// APIKey is required. Sent as a bearer token.
	APIKey string

	// Model is the default model when the request does not name one.
	Model string

	// CostPer1KTokens prices usage for result cost reporting.
	CostPer1KTokens float64

	// Timeout bounds each HTTP call (default: 120s). Ignored when
	// HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the transport.
	HTTPClient HTTPClient
}

// Adapter speaks the chat-completions protocol for a single backend id.
type Adapter struct {
	backendID string
	endpoint  string
	apiKey    string
	model     string
	cost      float64
	client    HTTPClient
}

// New builds an adapter for backendID. The id is only used in errors and
// audit trails; the wire identity comes from cfg.
func New(backendID string, cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openaicompat: api key is required for %s", backendID)
	}
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
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		cost:      cfg.CostPer1KTokens,
		client:    client,
	}, nil
}

// Execute implements backend.Adapter.
func (a *Adapter) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	apiReq := chatRequest{
		Model:     model,
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	apiReq.Messages = append(apiReq.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Temperature > 0 {
		apiReq.Temperature = &req.Temperature
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeInvalidRequest,
			fmt.Sprintf("marshal request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeInvalidRequest,
			fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, backend.TransportError(a.backendID, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, backend.StatusError(a.backendID, resp.StatusCode, apiErrorMessage(resp.Body))
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeBadResponse,
			fmt.Sprintf("decode response: %v", err))
	}
	if len(apiResp.Choices) == 0 {
		return nil, backend.NewAdapterError(a.backendID, backend.ErrCodeBadResponse,
			"response contained no choices")
	}

	choice := apiResp.Choices[0]
	usage := apiResp.Usage

	return &backend.Result{
		Output:           choice.Message.Content,
		TokensUsed:       usage.TotalTokens,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		CostUSD:          float64(usage.TotalTokens) / 1000 * a.cost,
		Confidence:       confidenceFor(choice.FinishReason),
		Model:            apiResp.Model,
	}, nil
}

// confidenceFor scores a completion by how it ended. A clean stop is the
// model's own claim of completeness; a length cutoff is not.
func confidenceFor(finishReason string) float64 {
	switch finishReason {
	case "stop":
		return 0.9
	case "length":
		return 0.7
	default:
		return 0.6
	}
}

// apiErrorMessage extracts the error message from an OpenAI-style error
// envelope, falling back to the raw body.
func apiErrorMessage(r io.Reader) string {
	body, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(body) == 0 {
		return "empty error body"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		if envelope.Error.Type != "" {
			return fmt.Sprintf("%s: %s", envelope.Error.Type, envelope.Error.Message)
		}
		return envelope.Error.Message
	}
	return string(body)
}

// Wire types for the chat-completions protocol.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

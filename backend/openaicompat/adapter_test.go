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

package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mpcgate/gateway/backend"
)

func successResponse(model, content, finishReason string) chatResponse {
	return chatResponse{
		ID:    "chatcmpl-123",
		Model: model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: finishReason,
			},
		},
		Usage: chatUsage{
			PromptTokens:     10,
			CompletionTokens: 8,
			TotalTokens:      18,
		},
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New("openai:gpt-4", Config{})
	if err == nil {
		t.Fatal("Expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "api key") {
		t.Errorf("Expected api key error, got %v", err)
	}
}

func TestNewDefaults(t *testing.T) {
	a, err := New("openai:gpt-4", Config{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if a.endpoint != DefaultEndpoint {
		t.Errorf("Expected default endpoint %s, got %s", DefaultEndpoint, a.endpoint)
	}
}

func TestExecuteSuccess(t *testing.T) {
	var gotReq chatRequest
	var gotAuth, gotContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(successResponse("gpt-4-0613", "Paris.", "stop"))
	}))
	defer server.Close()

	a, err := New("openai:gpt-4", Config{
		Endpoint:        server.URL,
		APIKey:          "sk-test",
		Model:           "gpt-4",
		CostPer1KTokens: 0.03,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	res, err := a.Execute(context.Background(), backend.Request{
		Prompt:      "What is the capital of France?",
		MaxTokens:   100,
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("Expected bearer auth, got %q", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Expected JSON content type, got %q", gotContentType)
	}
	if gotReq.Model != "gpt-4" {
		t.Errorf("Expected model gpt-4 on the wire, got %s", gotReq.Model)
	}
	if gotReq.MaxTokens != 100 {
		t.Errorf("Expected max_tokens 100, got %d", gotReq.MaxTokens)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("Expected single user message, got %+v", gotReq.Messages)
	}
	if gotReq.Temperature == nil || *gotReq.Temperature != 0.2 {
		t.Errorf("Expected temperature 0.2, got %v", gotReq.Temperature)
	}

	if res.Output != "Paris." {
		t.Errorf("Expected output Paris., got %q", res.Output)
	}
	if res.Model != "gpt-4-0613" {
		t.Errorf("Expected response model, got %s", res.Model)
	}
	if res.TokensUsed != 18 || res.PromptTokens != 10 || res.CompletionTokens != 8 {
		t.Errorf("Unexpected usage: %+v", res)
	}
	if res.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9 for stop, got %v", res.Confidence)
	}
	wantCost := 18.0 / 1000 * 0.03
	if math.Abs(res.CostUSD-wantCost) > 1e-9 {
		t.Errorf("Expected cost %v, got %v", wantCost, res.CostUSD)
	}
}

func TestExecuteSystemPrompt(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(successResponse("gpt-4", "ok", "stop"))
	}))
	defer server.Close()

	a, _ := New("openai:gpt-4", Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-4"})
	_, err := a.Execute(context.Background(), backend.Request{
		Prompt:       "hello",
		SystemPrompt: "You are terse.",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if len(gotReq.Messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(gotReq.Messages))
	}
	if gotReq.Messages[0].Role != "system" || gotReq.Messages[0].Content != "You are terse." {
		t.Errorf("Expected system message first, got %+v", gotReq.Messages[0])
	}
	if gotReq.Messages[1].Role != "user" {
		t.Errorf("Expected user message second, got %+v", gotReq.Messages[1])
	}
}

func TestExecuteModelFallsBackToConfig(t *testing.T) {
	var gotReq chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(successResponse("gpt-3.5-turbo", "ok", "stop"))
	}))
	defer server.Close()

	a, _ := New("openai:gpt-3.5-turbo", Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-3.5-turbo"})
	if _, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if gotReq.Model != "gpt-3.5-turbo" {
		t.Errorf("Expected configured model on the wire, got %s", gotReq.Model)
	}
	if gotReq.MaxTokens != DefaultMaxTokens {
		t.Errorf("Expected default max_tokens %d, got %d", DefaultMaxTokens, gotReq.MaxTokens)
	}
}

func TestExecuteFinishReasonConfidence(t *testing.T) {
	tests := []struct {
		finishReason string
		want         float64
	}{
		{"stop", 0.9},
		{"length", 0.7},
		{"content_filter", 0.6},
		{"", 0.6},
	}

	for _, tt := range tests {
		t.Run("finish_reason "+tt.finishReason, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(successResponse("gpt-4", "x", tt.finishReason))
			}))
			defer server.Close()

			a, _ := New("openai:gpt-4", Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-4"})
			res, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if res.Confidence != tt.want {
				t.Errorf("Expected confidence %v, got %v", tt.want, res.Confidence)
			}
		})
	}
}

func TestExecuteAPIErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantCode  string
		retryable bool
		wantMsg   string
	}{
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      `{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`,
			wantCode:  backend.ErrCodeRateLimit,
			retryable: true,
			wantMsg:   "Rate limit reached",
		},
		{
			name:      "bad api key",
			status:    http.StatusUnauthorized,
			body:      `{"error":{"message":"Incorrect API key","type":"invalid_request_error"}}`,
			wantCode:  backend.ErrCodeAuth,
			retryable: false,
			wantMsg:   "Incorrect API key",
		},
		{
			name:      "server error with opaque body",
			status:    http.StatusInternalServerError,
			body:      "upstream exploded",
			wantCode:  backend.ErrCodeServerError,
			retryable: true,
			wantMsg:   "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			a, _ := New("openai:gpt-4", Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-4"})
			_, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"})
			if err == nil {
				t.Fatal("Expected error")
			}

			var ae *backend.AdapterError
			if !errors.As(err, &ae) {
				t.Fatalf("Expected AdapterError, got %T", err)
			}
			if ae.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, ae.Code)
			}
			if ae.Retryable != tt.retryable {
				t.Errorf("Expected retryable %v, got %v", tt.retryable, ae.Retryable)
			}
			if ae.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, ae.StatusCode)
			}
			if !strings.Contains(ae.Message, tt.wantMsg) {
				t.Errorf("Expected message containing %q, got %q", tt.wantMsg, ae.Message)
			}
		})
	}
}

func TestExecuteMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	a, _ := New("openai:gpt-4", Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-4"})
	_, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"})

	var ae *backend.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("Expected AdapterError, got %T", err)
	}
	if ae.Code != backend.ErrCodeBadResponse {
		t.Errorf("Expected code %s, got %s", backend.ErrCodeBadResponse, ae.Code)
	}
}

func TestExecuteNoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{ID: "chatcmpl-1", Model: "gpt-4"})
	}))
	defer server.Close()

	a, _ := New("openai:gpt-4", Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-4"})
	_, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"})

	var ae *backend.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("Expected AdapterError, got %T", err)
	}
	if ae.Code != backend.ErrCodeBadResponse {
		t.Errorf("Expected code %s, got %s", backend.ErrCodeBadResponse, ae.Code)
	}
	if !strings.Contains(ae.Message, "no choices") {
		t.Errorf("Expected no-choices message, got %q", ae.Message)
	}
}

func TestExecuteTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	a, _ := New("openai:gpt-4", Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-4"})
	_, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"})

	var ae *backend.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("Expected AdapterError, got %T", err)
	}
	if ae.Code != backend.ErrCodeUnavailable {
		t.Errorf("Expected code %s, got %s", backend.ErrCodeUnavailable, ae.Code)
	}
	if !ae.Retryable {
		t.Error("Expected transport failures to be retryable")
	}
}

func TestExecuteContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	a, _ := New("openai:gpt-4", Config{Endpoint: server.URL, APIKey: "sk-test", Model: "gpt-4"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Execute(ctx, backend.Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("Expected error for canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
}

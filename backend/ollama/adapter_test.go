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

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"mpcgate/gateway/backend"
)

func TestExecuteSuccess(t *testing.T) {
	var gotReq generateRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("Expected /api/generate, got %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(generateResponse{
			Model:           "llama2",
			Response:        "Here is a summary.",
			Done:            true,
			PromptEvalCount: 12,
			EvalCount:       6,
		})
	}))
	defer server.Close()

	a := New("ollama:llama2", Config{Endpoint: server.URL, Model: "llama2"})
	res, err := a.Execute(context.Background(), backend.Request{
		Prompt:      "summarize this",
		MaxTokens:   128,
		Temperature: 0.3,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if gotReq.Model != "llama2" {
		t.Errorf("Expected model llama2 on the wire, got %s", gotReq.Model)
	}
	if gotReq.Stream {
		t.Error("Expected stream false")
	}
	if gotReq.Options.NumPredict != 128 {
		t.Errorf("Expected num_predict 128, got %d", gotReq.Options.NumPredict)
	}
	if gotReq.Options.Temperature != 0.3 {
		t.Errorf("Expected temperature 0.3, got %v", gotReq.Options.Temperature)
	}

	if res.Output != "Here is a summary." {
		t.Errorf("Expected response output, got %q", res.Output)
	}
	if res.CostUSD != 0 {
		t.Errorf("Expected zero cost for local model, got %v", res.CostUSD)
	}
	if res.Confidence != 0.9 {
		t.Errorf("Expected confidence 0.9 for done generation, got %v", res.Confidence)
	}
	if res.PromptTokens != 12 || res.CompletionTokens != 6 || res.TokensUsed != 18 {
		t.Errorf("Unexpected usage: %+v", res)
	}
}

func TestExecuteIncompleteGeneration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(generateResponse{
			Model:    "llama2",
			Response: "partial",
			Done:     false,
		})
	}))
	defer server.Close()

	a := New("ollama:llama2", Config{Endpoint: server.URL, Model: "llama2"})
	res, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Confidence != 0.6 {
		t.Errorf("Expected confidence 0.6 for incomplete generation, got %v", res.Confidence)
	}
}

func TestExecuteTokenFallbackEstimate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Older servers omit eval counts entirely.
		_ = json.NewEncoder(w).Encode(generateResponse{
			Model:    "llama2",
			Response: "12345678",
			Done:     true,
		})
	}))
	defer server.Close()

	a := New("ollama:llama2", Config{Endpoint: server.URL, Model: "llama2"})
	res, err := a.Execute(context.Background(), backend.Request{Prompt: "abcdefghijkl"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.PromptTokens != 3 {
		t.Errorf("Expected estimated prompt tokens 3, got %d", res.PromptTokens)
	}
	if res.CompletionTokens != 2 {
		t.Errorf("Expected estimated completion tokens 2, got %d", res.CompletionTokens)
	}
}

func TestExecuteServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("model not loaded"))
	}))
	defer server.Close()

	a := New("ollama:llama2", Config{Endpoint: server.URL, Model: "llama2"})
	_, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"})

	var ae *backend.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("Expected AdapterError, got %T", err)
	}
	if ae.Code != backend.ErrCodeServerError {
		t.Errorf("Expected code %s, got %s", backend.ErrCodeServerError, ae.Code)
	}
	if !ae.Retryable {
		t.Error("Expected 5xx to be retryable")
	}
}

func TestExecuteUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	a := New("ollama:llama2", Config{Endpoint: server.URL, Model: "llama2"})
	_, err := a.Execute(context.Background(), backend.Request{Prompt: "hi"})

	var ae *backend.AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("Expected AdapterError, got %T", err)
	}
	if ae.Code != backend.ErrCodeUnavailable {
		t.Errorf("Expected code %s, got %s", backend.ErrCodeUnavailable, ae.Code)
	}
}

func TestNewDefaults(t *testing.T) {
	a := New("ollama:llama2", Config{})
	if a.endpoint != DefaultEndpoint {
		t.Errorf("Expected default endpoint %s, got %s", DefaultEndpoint, a.endpoint)
	}
}

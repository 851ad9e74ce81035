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
	"context"
	"sync/atomic"
	"time"
)

// MockAdapter is an in-process Adapter used by tests and as the fallback
// binding when a backend has no credentials configured. Every field is
// optional; the zero value returns a canned success.
type MockAdapter struct {
	// Name labels results and errors produced by this adapter.
	Name string

	// Reply overrides the default echo output.
	Reply string

	// Confidence is reported on successful results. Zero means 0.95.
	Confidence float64

	// Err, when set, is returned from every Execute call.
	Err error

	// Delay is slept before responding, honoring context cancellation.
	Delay time.Duration

	// ExecuteFunc, when set, replaces the canned behavior entirely.
	ExecuteFunc func(ctx context.Context, req Request) (*Result, error)

	calls int64
}

// NewMockAdapter returns a MockAdapter answering with the default canned
// response at 0.95 confidence.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{Name: name}
}

// Execute implements Adapter.
func (m *MockAdapter) Execute(ctx context.Context, req Request) (*Result, error) {
	atomic.AddInt64(&m.calls, 1)

	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, TransportError(m.Name, ctx.Err())
		}
	}

	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, req)
	}

	if m.Err != nil {
		return nil, m.Err
	}

	output := m.Reply
	if output == "" {
		output = "mock response to: " + req.Prompt
	}

	confidence := m.Confidence
	if confidence == 0 {
		confidence = 0.95
	}

	promptTokens := len(req.Prompt) / 4
	completionTokens := len(output) / 4

	return &Result{
		Output:           output,
		TokensUsed:       promptTokens + completionTokens,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          0,
		Confidence:       confidence,
		Model:            m.Name,
	}, nil
}

// Calls reports how many times Execute ran.
func (m *MockAdapter) Calls() int64 {
	return atomic.LoadInt64(&m.calls)
}

// Reset zeroes the call counter.
func (m *MockAdapter) Reset() {
	atomic.StoreInt64(&m.calls, 0)
}

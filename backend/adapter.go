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
	"errors"
	"fmt"
	"net/http"
)

// Request is the validated work an adapter executes. Fields are extracted
// from the llm.request.v1 payload; Payload carries the full validated map
// for adapters that need more.
type Request struct {
	RequestID    string
	ClientID     string
	Schema       string
	Prompt       string
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	Payload      map[string]interface{}
}

// Result is what an adapter produced. Confidence is the adapter's own
// estimate of result quality; the dispatcher compares it against the
// backend's confidence threshold.
type Result struct {
	Output           string
	TokensUsed       int
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Confidence       float64
	Model            string
}

// Adapter translates a request to one vendor protocol and back. Adapters
// never reason about routing or policy; they only translate. They must
// honor ctx cancellation.
type Adapter interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Adapter error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
	ErrCodeBadResponse    = "bad_response"
	ErrCodeLowConfidence  = "low_confidence"
	ErrCodeUnknownBackend = "unknown_backend"
)

// AdapterError is a typed backend failure. Retryable failures advance the
// cascade; terminal ones stop it.
type AdapterError struct {
	Backend    string `json:"backend"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable"`
	Cause      error  `json:"-"`
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("backend %s [%s] (HTTP %d): %s", e.Backend, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("backend %s [%s]: %s", e.Backend, e.Code, e.Message)
}

func (e *AdapterError) Unwrap() error { return e.Cause }

// NewAdapterError builds an error with retryability derived from the code.
func NewAdapterError(backend, code, message string) *AdapterError {
	return &AdapterError{
		Backend:   backend,
		Code:      code,
		Message:   message,
		Retryable: retryableCode(code),
	}
}

// retryableCode classifies error codes. Rate limits, server errors,
// timeouts, and outages may succeed elsewhere; everything else is a
// problem with the request itself.
func retryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout,
		ErrCodeUnavailable, ErrCodeLowConfidence:
		return true
	}
	return false
}

// CodeForStatus maps an HTTP status to an adapter error code.
func CodeForStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case status == http.StatusRequestTimeout:
		return ErrCodeTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrCodeAuth
	case status == http.StatusNotFound:
		return ErrCodeModelNotFound
	case status >= 500:
		return ErrCodeServerError
	case status >= 400:
		return ErrCodeInvalidRequest
	default:
		return ErrCodeServerError
	}
}

// StatusError builds an AdapterError from an HTTP response status.
func StatusError(backend string, status int, message string) *AdapterError {
	code := CodeForStatus(status)
	return &AdapterError{
		Backend:    backend,
		Code:       code,
		Message:    message,
		StatusCode: status,
		Retryable:  retryableCode(code),
	}
}

// TransportError wraps a connection-level failure. Network problems are
// always retryable on a different backend; timeouts keep their identity so
// the dispatcher can distinguish deadline exhaustion.
func TransportError(backend string, err error) *AdapterError {
	code := ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return &AdapterError{
		Backend:   backend,
		Code:      code,
		Message:   err.Error(),
		Retryable: true,
		Cause:     err,
	}
}

// IsRetryable reports whether err allows advancing the cascade.
func IsRetryable(err error) bool {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

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

package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaError reports an envelope or payload that failed validation. It
// maps onto the schema_validation_failed wire code.
type SchemaError struct {
	Schema string // payload schema name; empty for envelope-level failures
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Schema != "" && e.Field != "":
		return fmt.Sprintf("schema %s: field %q: %s", e.Schema, e.Field, e.Reason)
	case e.Schema != "":
		return fmt.Sprintf("schema %s: %s", e.Schema, e.Reason)
	case e.Field != "":
		return fmt.Sprintf("envelope field %q: %s", e.Field, e.Reason)
	default:
		return fmt.Sprintf("envelope: %s", e.Reason)
	}
}

// SourceInfo identifies the calling application.
type SourceInfo struct {
	ApplicationID string `json:"application_id"`
	Environment   string `json:"environment"`
	Version       string `json:"version,omitempty"`
	Region        string `json:"region,omitempty"`
}

// ProcessingConfig carries the per-request processing knobs.
type ProcessingConfig struct {
	Sensitivity              Sensitivity    `json:"sensitivity"`
	ProcessingHint           ProcessingHint `json:"processing_hint"`
	ReturnRoute              ReturnRoute    `json:"return_route"`
	TimeoutMs                int            `json:"timeout_ms"`
	EnablePIIDetection       bool           `json:"enable_pii_detection"`
	EnableInjectionDetection bool           `json:"enable_injection_detection"`
	MaxRetries               int            `json:"max_retries"`
}

// DefaultProcessingConfig returns the documented defaults applied when an
// envelope omits config fields.
func DefaultProcessingConfig() ProcessingConfig {
	return ProcessingConfig{
		Sensitivity:              SensitivityInternal,
		ProcessingHint:           HintAuto,
		ReturnRoute:              ReturnRouteSync,
		TimeoutMs:                DefaultTimeoutMs,
		EnablePIIDetection:       true,
		EnableInjectionDetection: true,
		MaxRetries:               DefaultMaxRetries,
	}
}

// Timeout returns the configured deadline as a duration.
func (c ProcessingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// AuthInfo is the envelope auth block.
type AuthInfo struct {
	Token     string `json:"token"`
	Signature string `json:"signature,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

// Envelope is the decoded MPC request.
type Envelope struct {
	Version        string                 `json:"mpc_version"`
	RequestID      string                 `json:"request_id"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Source         SourceInfo             `json:"source"`
	Type           RequestType            `json:"type"`
	PayloadSchema  string                 `json:"payload_schema,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Config         ProcessingConfig       `json:"config"`
	Auth           AuthInfo               `json:"auth"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// envelopeKeys are the top-level fields Decode understands. Anything else
// is preserved into the metadata bag rather than rejected, so newer clients
// keep working against older gateways.
var envelopeKeys = map[string]bool{
	"mpc_version":     true,
	"request_id":      true,
	"idempotency_key": true,
	"timestamp":       true,
	"source":          true,
	"type":            true,
	"payload_schema":  true,
	"payload":         true,
	"config":          true,
	"auth":            true,
	"metadata":        true,
}

// processingConfigWire distinguishes absent fields from zero values so the
// documented defaults only apply to fields the client actually omitted.
type processingConfigWire struct {
	Sensitivity              *Sensitivity    `json:"sensitivity"`
	ProcessingHint           *ProcessingHint `json:"processing_hint"`
	ReturnRoute              *ReturnRoute    `json:"return_route"`
	TimeoutMs                *int            `json:"timeout_ms"`
	EnablePIIDetection       *bool           `json:"enable_pii_detection"`
	EnableInjectionDetection *bool           `json:"enable_injection_detection"`
	MaxRetries               *int            `json:"max_retries"`
}

// Decode parses and validates a request envelope. Unknown top-level keys
// land in Metadata; structural problems return a *SchemaError.
func Decode(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &SchemaError{Reason: "request body is not a JSON object"}
	}

	env := &Envelope{Config: DefaultProcessingConfig()}

	if err := decodeField(raw, "mpc_version", &env.Version); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "request_id", &env.RequestID); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "idempotency_key", &env.IdempotencyKey); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "timestamp", &env.Timestamp); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "source", &env.Source); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "type", &env.Type); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "payload_schema", &env.PayloadSchema); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "payload", &env.Payload); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "auth", &env.Auth); err != nil {
		return nil, err
	}
	if err := decodeField(raw, "metadata", &env.Metadata); err != nil {
		return nil, err
	}

	if cfgRaw, ok := raw["config"]; ok {
		var wire processingConfigWire
		if err := json.Unmarshal(cfgRaw, &wire); err != nil {
			return nil, &SchemaError{Field: "config", Reason: "malformed config block"}
		}
		applyConfigWire(&env.Config, wire)
	}

	// Unknown top-level keys ride along in metadata.
	for key, value := range raw {
		if envelopeKeys[key] {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(value, &v); err != nil {
			continue
		}
		if env.Metadata == nil {
			env.Metadata = make(map[string]interface{})
		}
		env.Metadata[key] = v
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func decodeField(raw map[string]json.RawMessage, key string, dst interface{}) error {
	value, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return &SchemaError{Field: key, Reason: "malformed value"}
	}
	return nil
}

func applyConfigWire(cfg *ProcessingConfig, wire processingConfigWire) {
	if wire.Sensitivity != nil {
		cfg.Sensitivity = *wire.Sensitivity
	}
	if wire.ProcessingHint != nil {
		cfg.ProcessingHint = *wire.ProcessingHint
	}
	if wire.ReturnRoute != nil {
		cfg.ReturnRoute = *wire.ReturnRoute
	}
	if wire.TimeoutMs != nil {
		cfg.TimeoutMs = *wire.TimeoutMs
	}
	if wire.EnablePIIDetection != nil {
		cfg.EnablePIIDetection = *wire.EnablePIIDetection
	}
	if wire.EnableInjectionDetection != nil {
		cfg.EnableInjectionDetection = *wire.EnableInjectionDetection
	}
	if wire.MaxRetries != nil {
		cfg.MaxRetries = *wire.MaxRetries
	}
}

func (e *Envelope) validate() error {
	if e.Version == "" {
		return &SchemaError{Field: "mpc_version", Reason: "required"}
	}
	if e.RequestID == "" {
		return &SchemaError{Field: "request_id", Reason: "required"}
	}
	if _, err := uuid.Parse(e.RequestID); err != nil {
		return &SchemaError{Field: "request_id", Reason: "must be a UUID"}
	}
	if e.Type == "" {
		e.Type = RequestTypeProcess
	}
	if !e.Type.Valid() {
		return &SchemaError{Field: "type", Reason: fmt.Sprintf("unknown request type %q", e.Type)}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if !e.Config.Sensitivity.Valid() {
		return &SchemaError{Field: "config.sensitivity", Reason: fmt.Sprintf("unknown sensitivity %q", e.Config.Sensitivity)}
	}
	if !e.Config.ProcessingHint.Valid() {
		return &SchemaError{Field: "config.processing_hint", Reason: fmt.Sprintf("unknown processing hint %q", e.Config.ProcessingHint)}
	}
	if !e.Config.ReturnRoute.Valid() {
		return &SchemaError{Field: "config.return_route", Reason: fmt.Sprintf("unknown return route %q", e.Config.ReturnRoute)}
	}
	if e.Config.TimeoutMs <= 0 {
		return &SchemaError{Field: "config.timeout_ms", Reason: "must be positive"}
	}
	if e.Config.MaxRetries < 0 {
		return &SchemaError{Field: "config.max_retries", Reason: "must be >= 0"}
	}

	switch e.Type {
	case RequestTypeProcess, RequestTypeBatch:
		if e.PayloadSchema == "" {
			return &SchemaError{Field: "payload_schema", Reason: "required"}
		}
		if e.Payload == nil {
			return &SchemaError{Field: "payload", Reason: "required"}
		}
		if e.Auth.Token == "" {
			return &SchemaError{Field: "auth.token", Reason: "required"}
		}
	case RequestTypeQuery:
		if e.Auth.Token == "" {
			return &SchemaError{Field: "auth.token", Reason: "required"}
		}
	}
	return nil
}

// Encode serializes an envelope back to wire JSON.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// CanonicalPayload renders a payload in the canonical form used for
// signature computation: JSON with object keys in sorted order and no
// insignificant whitespace. encoding/json sorts map keys, so marshaling
// the decoded payload map is sufficient.
func CanonicalPayload(payload map[string]interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return data, nil
}

// ErrorInfo describes a failed request.
type ErrorInfo struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ProcessingInfo describes how a successful request was served.
type ProcessingInfo struct {
	Backend      string  `json:"backend"`
	LatencyMs    float64 `json:"latency_ms"`
	CostUSD      float64 `json:"cost_usd"`
	Confidence   float64 `json:"confidence"`
	FallbackUsed bool    `json:"fallback_used"`
}

// Response is the MPC response envelope.
type Response struct {
	Version       string                 `json:"mpc_version"`
	RequestID     string                 `json:"request_id"`
	ResponseID    string                 `json:"response_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Status        ResponseStatus         `json:"status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         *ErrorInfo             `json:"error,omitempty"`
	Processing    *ProcessingInfo        `json:"processing,omitempty"`
	SecurityFlags map[string]interface{} `json:"security_flags"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NewResponse builds an ok response shell for the given request.
func NewResponse(requestID string) *Response {
	return &Response{
		Version:       ProtocolVersion,
		RequestID:     requestID,
		ResponseID:    uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Status:        StatusOK,
		SecurityFlags: make(map[string]interface{}),
	}
}

// NewErrorResponse builds an error response with the given code and message.
func NewErrorResponse(requestID string, code ErrorCode, message string) *Response {
	resp := NewResponse(requestID)
	resp.Status = StatusError
	resp.Error = &ErrorInfo{Code: code, Message: message}
	return resp
}

// EncodeResponse serializes a response envelope to wire JSON.
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse parses a response envelope, used by clients and tests.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &SchemaError{Reason: "response body is not a JSON object"}
	}
	return &resp, nil
}

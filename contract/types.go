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

// ProtocolVersion is the MPC wire protocol version this gateway speaks.
const ProtocolVersion = "1.0"

// Sensitivity is the declared data classification of a request. It
// constrains which backends may serve the request and which principals may
// submit it.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "public"
	SensitivityInternal     Sensitivity = "internal"
	SensitivitySensitive    Sensitivity = "sensitive"
	SensitivityPII          Sensitivity = "pii"
	SensitivityConfidential Sensitivity = "confidential"
)

// AllSensitivities lists every sensitivity level, lowest classification
// first. Policy tables and registry validation iterate this set.
var AllSensitivities = []Sensitivity{
	SensitivityPublic,
	SensitivityInternal,
	SensitivitySensitive,
	SensitivityPII,
	SensitivityConfidential,
}

// Valid reports whether s is a known sensitivity level.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityPublic, SensitivityInternal, SensitivitySensitive,
		SensitivityPII, SensitivityConfidential:
		return true
	}
	return false
}

// RequiresPIIClearance reports whether requests at this level need the
// pii-access permission regardless of role.
func (s Sensitivity) RequiresPIIClearance() bool {
	switch s {
	case SensitivitySensitive, SensitivityPII, SensitivityConfidential:
		return true
	}
	return false
}

// ProcessingHint is a client-supplied preference narrowing which backend
// types are eligible to serve the request.
type ProcessingHint string

const (
	HintAuto         ProcessingHint = "auto"
	HintModelSmall   ProcessingHint = "model_small"
	HintModelLarge   ProcessingHint = "model_large"
	HintModelPrivate ProcessingHint = "model_private"
	HintRuleEngine   ProcessingHint = "rule_engine"
	HintHybrid       ProcessingHint = "hybrid"
)

// AllProcessingHints lists every processing hint.
var AllProcessingHints = []ProcessingHint{
	HintAuto,
	HintModelSmall,
	HintModelLarge,
	HintModelPrivate,
	HintRuleEngine,
	HintHybrid,
}

// Valid reports whether h is a known processing hint.
func (h ProcessingHint) Valid() bool {
	switch h {
	case HintAuto, HintModelSmall, HintModelLarge, HintModelPrivate,
		HintRuleEngine, HintHybrid:
		return true
	}
	return false
}

// ReturnRoute selects how the response travels back to the caller. The
// gateway serves sync inline; the async routes are dispatcher extensions.
type ReturnRoute string

const (
	ReturnRouteSync         ReturnRoute = "sync"
	ReturnRouteAsyncWebhook ReturnRoute = "async_webhook"
	ReturnRouteAsyncQueue   ReturnRoute = "async_queue"
)

// Valid reports whether r is a known return route.
func (r ReturnRoute) Valid() bool {
	switch r {
	case ReturnRouteSync, ReturnRouteAsyncWebhook, ReturnRouteAsyncQueue:
		return true
	}
	return false
}

// RequestType is the request kind carried in the envelope.
type RequestType string

const (
	RequestTypeProcess RequestType = "process_request"
	RequestTypeQuery   RequestType = "query_request"
	RequestTypeHealth  RequestType = "health_check"
	RequestTypeBatch   RequestType = "batch_request"
)

// Valid reports whether t is a known request type.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeProcess, RequestTypeQuery, RequestTypeHealth, RequestTypeBatch:
		return true
	}
	return false
}

// ResponseStatus is the top-level outcome of a request.
type ResponseStatus string

const (
	StatusOK         ResponseStatus = "ok"
	StatusError      ResponseStatus = "error"
	StatusQueued     ResponseStatus = "queued"
	StatusProcessing ResponseStatus = "processing"
)

// ErrorCode identifies why a request failed. The set is closed: adding a
// code is a wire-contract change.
type ErrorCode string

const (
	ErrCodeSchemaValidation      ErrorCode = "schema_validation_failed"
	ErrCodeAuthentication        ErrorCode = "authentication_failed"
	ErrCodeSignatureVerification ErrorCode = "signature_verification_failed"
	ErrCodeAuthorization         ErrorCode = "authorization_failed"
	ErrCodePIIRoutingBlocked     ErrorCode = "pii_routing_blocked"
	ErrCodeRoutingFailed         ErrorCode = "routing_failed"
	ErrCodeBackendFailed         ErrorCode = "backend_failed"
	ErrCodeTimeout               ErrorCode = "timeout"
	ErrCodeResourceExhausted     ErrorCode = "resource_exhausted"
	ErrCodeInternal              ErrorCode = "internal_error"
)

// Default processing-config values applied when the envelope omits them.
const (
	DefaultTimeoutMs  = 30000
	DefaultMaxRetries = 0
)

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

package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"mpcgate/gateway/contract"
)

// EventType classifies an audit event. The set is closed; investigation
// tooling switches on these values.
type EventType string

const (
	EventRequestReceived     EventType = "request_received"
	EventRequestAuthorized   EventType = "request_authorized"
	EventRequestDenied       EventType = "request_denied"
	EventProcessingStarted   EventType = "processing_started"
	EventProcessingCompleted EventType = "processing_completed"
	EventProcessingFailed    EventType = "processing_failed"
	EventPIIDetected         EventType = "pii_detected"
	EventInjectionDetected   EventType = "injection_detected"
	EventAnomalyDetected     EventType = "anomaly_detected"
	EventSecurityViolation   EventType = "security_violation"
	EventDataAccess          EventType = "data_access"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventRequestReceived, EventRequestAuthorized, EventRequestDenied,
		EventProcessingStarted, EventProcessingCompleted, EventProcessingFailed,
		EventPIIDetected, EventInjectionDetected, EventAnomalyDetected,
		EventSecurityViolation, EventDataAccess:
		return true
	}
	return false
}

// Outcome is the result recorded on an event.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Event is one audit record. Events are immutable once emitted; one event
// becomes one line of JSON in the log.
type Event struct {
	EventID          string                 `json:"event_id"`
	Timestamp        time.Time              `json:"timestamp"`
	EventType        EventType              `json:"event_type"`
	Actor            string                 `json:"actor"`
	Action           string                 `json:"action"`
	Resource         string                 `json:"resource"`
	Outcome          Outcome                `json:"outcome"`
	SensitivityLevel contract.Sensitivity   `json:"sensitivity_level,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
}

// NewEvent builds an event with a fresh id and the current UTC time. The
// actor is hashed when it looks like PII.
func NewEvent(eventType EventType, actor, action, resource string, outcome Outcome) Event {
	return Event{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Actor:     HashActor(actor),
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
	}
}

// WithContext attaches a context map and returns the event for chaining.
func (e Event) WithContext(ctx map[string]interface{}) Event {
	e.Context = ctx
	return e
}

// WithSensitivity records the data classification the event concerns.
func (e Event) WithSensitivity(s contract.Sensitivity) Event {
	e.SensitivityLevel = s
	return e
}

// HashActor replaces actor values that may themselves be PII with a short
// stable hash. The heuristic is deliberately conservative: anything with an
// '@' or a decimal digit is hashed. Plain service names pass through so the
// log stays greppable.
func HashActor(actor string) string {
	if actor == "" {
		return "unknown"
	}
	if !strings.ContainsRune(actor, '@') && !strings.ContainsAny(actor, "0123456789") {
		return actor
	}
	sum := sha256.Sum256([]byte(actor))
	return hex.EncodeToString(sum[:])[:16]
}

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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Filter narrows an audit query. Zero fields match everything.
type Filter struct {
	Type    EventType
	Actor   string
	Outcome Outcome
	From    time.Time
	To      time.Time
	Limit   int
}

// Matches reports whether e passes the filter. Actor filters accept both
// the raw value and its hashed form, so callers can query by client id
// without knowing whether the sink hashed it.
func (f Filter) Matches(e Event) bool {
	if f.Type != "" && e.EventType != f.Type {
		return false
	}
	if f.Actor != "" && e.Actor != f.Actor && e.Actor != HashActor(f.Actor) {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// maxLineBytes bounds a single audit line during scans. Context maps are
// small; anything past this is a corrupt line.
const maxLineBytes = 1 << 20

// Query scans a JSONL event stream and returns events matching the filter
// in log order. Lines that do not parse are skipped: a log truncated by
// rotation must not make the rest unreadable.
func Query(r io.Reader, f Filter) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []Event
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("failed to scan audit log: %w", err)
	}
	return out, nil
}

// QueryFile runs Query over the log file at path.
func QueryFile(path string, f Filter) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()
	return Query(file, f)
}

// SecurityViolations returns security_violation events since the given time.
func SecurityViolations(path string, since time.Time) ([]Event, error) {
	return QueryFile(path, Filter{Type: EventSecurityViolation, From: since})
}

// PIIDetections returns pii_detected events since the given time.
func PIIDetections(path string, since time.Time) ([]Event, error) {
	return QueryFile(path, Filter{Type: EventPIIDetected, From: since})
}

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

// Package rules provides deterministic adapters: PII scanning, injection
// scanning, and keyword classification. They never leave the process, so
// the router can offer them at every sensitivity level, cost nothing, and
// answer in microseconds.
package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"mpcgate/gateway/backend"
	"mpcgate/gateway/pii"
)

// PIIScan reports the PII content of a prompt as a JSON summary. It is
// the adapter behind regex_engine security_scan backends.
type PIIScan struct {
	detector *pii.Detector
}

// NewPIIScan wraps an existing detector. Sharing the gateway's detector
// keeps pattern behavior identical between admission checks and scans
// requested explicitly.
func NewPIIScan(detector *pii.Detector) *PIIScan {
	return &PIIScan{detector: detector}
}

// piiScanReport is the wire shape of a PII scan result.
type piiScanReport struct {
	HasPII     bool     `json:"has_pii"`
	Sensitive  bool     `json:"sensitive"`
	Types      []string `json:"types,omitempty"`
	MatchCount int      `json:"match_count"`
}

// Execute implements backend.Adapter. Deterministic scans always report
// full confidence; there is no model uncertainty to discount.
func (s *PIIScan) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	detection := s.detector.Detect(req.Prompt)
	report, err := json.Marshal(piiScanReport{
		HasPII:     detection.HasPII,
		Sensitive:  detection.HasSensitiveTypes(),
		Types:      detection.TypeStrings(),
		MatchCount: len(detection.Matches),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal pii scan report: %w", err)
	}
	return &backend.Result{
		Output:     string(report),
		Confidence: 1.0,
		Model:      "pii-scan",
	}, nil
}

// InjectionScan reports whether a prompt matches the injection corpus.
type InjectionScan struct {
	scanner *pii.InjectionScanner
}

// NewInjectionScan wraps an existing scanner.
func NewInjectionScan(scanner *pii.InjectionScanner) *InjectionScan {
	return &InjectionScan{scanner: scanner}
}

type injectionReport struct {
	InjectionDetected bool `json:"injection_detected"`
	PatternsChecked   int  `json:"patterns_checked"`
}

// Execute implements backend.Adapter.
func (s *InjectionScan) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	report, err := json.Marshal(injectionReport{
		InjectionDetected: s.scanner.Scan(req.Prompt),
		PatternsChecked:   s.scanner.PatternCount(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal injection report: %w", err)
	}
	return &backend.Result{
		Output:     string(report),
		Confidence: 1.0,
		Model:      "injection-scan",
	}, nil
}

// Classifier assigns a label from a fixed rule table by case-insensitive
// keyword matching. The label with the most keyword hits wins; ties break
// lexicographically so results are stable.
//
// An unmatched prompt reports the label "unknown" with zero confidence,
// which falls below any catalog threshold and lets the dispatcher cascade
// to a model-backed classifier.
type Classifier struct {
	labels   []string
	keywords map[string][]string
}

// NewClassifier builds a classifier from a label -> keywords table.
func NewClassifier(rules map[string][]string) (*Classifier, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("rules: classifier requires at least one label")
	}
	c := &Classifier{keywords: make(map[string][]string, len(rules))}
	for label, words := range rules {
		if label == "" {
			return nil, fmt.Errorf("rules: classifier label must not be empty")
		}
		if len(words) == 0 {
			return nil, fmt.Errorf("rules: classifier label %q has no keywords", label)
		}
		lowered := make([]string, len(words))
		for i, w := range words {
			lowered[i] = strings.ToLower(w)
		}
		c.labels = append(c.labels, label)
		c.keywords[label] = lowered
	}
	sort.Strings(c.labels)
	return c, nil
}

type classificationReport struct {
	Label   string   `json:"label"`
	Matched []string `json:"matched,omitempty"`
}

// Execute implements backend.Adapter.
func (c *Classifier) Execute(ctx context.Context, req backend.Request) (*backend.Result, error) {
	prompt := strings.ToLower(req.Prompt)

	best := ""
	var bestMatched []string
	for _, label := range c.labels {
		var matched []string
		for _, kw := range c.keywords[label] {
			if strings.Contains(prompt, kw) {
				matched = append(matched, kw)
			}
		}
		if len(matched) > len(bestMatched) {
			best, bestMatched = label, matched
		}
	}

	confidence := 1.0
	if best == "" {
		best, confidence = "unknown", 0.0
	}

	report, err := json.Marshal(classificationReport{Label: best, Matched: bestMatched})
	if err != nil {
		return nil, fmt.Errorf("marshal classification report: %w", err)
	}
	return &backend.Result{
		Output:     string(report),
		Confidence: confidence,
		Model:      "keyword-classifier",
	}, nil
}

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

package pii

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Type identifies a category of personally identifiable information.
type Type string

const (
	TypeEmail      Type = "email"
	TypePhone      Type = "phone"
	TypeSSN        Type = "ssn"
	TypeCreditCard Type = "credit_card"
	TypeIPAddress  Type = "ip_address"
	TypePassport   Type = "passport"
	TypeIBAN       Type = "iban"
	// Name and address have no reliable lexical pattern; the constants
	// exist so external classifiers can report them through the same
	// result type.
	TypeName    Type = "name"
	TypeAddress Type = "address"
)

// sensitiveTypes are the PII categories that demand the strictest
// routing: identity and payment credentials.
var sensitiveTypes = map[Type]bool{
	TypeSSN:        true,
	TypeCreditCard: true,
	TypePassport:   true,
}

// Match is a single detected PII span. Start and End are byte offsets
// into the scanned text, half-open.
type Match struct {
	Type       Type    `json:"type"`
	Value      string  `json:"value"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// DetectionResult is the outcome of one scan. Matches are sorted by
// Start and never overlap. Types holds the distinct matched types in
// first-appearance order.
type DetectionResult struct {
	HasPII  bool    `json:"has_pii"`
	Matches []Match `json:"matches,omitempty"`
	Types   []Type  `json:"types,omitempty"`
}

// HasSensitiveTypes reports whether any match is an SSN, credit card,
// or passport number.
func (r DetectionResult) HasSensitiveTypes() bool {
	for _, m := range r.Matches {
		if sensitiveTypes[m.Type] {
			return true
		}
	}
	return false
}

// TypeStrings returns the matched types as plain strings for response
// flags and audit context.
func (r DetectionResult) TypeStrings() []string {
	out := make([]string, len(r.Types))
	for i, t := range r.Types {
		out[i] = string(t)
	}
	return out
}

// piiPattern pairs a compiled pattern with its type, base confidence,
// and optional post-match validator. A validator may override the
// confidence of matches it accepts.
type piiPattern struct {
	typ        Type
	re         *regexp.Regexp
	confidence float64
	validate   func(match string) (bool, float64)
}

// Detector scans text for PII using compiled patterns. It is immutable
// after construction and safe for concurrent use.
type Detector struct {
	patterns []piiPattern
}

// NewDetector builds a detector with the built-in pattern set.
func NewDetector() *Detector {
	return &Detector{patterns: []piiPattern{
		{
			typ:        TypeEmail,
			re:         regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			confidence: 0.9,
		},
		{
			typ:        TypePhone,
			re:         regexp.MustCompile(`(?i)\b(?:\+?1[-.]?)?\(?\d{3}\)?[-.]?\d{3}[-.]?\d{4}\b`),
			confidence: 0.7,
		},
		{
			typ:        TypeSSN,
			re:         regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`),
			confidence: 0.85,
			validate:   validateSSN,
		},
		{
			typ:        TypeCreditCard,
			re:         regexp.MustCompile(`\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`),
			confidence: 0.85,
			validate:   validateCreditCard,
		},
		{
			typ:        TypeIPAddress,
			re:         regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
			confidence: 0.8,
			validate:   validateIPAddress,
		},
		{
			typ:        TypePassport,
			re:         regexp.MustCompile(`\b[A-Z]{1,2}\d{6,9}\b`),
			confidence: 0.5,
		},
		{
			typ:        TypeIBAN,
			re:         regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{10,30}\b`),
			confidence: 0.9,
			validate:   validateIBAN,
		},
	}}
}

// Detect scans text and returns every validated, non-overlapping match.
// Scanning is deterministic: the same text always yields the same result.
func (d *Detector) Detect(text string) DetectionResult {
	var matches []Match

	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			value := text[loc[0]:loc[1]]
			confidence := p.confidence
			if p.validate != nil {
				ok, c := p.validate(value)
				if !ok {
					continue
				}
				confidence = c
			}
			matches = append(matches, Match{
				Type:       p.typ,
				Value:      value,
				Start:      loc[0],
				End:        loc[1],
				Confidence: confidence,
			})
		}
	}

	matches = resolveOverlaps(matches)

	var types []Type
	seen := make(map[Type]bool)
	for _, m := range matches {
		if !seen[m.Type] {
			seen[m.Type] = true
			types = append(types, m.Type)
		}
	}

	return DetectionResult{
		HasPII:  len(matches) > 0,
		Matches: matches,
		Types:   types,
	}
}

// HasPII is a shortcut for callers that only need the boolean.
func (d *Detector) HasPII(text string) bool {
	return d.Detect(text).HasPII
}

// resolveOverlaps drops matches that overlap a preferred match. The
// preference order is: longer span, then higher confidence, then
// earlier position. The survivors come back sorted by Start.
func resolveOverlaps(matches []Match) []Match {
	if len(matches) < 2 {
		return matches
	}

	ranked := make([]Match, len(matches))
	copy(ranked, matches)
	sort.SliceStable(ranked, func(i, j int) bool {
		li, lj := ranked[i].End-ranked[i].Start, ranked[j].End-ranked[j].Start
		if li != lj {
			return li > lj
		}
		if ranked[i].Confidence != ranked[j].Confidence {
			return ranked[i].Confidence > ranked[j].Confidence
		}
		return ranked[i].Start < ranked[j].Start
	})

	kept := make([]Match, 0, len(ranked))
	for _, m := range ranked {
		conflict := false
		for _, k := range kept {
			if m.Start < k.End && k.Start < m.End {
				conflict = true
				break
			}
		}
		if !conflict {
			kept = append(kept, m)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}

// =============================================================================
// Validators - each returns (isValid, confidence)
// =============================================================================

// validateSSN rejects SSNs with an all-zero area, group, or serial.
func validateSSN(match string) (bool, float64) {
	clean := digitsOf(match)
	if len(clean) != 9 {
		return false, 0
	}

	area, _ := strconv.Atoi(clean[0:3])
	group, _ := strconv.Atoi(clean[3:5])
	serial, _ := strconv.Atoi(clean[5:9])

	if area == 0 || group == 0 || serial == 0 {
		return false, 0
	}
	return true, 0.85
}

// validateCreditCard requires 13-19 digits passing the Luhn checksum.
func validateCreditCard(match string) (bool, float64) {
	clean := digitsOf(match)
	if len(clean) < 13 || len(clean) > 19 {
		return false, 0
	}
	if !luhnCheck(clean) {
		return false, 0
	}
	return true, 0.85
}

// validateIPAddress requires four dot-separated decimal octets in [0,255].
func validateIPAddress(match string) (bool, float64) {
	parts := strings.Split(match, ".")
	if len(parts) != 4 {
		return false, 0
	}
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false, 0
		}
	}
	return true, 0.8
}

// validateIBAN checks the ISO 13616 MOD-97 checksum: after moving the
// country and check digits to the end and mapping letters to 10-35, the
// number must be congruent to 1 modulo 97.
func validateIBAN(match string) (bool, float64) {
	if len(match) < 15 || len(match) > 34 {
		return false, 0
	}
	rearranged := match[4:] + match[:4]
	rem := 0
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			rem = (rem*100 + int(r-'A') + 10) % 97
		default:
			return false, 0
		}
	}
	if rem != 1 {
		return false, 0
	}
	return true, 0.9
}

// luhnCheck performs the Luhn algorithm over a digit string.
func luhnCheck(number string) bool {
	sum := 0
	alternate := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if alternate {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		alternate = !alternate
	}

	return sum%10 == 0
}

// digitsOf strips everything but decimal digits.
func digitsOf(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}

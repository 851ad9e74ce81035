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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Strategy selects how detected PII spans are rewritten.
type Strategy string

const (
	// StrategyRedact replaces each span with [REDACTED:TYPE].
	StrategyRedact Strategy = "redact"
	// StrategyMask replaces each span with asterisks.
	StrategyMask Strategy = "mask"
	// StrategyHash replaces each span with [TYPE:<sha256 prefix>].
	StrategyHash Strategy = "hash"
	// StrategyTokenize replaces each span with a reversible random token.
	StrategyTokenize Strategy = "tokenize"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRedact, StrategyMask, StrategyHash, StrategyTokenize:
		return true
	}
	return false
}

// RedactionResult is the outcome of one redaction pass. Tokens is set
// only for the tokenize strategy and maps original values to their
// tokens; it is scoped to this scan.
type RedactionResult struct {
	Text      string
	Detection DetectionResult
	Tokens    map[string]string
}

// Redactor rewrites PII spans found by a detector. It holds no per-scan
// state and is safe for concurrent use.
type Redactor struct {
	detector *Detector
}

// NewRedactor builds a redactor over the given detector.
func NewRedactor(detector *Detector) *Redactor {
	return &Redactor{detector: detector}
}

// Redact detects PII in text and rewrites each span per the strategy.
// Spans are rewritten in reverse position order so earlier offsets stay
// valid. Equal values receive equal replacements within one call.
func (r *Redactor) Redact(text string, strategy Strategy) (RedactionResult, error) {
	if !strategy.Valid() {
		return RedactionResult{}, fmt.Errorf("unknown redaction strategy %q", strategy)
	}

	detection := r.detector.Detect(text)
	result := RedactionResult{Text: text, Detection: detection}
	if !detection.HasPII {
		return result, nil
	}

	var tokens map[string]string
	if strategy == StrategyTokenize {
		tokens = make(map[string]string)
	}

	out := text
	for i := len(detection.Matches) - 1; i >= 0; i-- {
		m := detection.Matches[i]
		replacement, err := replacementFor(m, strategy, tokens)
		if err != nil {
			return RedactionResult{}, err
		}
		out = out[:m.Start] + replacement + out[m.End:]
	}

	result.Text = out
	result.Tokens = tokens
	return result, nil
}

// Detokenize restores tokenized values. It is a true inverse of the
// tokenize strategy for the map produced by the same scan.
func Detokenize(text string, tokens map[string]string) string {
	out := text
	for original, token := range tokens {
		out = strings.ReplaceAll(out, token, original)
	}
	return out
}

func replacementFor(m Match, strategy Strategy, tokens map[string]string) (string, error) {
	switch strategy {
	case StrategyRedact:
		return "[REDACTED:" + strings.ToUpper(string(m.Type)) + "]", nil

	case StrategyMask:
		return "****", nil

	case StrategyHash:
		sum := sha256.Sum256([]byte(m.Value))
		return "[" + strings.ToUpper(string(m.Type)) + ":" + hex.EncodeToString(sum[:])[:8] + "]", nil

	case StrategyTokenize:
		if token, ok := tokens[m.Value]; ok {
			return token, nil
		}
		token, err := newToken()
		if err != nil {
			return "", err
		}
		tokens[m.Value] = token
		return token, nil
	}
	return "", fmt.Errorf("unknown redaction strategy %q", strategy)
}

// newToken returns an unguessable token. The TOKEN_ prefix plus 16 hex
// characters keeps tokens out of the namespace of anything the detector
// matches.
func newToken() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return "TOKEN_" + hex.EncodeToString(buf[:]), nil
}

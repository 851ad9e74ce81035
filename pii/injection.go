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
	"fmt"
	"regexp"
	"sync"
)

// defaultInjectionPatterns is the built-in corpus. The escaped \n
// entries catch turn markers smuggled as literal two-character escape
// sequences, not real newlines.
var defaultInjectionPatterns = []string{
	`ignore\s+previous\s+instructions`,
	`disregard\s+all\s+prior`,
	`new\s+instructions:`,
	`system\s*:\s*you\s+are`,
	`</prompt>.*<prompt>`,
	`\\n\\nHuman:`,
	`\\n\\nAssistant:`,
}

// InjectionScanner flags prompts that contain known prompt-injection
// patterns. Matching is case-insensitive. The corpus can be extended at
// runtime; callers never see the patterns themselves.
type InjectionScanner struct {
	mu       sync.RWMutex
	patterns []*regexp.Regexp
}

// NewInjectionScanner builds a scanner with the built-in corpus.
func NewInjectionScanner() *InjectionScanner {
	s := &InjectionScanner{}
	for _, expr := range defaultInjectionPatterns {
		s.patterns = append(s.patterns, regexp.MustCompile(`(?i)`+expr))
	}
	return s
}

// AddPattern compiles expr case-insensitively and appends it to the
// corpus. Used to load extra patterns from configuration.
func (s *InjectionScanner) AddPattern(expr string) error {
	re, err := regexp.Compile(`(?i)` + expr)
	if err != nil {
		return fmt.Errorf("invalid injection pattern %q: %w", expr, err)
	}
	s.mu.Lock()
	s.patterns = append(s.patterns, re)
	s.mu.Unlock()
	return nil
}

// Scan reports whether text matches any corpus pattern.
func (s *InjectionScanner) Scan(text string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, re := range s.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// PatternCount returns the corpus size, for startup logging.
func (s *InjectionScanner) PatternCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.patterns)
}

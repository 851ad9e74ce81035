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

/*
Package pii detects, redacts, and tokenizes personally identifiable
information, and scans prompts for injection patterns.

# Detection

Detector runs a fixed set of compiled regular expressions, one per PII
type, with post-match validators for the types that have checkable
structure (credit card Luhn, IPv4 octet ranges, SSN zero groups).
Overlapping matches are resolved deterministically: longer span wins,
then higher confidence, then earlier position.

# Redaction

Redactor rewrites detected spans in reverse position order so earlier
offsets stay valid during the rewrite. The tokenize strategy produces a
per-scan map of original values to unguessable random tokens; Detokenize
inverts it. The map is scoped to one scan and is never persisted.

# Injection

InjectionScanner is a companion boolean check over the same text using a
small case-insensitive pattern corpus. The corpus can be extended at
runtime from configuration.
*/
package pii

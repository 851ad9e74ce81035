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
Package audit records security-relevant gateway activity as an append-only
stream of JSON events.

The default sink writes one canonical JSON line per event to a log file. A
single writer goroutine serializes appends so records never interleave;
producers enqueue through a bounded channel and drop (with a counter) when
the sink cannot keep up within a small budget. Actor values that look like
PII are hashed before they reach the log.

Query helpers scan the JSONL log with simple filters. An optional Postgres
store mirrors events into a table for deployments that need SQL over their
audit trail.
*/
package audit

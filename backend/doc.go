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
Package backend models the processing backends a request can be routed to
and implements selection and dispatch over them.

A Descriptor declares what a backend can do (capabilities, allowed
sensitivity levels, PII clearance) and what it costs (per-1k-token rate,
typical latency). Descriptors live in a Registry; the Router consumes
immutable snapshots of it so a routing decision never observes a half-done
registry update.

Routing runs in three stages: filter to the candidates that can legally
serve the request, solve cost/latency constraints for the cheapest primary,
then build a fallback cascade of strictly more expensive candidates. The
Dispatcher walks that chain through Adapter implementations until one
returns a result above the backend's confidence threshold.

Vendor-specific translation lives in the subpackages (openaicompat, ollama,
bedrock, rules); this package never sees a vendor wire format.
*/
package backend

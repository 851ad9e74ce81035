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
Package policy implements attribute-based authorization for the gateway.

The engine is a pure function over three role-keyed tables: allowed
sensitivity levels, allowed processing hints, and a per-request cost
ceiling. Checks run in a fixed order (sensitivity, PII clearance, hint,
cost) and the first failing check produces the denial reason. The engine
performs no I/O; callers audit the decision themselves.
*/
package policy

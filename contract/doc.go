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
Package contract implements the MPC wire protocol: the request envelope,
the response envelope, and the named payload schemas that ride inside them.

# Overview

Every request to the gateway arrives as a JSON envelope carrying a protocol
version, a request identifier, a source descriptor, a processing
configuration, an auth block, and an opaque payload validated against a
named schema (for example "llm.request.v1"). The package owns:

  - Decode/Encode for the envelope and response types
  - the SchemaRegistry mapping payload-schema names to field descriptors
  - the enum families shared across the gateway (sensitivity, processing
    hint, return route, request type, response status, error codes)

Each enum family is declared exactly once here; other packages import the
declarations rather than redefining string sets.

# Envelope Handling

Unknown top-level envelope fields are preserved into the metadata bag so
older gateways tolerate newer clients. Unknown fields inside a payload are
rejected: payload schemas are closed. Absent optional fields take their
documented defaults (sensitivity "internal", processing hint "auto",
timeout 30000 ms, max retries 0).
*/
package contract

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
Command gateway runs the MPCGate request gateway.

The gateway sits between applications and AI backends. It verifies client
tokens and payload signatures, enforces per-role policy on sensitivity,
routing hints, and cost, scans prompts for PII and injection attempts,
routes each request to the cheapest capable backend, and cascades to
fallbacks when a backend fails or answers below its confidence threshold.
Every decision lands in an append-only audit trail.

# Usage

	gateway

The process serves HTTP on the configured listen address until it receives
SIGINT or SIGTERM, then drains in-flight requests before exiting.

# Environment Variables

Required:
  - MPC_TOKEN_KEY: HMAC key for client tokens (min 32 bytes)
  - MPC_SIGNING_KEY: HMAC key for payload signatures (min 32 bytes)

or, instead of both:
  - MPC_SECRETS_ARN: AWS Secrets Manager secret holding token_key and
    signing_key fields (plus optional *_previous rotation fields)

Optional:
  - MPC_CONFIG: path to the YAML configuration file (default: built-in
    catalog with mock adapters)
  - MPC_SECRETS_REGION: region for Secrets Manager lookups
  - MPC_TOKEN_KEY_PREVIOUS: previous token key, kept valid across rotation
  - MPC_SIGNING_KEY_PREVIOUS: previous signing key
  - MPC_LISTEN_ADDR: listen address override (default: :8080)
  - MPC_AUDIT_LOG: audit log path override
  - MPC_AUDIT_POSTGRES_DSN: mirror audit events into Postgres
  - MPC_REDIS_URL: Redis URL for the shared idempotency store
  - MPC_MAX_CONCURRENT: admission control limit override

Backend API keys are named indirectly: each configured backend carries an
api_key_env field, and the gateway reads the key from that variable at
startup. Keys never appear in the configuration file.

# Example

	export MPC_TOKEN_KEY="$(openssl rand -hex 32)"
	export MPC_SIGNING_KEY="$(openssl rand -hex 32)"
	export MPC_CONFIG="/etc/mpcgate/gateway.yaml"
	export MPC_AUDIT_LOG="/var/log/mpcgate/audit.jsonl"
	./gateway
*/
package main

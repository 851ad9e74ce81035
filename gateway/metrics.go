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

package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpcgate_gateway_requests_total",
			Help: "Total number of requests processed by the gateway",
		},
		[]string{"status", "error_code"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpcgate_gateway_request_duration_milliseconds",
			Help:    "Request duration in milliseconds per pipeline stage",
			Buckets: []float64{1, 5, 10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"stage"},
	)
	promRoutingDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpcgate_gateway_routing_decisions_total",
			Help: "Routing decisions by selected backend",
		},
		[]string{"backend", "relaxed"},
	)
	promCascadeAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mpcgate_gateway_cascade_attempts",
			Help:    "Dispatch attempts consumed per request",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)
	promAuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mpcgate_gateway_audit_dropped_total",
			Help: "Audit events dropped because the sink queue stayed full",
		},
	)
	promAdmissionRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mpcgate_gateway_admission_rejected_total",
			Help: "Requests rejected by the admission semaphore",
		},
	)
	promIdempotentReplays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mpcgate_gateway_idempotent_replays_total",
			Help: "Responses served from the idempotency store",
		},
	)
	promActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mpcgate_gateway_active_requests",
			Help: "Requests currently inside the pipeline",
		},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promRoutingDecisions)
	prometheus.MustRegister(promCascadeAttempts)
	prometheus.MustRegister(promAuditDropped)
	prometheus.MustRegister(promAdmissionRejected)
	prometheus.MustRegister(promIdempotentReplays)
	prometheus.MustRegister(promActiveRequests)
}

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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"mpcgate/gateway/config"
	"mpcgate/gateway/contract"
	"mpcgate/gateway/shared/logger"
)

// shutdownGrace bounds how long Run waits for in-flight requests to drain
// after the context is canceled.
const shutdownGrace = 10 * time.Second

// Server carries the HTTP transport around a Gateway: routing, CORS,
// payload size limits, and the admission semaphore.
type Server struct {
	gw           *Gateway
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	maxPayload   int64
	retryAfterMs int
	corsOrigins  []string
	admission    chan struct{}
	log          *logger.Logger
}

// NewServer builds the HTTP layer over gw using the server and limits
// sections of the configuration.
func NewServer(gw *Gateway, cfg *config.Config) *Server {
	return &Server{
		gw:           gw,
		addr:         cfg.Server.Addr,
		readTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		writeTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		maxPayload:   cfg.Limits.MaxPayloadBytes,
		retryAfterMs: cfg.Limits.RetryAfterMs,
		corsOrigins:  cfg.Server.CORSOrigins,
		admission:    make(chan struct{}, cfg.Limits.MaxConcurrent),
		log:          logger.New("server"),
	}
}

// Handler assembles the route table. Exposed separately from Run so tests
// can drive the full stack through httptest.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/api/v1/process", s.handleEnvelope).Methods("POST")
	r.HandleFunc("/api/v1/batch", s.handleEnvelope).Methods("POST")
	r.HandleFunc("/api/v1/audit/query", s.handleAuditQuery).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// Run serves until ctx is canceled, then drains in-flight requests for up
// to shutdownGrace before returning.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("", "", "gateway listening", map[string]interface{}{"addr": s.addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	s.log.Info("", "", "gateway draining", nil)
	return srv.Shutdown(shutdownCtx)
}

// handleEnvelope serves process_request and batch_request envelopes. It
// enforces the payload size bound and the in-flight admission bound before
// any decoding work happens.
func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	select {
	case s.admission <- struct{}{}:
		defer func() { <-s.admission }()
	default:
		promAdmissionRejected.Inc()
		resp := contract.NewErrorResponse("", contract.ErrCodeResourceExhausted,
			"too many in-flight requests")
		resp.Error.Details = map[string]interface{}{"retry_after_ms": s.retryAfterMs}
		s.write(w, http.StatusTooManyRequests, resp)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxPayload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			resp := contract.NewErrorResponse("", contract.ErrCodeResourceExhausted,
				"request payload exceeds the size limit")
			resp.Error.Details = map[string]interface{}{"max_payload_bytes": s.maxPayload}
			s.write(w, http.StatusRequestEntityTooLarge, resp)
			return
		}
		resp := contract.NewErrorResponse("", contract.ErrCodeInternal, "failed to read request body")
		s.write(w, http.StatusInternalServerError, resp)
		return
	}

	resp := s.gw.Process(r.Context(), body)
	s.write(w, httpStatus(resp), resp)
}

// handleAuditQuery exposes audit log reads over GET. The query parameters
// are folded into a query_request envelope so the gateway's own
// authentication, authorization, and data_access trail apply.
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	payload := map[string]interface{}{}
	for _, key := range []string{"event_type", "actor", "outcome"} {
		if v := q.Get(key); v != "" {
			payload[key] = v
		}
	}
	for _, key := range []string{"since_hours", "limit"} {
		if v := q.Get(key); v != "" {
			n, err := parsePositiveInt(v)
			if err != nil {
				resp := contract.NewErrorResponse("", contract.ErrCodeSchemaValidation,
					key+" must be a positive integer")
				s.write(w, http.StatusBadRequest, resp)
				return
			}
			payload[key] = n
		}
	}

	token := bearerToken(r)
	if token == "" {
		resp := contract.NewErrorResponse("", contract.ErrCodeAuthentication, "missing bearer token")
		s.write(w, http.StatusUnauthorized, resp)
		return
	}

	body, err := json.Marshal(map[string]interface{}{
		"mpc_version": contract.ProtocolVersion,
		"request_id":  uuid.NewString(),
		"source":      map[string]interface{}{"application_id": "gateway-http", "environment": "local"},
		"type":        string(contract.RequestTypeQuery),
		"payload":     payload,
		"auth":        map[string]interface{}{"token": token},
	})
	if err != nil {
		resp := contract.NewErrorResponse("", contract.ErrCodeInternal, "failed to build query envelope")
		s.write(w, http.StatusInternalServerError, resp)
		return
	}

	resp := s.gw.Process(r.Context(), body)
	s.write(w, httpStatus(resp), resp)
}

// handleHealth reports liveness plus component counts. It never requires
// authentication so load balancer probes stay cheap.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	body := map[string]interface{}{
		"status":     "healthy",
		"service":    "mpcgate-gateway",
		"timestamp":  time.Now().UTC(),
		"components": s.gw.Health(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("", "", "failed to encode health response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) write(w http.ResponseWriter, status int, resp *contract.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("", resp.RequestID, "failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// httpStatus maps a response envelope onto an HTTP status code. The body
// carries the authoritative error code; the status exists for middleboxes
// and clients that only look at headers.
func httpStatus(resp *contract.Response) int {
	if resp.Error == nil {
		return http.StatusOK
	}
	switch resp.Error.Code {
	case contract.ErrCodeSchemaValidation:
		return http.StatusBadRequest
	case contract.ErrCodeAuthentication, contract.ErrCodeSignatureVerification:
		return http.StatusUnauthorized
	case contract.ErrCodeAuthorization, contract.ErrCodePIIRoutingBlocked:
		return http.StatusForbidden
	case contract.ErrCodeRoutingFailed:
		return http.StatusUnprocessableEntity
	case contract.ErrCodeBackendFailed:
		return http.StatusBadGateway
	case contract.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case contract.ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ")
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}

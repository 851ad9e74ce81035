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

// Package gateway orchestrates the request pipeline: envelope decoding,
// authentication, policy authorization, PII and injection screening,
// routing, dispatch, and response assembly. Every admission, screening,
// and processing decision emits an audit event in stage order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"mpcgate/gateway/audit"
	"mpcgate/gateway/auth"
	"mpcgate/gateway/backend"
	"mpcgate/gateway/contract"
	"mpcgate/gateway/pii"
	"mpcgate/gateway/policy"
	"mpcgate/gateway/shared/logger"
)

// SchemaAuditQueryV1 is the payload schema for audit log queries carried
// in query_request envelopes.
const SchemaAuditQueryV1 = "audit.query.v1"

// DefaultBatchLimit caps how many items a batch_request may carry.
const DefaultBatchLimit = 32

// batchParallelism bounds concurrent item dispatches within one batch.
const batchParallelism = 4

// Stage labels for the request duration histogram.
const (
	stageDecode   = "decode"
	stageAuth     = "auth"
	stagePolicy   = "policy"
	stageScan     = "scan"
	stageRoute    = "route"
	stageDispatch = "dispatch"
	stageTotal    = "total"
)

// Options configures a Gateway. Tokens, Signer, Audit, Registry, and
// Dispatcher are required; everything else has a sensible default.
type Options struct {
	Tokens     *auth.TokenManager
	Signer     *auth.Signer
	Audit      audit.Emitter
	Registry   *backend.Registry
	Dispatcher *backend.Dispatcher

	// Schemas defaults to the built-in registry (llm.request.v1 and
	// llm.response.v1). The audit query schema is registered on top.
	Schemas *contract.SchemaRegistry

	// Policy defaults to an engine over the default role tables.
	Policy *policy.Engine

	Detector  *pii.Detector
	Injection *pii.InjectionScanner
	Guard     *pii.RouteGuard
	Router    *backend.Router

	// Idempotency defaults to an in-process LRU store.
	Idempotency Store

	// AuditPath enables query_request handling when set. It must point
	// at the same file the audit sink appends to.
	AuditPath string

	// BatchLimit defaults to DefaultBatchLimit.
	BatchLimit int
}

// Gateway is the orchestrator. It owns no transport; Process accepts a
// raw envelope body and returns a response envelope, leaving HTTP (or any
// other carrier) to the caller.
type Gateway struct {
	tokens      *auth.TokenManager
	signer      *auth.Signer
	sink        audit.Emitter
	registry    *backend.Registry
	dispatcher  *backend.Dispatcher
	schemas     *contract.SchemaRegistry
	policy      *policy.Engine
	detector    *pii.Detector
	injection   *pii.InjectionScanner
	guard       *pii.RouteGuard
	router      *backend.Router
	idempotency Store
	auditPath   string
	batchLimit  int
	log         *logger.Logger
}

// New wires a gateway from options, filling defaults for the optional
// collaborators.
func New(opts Options) (*Gateway, error) {
	if opts.Tokens == nil {
		return nil, errors.New("gateway: token manager is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("gateway: signer is required")
	}
	if opts.Audit == nil {
		return nil, errors.New("gateway: audit emitter is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("gateway: backend registry is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("gateway: dispatcher is required")
	}

	g := &Gateway{
		tokens:      opts.Tokens,
		signer:      opts.Signer,
		sink:        opts.Audit,
		registry:    opts.Registry,
		dispatcher:  opts.Dispatcher,
		schemas:     opts.Schemas,
		policy:      opts.Policy,
		detector:    opts.Detector,
		injection:   opts.Injection,
		guard:       opts.Guard,
		router:      opts.Router,
		idempotency: opts.Idempotency,
		auditPath:   opts.AuditPath,
		batchLimit:  opts.BatchLimit,
		log:         logger.New("gateway"),
	}
	if g.schemas == nil {
		g.schemas = contract.NewSchemaRegistry()
	}
	if _, ok := g.schemas.Get(SchemaAuditQueryV1); !ok {
		if err := g.schemas.Register(auditQueryV1()); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
	}
	if g.policy == nil {
		g.policy = policy.NewEngine()
	}
	if g.detector == nil {
		g.detector = pii.NewDetector()
	}
	if g.injection == nil {
		g.injection = pii.NewInjectionScanner()
	}
	if g.guard == nil {
		g.guard = pii.NewRouteGuard(pii.DefaultGuardConfig())
	}
	if g.router == nil {
		g.router = backend.NewRouter()
	}
	if g.idempotency == nil {
		g.idempotency = NewMemoryStore(DefaultIdempotencyCapacity, DefaultIdempotencyTTL)
	}
	if g.batchLimit <= 0 {
		g.batchLimit = DefaultBatchLimit
	}
	return g, nil
}

// Process handles one raw request body and always returns a response
// envelope; transport errors never escape as Go errors. When the envelope
// carries an idempotency key, a response already built for that key within
// the store TTL is returned verbatim.
func (g *Gateway) Process(ctx context.Context, body []byte) *contract.Response {
	start := time.Now()
	promActiveRequests.Inc()
	defer promActiveRequests.Dec()

	env, err := contract.Decode(body)
	promRequestDuration.WithLabelValues(stageDecode).Observe(durationMs(start))
	if err != nil {
		resp := contract.NewErrorResponse("", contract.ErrCodeSchemaValidation, err.Error())
		g.finish(resp, start)
		return resp
	}

	var resp *contract.Response
	if env.IdempotencyKey == "" {
		resp = g.handle(ctx, env)
	} else {
		// Keys are scoped per application so two callers cannot
		// collide on a generic key value.
		key := env.Source.ApplicationID + ":" + env.IdempotencyKey
		cached, replayed, storeErr := g.idempotency.Do(ctx, key, func() (*contract.Response, error) {
			return g.handle(ctx, env), nil
		})
		switch {
		case storeErr != nil:
			resp = contract.NewErrorResponse(env.RequestID, contract.ErrCodeInternal,
				fmt.Sprintf("idempotency store: %v", storeErr))
		case replayed:
			promIdempotentReplays.Inc()
			g.log.Info(actorFor(env), env.RequestID, "idempotent replay", map[string]interface{}{
				"idempotency_key": env.IdempotencyKey,
			})
			resp = cached
		default:
			resp = cached
		}
	}

	g.finish(resp, start)
	return resp
}

// handle dispatches on the request kind after the envelope is decoded.
func (g *Gateway) handle(ctx context.Context, env *contract.Envelope) *contract.Response {
	switch env.Type {
	case contract.RequestTypeHealth:
		return g.healthResponse(env)
	case contract.RequestTypeQuery:
		return g.queryAudit(env)
	case contract.RequestTypeBatch:
		return g.processBatch(ctx, env)
	default:
		return g.processRequest(ctx, env)
	}
}

// processRequest runs the full pipeline for a process_request envelope.
func (g *Gateway) processRequest(ctx context.Context, env *contract.Envelope) *contract.Response {
	g.emit(audit.NewEvent(audit.EventRequestReceived, actorFor(env), "process", env.PayloadSchema, audit.OutcomeSuccess).
		WithContext(map[string]interface{}{
			"request_id": env.RequestID,
			"type":       string(env.Type),
		}).
		WithSensitivity(env.Config.Sensitivity))

	validated, err := g.schemas.Validate(env.PayloadSchema, env.Payload)
	if err != nil {
		return g.errorResponse(env, contract.ErrCodeSchemaValidation, err.Error(), nil)
	}

	principal, denied := g.authenticate(env)
	if denied != nil {
		return denied
	}

	prompt := stringField(validated, "prompt")
	capability := backend.InferCapability(env.PayloadSchema)
	tokens := backend.EstimateTokens(prompt, intField(validated, "max_tokens"))
	if denied := g.authorize(env, principal, g.estimateInitialCost(capability, env.Config.Sensitivity, tokens)); denied != nil {
		return denied
	}

	out := g.dispatchValidated(ctx, env, principal, validated, map[string]interface{}{
		"request_id": env.RequestID,
	})
	if out.failed() {
		return g.errorResponse(env, out.code, out.message, out.flags)
	}

	resp := contract.NewResponse(env.RequestID)
	resp.Result = resultPayload(out.dispatch.Result)
	resp.Processing = &contract.ProcessingInfo{
		Backend:      out.dispatch.BackendID,
		LatencyMs:    msValue(out.elapsed),
		CostUSD:      out.dispatch.Result.CostUSD,
		Confidence:   out.dispatch.Result.Confidence,
		FallbackUsed: out.dispatch.FallbackUsed,
	}
	resp.SecurityFlags = out.flags

	g.log.InfoWithDuration(principal.ClientID, env.RequestID, "request completed", msValue(out.elapsed),
		map[string]interface{}{
			"backend":  out.dispatch.BackendID,
			"attempts": out.dispatch.Attempts,
		})
	return resp
}

// processBatch fans a batch_request out over its items. Authentication,
// signature, and policy run once for the whole batch; screening, routing,
// and dispatch run per item. Item failures do not fail the batch.
func (g *Gateway) processBatch(ctx context.Context, env *contract.Envelope) *contract.Response {
	g.emit(audit.NewEvent(audit.EventRequestReceived, actorFor(env), "batch", env.PayloadSchema, audit.OutcomeSuccess).
		WithContext(map[string]interface{}{
			"request_id": env.RequestID,
			"type":       string(env.Type),
		}).
		WithSensitivity(env.Config.Sensitivity))

	rawItems, ok := env.Payload["items"].([]interface{})
	if !ok || len(rawItems) == 0 {
		return g.errorResponse(env, contract.ErrCodeSchemaValidation,
			"batch payload requires a non-empty items array", nil)
	}
	if len(rawItems) > g.batchLimit {
		return g.errorResponse(env, contract.ErrCodeSchemaValidation,
			fmt.Sprintf("batch size %d exceeds the limit of %d items", len(rawItems), g.batchLimit), nil)
	}

	principal, denied := g.authenticate(env)
	if denied != nil {
		return denied
	}

	// Every item must validate before any backend work starts, and the
	// batch is authorized against the summed cost estimate.
	capability := backend.InferCapability(env.PayloadSchema)
	validatedItems := make([]map[string]interface{}, len(rawItems))
	totalCost := 0.0
	for i, raw := range rawItems {
		item, ok := raw.(map[string]interface{})
		if !ok {
			return g.errorResponse(env, contract.ErrCodeSchemaValidation,
				fmt.Sprintf("items[%d] is not an object", i), nil)
		}
		validated, err := g.schemas.Validate(env.PayloadSchema, item)
		if err != nil {
			return g.errorResponse(env, contract.ErrCodeSchemaValidation,
				fmt.Sprintf("items[%d]: %v", i, err), nil)
		}
		validatedItems[i] = validated
		tokens := backend.EstimateTokens(stringField(validated, "prompt"), intField(validated, "max_tokens"))
		totalCost += g.estimateInitialCost(capability, env.Config.Sensitivity, tokens)
	}

	if denied := g.authorize(env, principal, totalCost); denied != nil {
		return denied
	}

	entries := make([]interface{}, len(validatedItems))
	sem := make(chan struct{}, batchParallelism)
	var wg sync.WaitGroup
	for i := range validatedItems {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			entries[i] = g.batchEntry(ctx, env, principal, i, validatedItems[i])
		}(i)
	}
	wg.Wait()

	failed := 0
	for _, e := range entries {
		if entry, ok := e.(map[string]interface{}); ok && entry["status"] == string(contract.StatusError) {
			failed++
		}
	}

	resp := contract.NewResponse(env.RequestID)
	resp.Result = map[string]interface{}{
		"items":  entries,
		"count":  len(entries),
		"failed": failed,
	}
	g.log.Info(principal.ClientID, env.RequestID, "batch completed", map[string]interface{}{
		"items":  len(entries),
		"failed": failed,
	})
	return resp
}

// batchEntry runs screening through dispatch for one batch item and shapes
// the per-item result entry.
func (g *Gateway) batchEntry(ctx context.Context, env *contract.Envelope, p *auth.Principal, idx int, validated map[string]interface{}) map[string]interface{} {
	out := g.dispatchValidated(ctx, env, p, validated, map[string]interface{}{
		"request_id": env.RequestID,
		"item":       idx,
	})

	entry := map[string]interface{}{
		"index":          idx,
		"security_flags": out.flags,
	}
	if out.failed() {
		entry["status"] = string(contract.StatusError)
		entry["error"] = map[string]interface{}{
			"code":    string(out.code),
			"message": out.message,
		}
		return entry
	}
	entry["status"] = string(contract.StatusOK)
	entry["result"] = resultPayload(out.dispatch.Result)
	entry["processing"] = map[string]interface{}{
		"backend":       out.dispatch.BackendID,
		"latency_ms":    msValue(out.elapsed),
		"cost_usd":      out.dispatch.Result.CostUSD,
		"confidence":    out.dispatch.Result.Confidence,
		"fallback_used": out.dispatch.FallbackUsed,
	}
	return entry
}

// queryAudit serves query_request envelopes: admin-gated reads over the
// audit log. Every successful read leaves a data_access event behind.
func (g *Gateway) queryAudit(env *contract.Envelope) *contract.Response {
	g.emit(audit.NewEvent(audit.EventRequestReceived, actorFor(env), "query", "audit_log", audit.OutcomeSuccess).
		WithContext(map[string]interface{}{
			"request_id": env.RequestID,
			"type":       string(env.Type),
		}))

	principal, denied := g.authenticate(env)
	if denied != nil {
		return denied
	}
	if !principal.HasPermission(auth.PermissionAdmin) {
		reason := "audit access requires the admin permission"
		g.emit(audit.NewEvent(audit.EventRequestDenied, principal.ClientID, "query", "audit_log", audit.OutcomeDenied).
			WithContext(map[string]interface{}{
				"request_id": env.RequestID,
				"reason":     reason,
			}))
		return g.errorResponse(env, contract.ErrCodeAuthorization, reason, nil)
	}
	if g.auditPath == "" {
		return g.errorResponse(env, contract.ErrCodeInternal,
			"audit query is not available: no audit log configured", nil)
	}

	payload := env.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	params, err := g.schemas.Validate(SchemaAuditQueryV1, payload)
	if err != nil {
		return g.errorResponse(env, contract.ErrCodeSchemaValidation, err.Error(), nil)
	}

	filter := audit.Filter{
		Type:    audit.EventType(stringField(params, "event_type")),
		Outcome: audit.Outcome(stringField(params, "outcome")),
		Limit:   intField(params, "limit"),
	}
	if actor := stringField(params, "actor"); actor != "" {
		// Events store hashed actors; hash the filter value the same way.
		filter.Actor = audit.HashActor(actor)
	}
	if hours := intField(params, "since_hours"); hours > 0 {
		filter.From = time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	}

	events, err := audit.QueryFile(g.auditPath, filter)
	if err != nil {
		return g.errorResponse(env, contract.ErrCodeInternal,
			fmt.Sprintf("audit query failed: %v", err), nil)
	}

	g.emit(audit.NewEvent(audit.EventDataAccess, principal.ClientID, "query", "audit_log", audit.OutcomeSuccess).
		WithContext(map[string]interface{}{
			"request_id": env.RequestID,
			"matched":    len(events),
		}))

	resp := contract.NewResponse(env.RequestID)
	resp.Result = map[string]interface{}{
		"events": events,
		"count":  len(events),
	}
	return resp
}

// healthResponse answers health_check envelopes. No authentication and no
// audit trail: health probes would drown the log.
func (g *Gateway) healthResponse(env *contract.Envelope) *contract.Response {
	resp := contract.NewResponse(env.RequestID)
	resp.Result = g.Health()
	return resp
}

// Health summarizes the wired components for probes and the health
// request kind.
func (g *Gateway) Health() map[string]interface{} {
	return map[string]interface{}{
		"status":   "healthy",
		"backends": g.registry.Count(),
		"adapters": g.dispatcher.BoundCount(),
		"schemas":  len(g.schemas.Names()),
	}
}

// authenticate verifies the bearer token and, when the envelope carries a
// signature, checks it against the canonical payload encoding. On failure
// the denial event is emitted and the finished error response returned.
func (g *Gateway) authenticate(env *contract.Envelope) (*auth.Principal, *contract.Response) {
	start := time.Now()
	defer func() {
		promRequestDuration.WithLabelValues(stageAuth).Observe(durationMs(start))
	}()

	principal, err := g.tokens.Verify(env.Auth.Token)
	if err != nil {
		g.emit(audit.NewEvent(audit.EventRequestDenied, actorFor(env), "authenticate", env.PayloadSchema, audit.OutcomeDenied).
			WithContext(map[string]interface{}{
				"request_id": env.RequestID,
				"reason":     err.Error(),
			}))
		return nil, g.errorResponse(env, contract.ErrCodeAuthentication, err.Error(), nil)
	}

	if env.Auth.Signature != "" {
		payload, cErr := contract.CanonicalPayload(env.Payload)
		if cErr == nil {
			cErr = g.signer.Verify(payload, env.Auth.Signature)
		}
		if cErr != nil {
			g.emit(audit.NewEvent(audit.EventRequestDenied, principal.ClientID, "verify_signature", env.PayloadSchema, audit.OutcomeDenied).
				WithContext(map[string]interface{}{
					"request_id": env.RequestID,
					"reason":     cErr.Error(),
				}))
			return nil, g.errorResponse(env, contract.ErrCodeSignatureVerification,
				"payload signature does not verify", nil)
		}
	}
	return principal, nil
}

// authorize runs the policy engine over the request attributes and emits
// the authorized/denied event. A nil return means the request may proceed.
func (g *Gateway) authorize(env *contract.Envelope, p *auth.Principal, estimatedCost float64) *contract.Response {
	start := time.Now()
	decision := g.policy.Authorize(p, policy.Attributes{
		Sensitivity:    env.Config.Sensitivity,
		ProcessingHint: env.Config.ProcessingHint,
		EstimatedCost:  estimatedCost,
	})
	promRequestDuration.WithLabelValues(stagePolicy).Observe(durationMs(start))

	if !decision.Allowed {
		g.emit(audit.NewEvent(audit.EventRequestDenied, p.ClientID, "authorize", env.PayloadSchema, audit.OutcomeDenied).
			WithContext(map[string]interface{}{
				"request_id": env.RequestID,
				"reason":     decision.Reason,
			}).
			WithSensitivity(env.Config.Sensitivity))
		return g.errorResponse(env, contract.ErrCodeAuthorization, decision.Reason, nil)
	}

	g.emit(audit.NewEvent(audit.EventRequestAuthorized, p.ClientID, "authorize", env.PayloadSchema, audit.OutcomeSuccess).
		WithContext(map[string]interface{}{
			"request_id":         env.RequestID,
			"role":               string(p.Role),
			"estimated_cost_usd": estimatedCost,
		}).
		WithSensitivity(env.Config.Sensitivity))
	return nil
}

// dispatchOutcome carries the result of screening, routing, and dispatch
// for one validated payload. code is empty on success.
type dispatchOutcome struct {
	dispatch *backend.DispatchResult
	flags    map[string]interface{}
	elapsed  time.Duration
	code     contract.ErrorCode
	message  string
}

func (o dispatchOutcome) failed() bool { return o.code != "" }

// dispatchValidated runs stages five through eight for one validated
// payload: PII and injection screening, the routing guard, backend
// selection, and the dispatch cascade. tag is merged into every audit
// event context so batch items stay distinguishable.
func (g *Gateway) dispatchValidated(ctx context.Context, env *contract.Envelope, p *auth.Principal, validated map[string]interface{}, tag map[string]interface{}) dispatchOutcome {
	prompt := stringField(validated, "prompt")
	flags := make(map[string]interface{})

	scanStart := time.Now()
	var detection pii.DetectionResult
	if env.Config.EnablePIIDetection {
		detection = g.detector.Detect(prompt)
		flags["has_pii"] = detection.HasPII
		if detection.HasPII {
			flags["pii_types"] = detection.TypeStrings()
			g.emit(audit.NewEvent(audit.EventPIIDetected, p.ClientID, "scan", env.PayloadSchema, audit.OutcomeSuccess).
				WithContext(eventCtx(tag, map[string]interface{}{
					"types":   detection.TypeStrings(),
					"matches": len(detection.Matches),
				})).
				WithSensitivity(env.Config.Sensitivity))
		}
	}
	if env.Config.EnableInjectionDetection {
		hit := g.injection.Scan(prompt)
		flags["injection_detected"] = hit
		if hit {
			// Default posture is flag-but-forward; the event gives
			// investigators the trail even when the request proceeds.
			g.emit(audit.NewEvent(audit.EventInjectionDetected, p.ClientID, "scan", env.PayloadSchema, audit.OutcomeSuccess).
				WithContext(eventCtx(tag, map[string]interface{}{
					"disposition": "flagged",
				})).
				WithSensitivity(env.Config.Sensitivity))
		}
	}
	promRequestDuration.WithLabelValues(stageScan).Observe(durationMs(scanStart))

	if blocked, reason := g.guard.ShouldBlock(detection, env.Config.ProcessingHint); blocked {
		g.emit(audit.NewEvent(audit.EventSecurityViolation, p.ClientID, "route", env.PayloadSchema, audit.OutcomeDenied).
			WithContext(eventCtx(tag, map[string]interface{}{
				"violation_type": "pii_routing_violation",
				"reason":         reason,
			})).
			WithSensitivity(env.Config.Sensitivity))
		return dispatchOutcome{flags: flags, code: contract.ErrCodePIIRoutingBlocked, message: reason}
	}

	// One wall-clock deadline covers routing and the dispatch cascade.
	deadlineCtx, cancel := context.WithTimeout(ctx, env.Config.Timeout())
	defer cancel()

	tokens := backend.EstimateTokens(prompt, intField(validated, "max_tokens"))
	routeStart := time.Now()
	decision, err := g.router.Route(backend.RouteRequest{
		Schema:          env.PayloadSchema,
		Sensitivity:     env.Config.Sensitivity,
		Hint:            env.Config.ProcessingHint,
		EstimatedTokens: tokens,
		MaxCostUSD:      g.policy.MaxCost(p.Role),
		TimeoutMs:       env.Config.TimeoutMs,
		MaxRetries:      env.Config.MaxRetries,
	}, g.registry.Snapshot())
	promRequestDuration.WithLabelValues(stageRoute).Observe(durationMs(routeStart))
	if err != nil {
		g.emit(audit.NewEvent(audit.EventProcessingFailed, p.ClientID, "route", env.PayloadSchema, audit.OutcomeFailure).
			WithContext(eventCtx(tag, map[string]interface{}{
				"reason": err.Error(),
			})))
		return dispatchOutcome{flags: flags, code: contract.ErrCodeRoutingFailed, message: err.Error()}
	}
	promRoutingDecisions.WithLabelValues(decision.BackendID, strconv.FormatBool(decision.Relaxed)).Inc()

	g.emit(audit.NewEvent(audit.EventProcessingStarted, p.ClientID, "execute", decision.BackendID, audit.OutcomeSuccess).
		WithContext(eventCtx(tag, map[string]interface{}{
			"backend":            decision.BackendID,
			"fallbacks":          len(decision.Fallbacks),
			"estimated_cost_usd": decision.EstimatedCostUSD,
		})))

	model := stringField(validated, "model")
	if model == "auto" {
		// Let the chosen backend apply its configured default.
		model = ""
	}
	req := backend.Request{
		RequestID:    env.RequestID,
		ClientID:     p.ClientID,
		Schema:       env.PayloadSchema,
		Prompt:       prompt,
		Model:        model,
		MaxTokens:    intField(validated, "max_tokens"),
		Temperature:  floatField(validated, "temperature"),
		SystemPrompt: stringField(validated, "system_prompt"),
		Payload:      validated,
	}

	chain := make([]string, 0, 1+len(decision.Fallbacks))
	chain = append(chain, decision.BackendID)
	chain = append(chain, decision.Fallbacks...)

	dispatchStart := time.Now()
	dr, err := g.dispatcher.Dispatch(deadlineCtx, chain, req)
	elapsed := time.Since(dispatchStart)
	promRequestDuration.WithLabelValues(stageDispatch).Observe(durationMs(dispatchStart))
	if err != nil {
		code, msg := dispatchErrorCode(err)
		g.emit(audit.NewEvent(audit.EventProcessingFailed, p.ClientID, "process", env.PayloadSchema, audit.OutcomeFailure).
			WithContext(eventCtx(tag, map[string]interface{}{
				"error":      msg,
				"error_code": string(code),
			})))
		return dispatchOutcome{flags: flags, elapsed: elapsed, code: code, message: msg}
	}

	promCascadeAttempts.Observe(float64(dr.Attempts))
	return dispatchOutcome{dispatch: dr, flags: flags, elapsed: elapsed}
}

// estimateInitialCost prices the request against the cheapest registered
// backend that has the capability and accepts the sensitivity. Zero when
// no backend qualifies; the router reports the real failure later.
func (g *Gateway) estimateInitialCost(capability backend.Capability, sensitivity contract.Sensitivity, tokens int) float64 {
	if sensitivity == "" {
		sensitivity = contract.SensitivityInternal
	}
	best := 0.0
	found := false
	for _, d := range g.registry.Snapshot() {
		if !d.HasCapability(capability) || !d.AllowsSensitivity(sensitivity) {
			continue
		}
		cost := float64(tokens) / 1000 * d.CostPer1KTokens
		if !found || cost < best {
			best = cost
			found = true
		}
	}
	return best
}

// errorResponse shapes a failure into a response envelope and logs it.
func (g *Gateway) errorResponse(env *contract.Envelope, code contract.ErrorCode, message string, flags map[string]interface{}) *contract.Response {
	resp := contract.NewErrorResponse(env.RequestID, code, message)
	if len(flags) > 0 {
		resp.SecurityFlags = flags
	}
	g.log.ErrorWithCode(actorFor(env), env.RequestID, string(code), message, nil)
	return resp
}

// finish records the terminal metrics for one request.
func (g *Gateway) finish(resp *contract.Response, start time.Time) {
	code := ""
	if resp.Error != nil {
		code = string(resp.Error.Code)
	}
	promRequestsTotal.WithLabelValues(string(resp.Status), code).Inc()
	promRequestDuration.WithLabelValues(stageTotal).Observe(durationMs(start))
}

func (g *Gateway) emit(e audit.Event) {
	if g.sink != nil {
		g.sink.Emit(e)
	}
}

// dispatchErrorCode maps a dispatcher failure onto the wire error code.
func dispatchErrorCode(err error) (contract.ErrorCode, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return contract.ErrCodeTimeout, "deadline exceeded before a backend produced an acceptable result"
	}
	if errors.Is(err, context.Canceled) {
		return contract.ErrCodeTimeout, "request canceled before a backend produced an acceptable result"
	}
	var ae *backend.AdapterError
	if errors.As(err, &ae) && ae.Code == backend.ErrCodeTimeout {
		return contract.ErrCodeTimeout, ae.Message
	}
	return contract.ErrCodeBackendFailed, err.Error()
}

// auditQueryV1 is the parameter schema for audit log queries.
func auditQueryV1() contract.PayloadSchema {
	return contract.PayloadSchema{
		Name: SchemaAuditQueryV1,
		Fields: []contract.FieldSpec{
			{Name: "event_type", Type: contract.FieldString, Check: checkEventType},
			{Name: "actor", Type: contract.FieldString},
			{Name: "outcome", Type: contract.FieldString, Check: checkOutcome},
			{Name: "since_hours", Type: contract.FieldInt, Default: 24, Check: checkIntRange(1, 720)},
			{Name: "limit", Type: contract.FieldInt, Default: 100, Check: checkIntRange(1, 1000)},
		},
	}
}

func checkEventType(v interface{}) error {
	t := audit.EventType(v.(string))
	if t != "" && !t.Valid() {
		return fmt.Errorf("unknown event type %q", t)
	}
	return nil
}

func checkOutcome(v interface{}) error {
	switch audit.Outcome(v.(string)) {
	case "", audit.OutcomeSuccess, audit.OutcomeFailure, audit.OutcomeDenied, audit.OutcomeError:
		return nil
	default:
		return fmt.Errorf("unknown outcome %q", v)
	}
}

func checkIntRange(min, max int) func(interface{}) error {
	return func(v interface{}) error {
		n := v.(int)
		if n < min || n > max {
			return fmt.Errorf("must be between %d and %d", min, max)
		}
		return nil
	}
}

// actorFor names the actor before token verification completes: the
// claimed client id when present, else the source application id.
func actorFor(env *contract.Envelope) string {
	if env.Auth.ClientID != "" {
		return env.Auth.ClientID
	}
	return env.Source.ApplicationID
}

// resultPayload shapes a backend result into the llm.response.v1 form.
func resultPayload(res *backend.Result) map[string]interface{} {
	return map[string]interface{}{
		"response":          res.Output,
		"tokens":            res.TokensUsed,
		"prompt_tokens":     res.PromptTokens,
		"completion_tokens": res.CompletionTokens,
	}
}

// eventCtx merges the per-call tag into an event context map.
func eventCtx(tag, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(tag)+len(extra))
	for k, v := range tag {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func stringField(payload map[string]interface{}, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func intField(payload map[string]interface{}, key string) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func floatField(payload map[string]interface{}, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func durationMs(start time.Time) float64 {
	return msValue(time.Since(start))
}

func msValue(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

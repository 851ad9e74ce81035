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

package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mpcgate/gateway/audit"
	"mpcgate/gateway/shared/logger"
)

// DispatchResult reports which backend produced the accepted result and
// how much of the cascade it took to get there.
type DispatchResult struct {
	Result       *Result
	BackendID    string
	BackendType  Type
	Attempts     int
	FallbackUsed bool
}

// Dispatcher executes routing decisions. It walks the chain the router
// built, calling the adapter bound to each backend id, and accepts the
// first result whose confidence clears the backend's threshold. The
// dispatcher never re-orders the chain.
type Dispatcher struct {
	registry *Registry
	sink     audit.Emitter
	log      *logger.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewDispatcher builds a dispatcher over the registry. Events for every
// attempt go to sink; a nil sink disables audit emission (tests only).
func NewDispatcher(registry *Registry, sink audit.Emitter) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sink:     sink,
		log:      logger.New("dispatcher"),
		adapters: make(map[string]Adapter),
	}
}

// Bind associates an adapter with a backend id. Re-binding replaces.
func (d *Dispatcher) Bind(backendID string, a Adapter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[backendID] = a
}

// Adapter returns the adapter bound to a backend id.
func (d *Dispatcher) Adapter(backendID string) (Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[backendID]
	return a, ok
}

// BoundCount returns how many backends have adapters.
func (d *Dispatcher) BoundCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.adapters)
}

// Dispatch walks chain until an attempt is accepted. Retryable failures
// and below-threshold confidence advance to the next fallback; terminal
// failures stop immediately; an expired context stops the walk. Each
// attempt emits its own processing_completed or processing_failed audit
// record.
func (d *Dispatcher) Dispatch(ctx context.Context, chain []string, req Request) (*DispatchResult, error) {
	if len(chain) == 0 {
		return nil, &AdapterError{
			Code:    ErrCodeUnknownBackend,
			Message: "empty dispatch chain",
		}
	}

	var lastErr error
	for i, id := range chain {
		if ctx.Err() != nil {
			// The shared deadline is gone; remaining fallbacks cannot
			// run either.
			return nil, ctx.Err()
		}

		desc, adapter, err := d.lookup(id)
		if err != nil {
			d.emitAttempt(req, id, i, audit.OutcomeError, map[string]interface{}{
				"error": err.Error(),
			})
			return nil, err
		}

		start := time.Now()
		res, err := adapter.Execute(ctx, req)
		elapsed := time.Since(start)

		if err != nil {
			d.emitAttempt(req, id, i, audit.OutcomeError, map[string]interface{}{
				"error":      err.Error(),
				"latency_ms": elapsed.Milliseconds(),
			})
			d.log.ErrorWithCode(req.ClientID, req.RequestID, "DISPATCH_ATTEMPT_FAILED",
				fmt.Sprintf("backend %s attempt %d failed", id, i+1),
				map[string]interface{}{"error": err.Error()})

			lastErr = err
			if errors.Is(err, context.DeadlineExceeded) {
				// The attempt consumed the deadline; the loop guard
				// surfaces the timeout.
				continue
			}
			if !IsRetryable(err) {
				return nil, err
			}
			continue
		}

		if res.Confidence >= desc.ConfidenceThreshold {
			d.emit(audit.NewEvent(audit.EventProcessingCompleted, req.ClientID, "execute", id, audit.OutcomeSuccess).
				WithContext(map[string]interface{}{
					"request_id": req.RequestID,
					"attempt":    i + 1,
					"confidence": res.Confidence,
					"tokens":     res.TokensUsed,
					"cost_usd":   res.CostUSD,
					"latency_ms": elapsed.Milliseconds(),
				}))
			return &DispatchResult{
				Result:       res,
				BackendID:    id,
				BackendType:  desc.Type,
				Attempts:     i + 1,
				FallbackUsed: i > 0,
			}, nil
		}

		// Result came back but the backend does not trust it enough.
		d.emitAttempt(req, id, i, audit.OutcomeFailure, map[string]interface{}{
			"confidence": res.Confidence,
			"threshold":  desc.ConfidenceThreshold,
			"reason":     "confidence below threshold",
		})
		lastErr = &AdapterError{
			Backend:   id,
			Code:      ErrCodeLowConfidence,
			Message:   fmt.Sprintf("confidence %.2f below threshold %.2f", res.Confidence, desc.ConfidenceThreshold),
			Retryable: true,
		}
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, lastErr
}

// lookup resolves descriptor and adapter for a chain entry. A chain id
// with no descriptor or adapter is terminal: the catalog and bindings are
// deployment configuration, not something a retry fixes.
func (d *Dispatcher) lookup(id string) (Descriptor, Adapter, error) {
	desc, err := d.registry.Get(id)
	if err != nil {
		return Descriptor{}, nil, &AdapterError{
			Backend: id,
			Code:    ErrCodeUnknownBackend,
			Message: fmt.Sprintf("backend %q is not registered", id),
			Cause:   err,
		}
	}
	adapter, ok := d.Adapter(id)
	if !ok {
		return Descriptor{}, nil, &AdapterError{
			Backend: id,
			Code:    ErrCodeUnknownBackend,
			Message: fmt.Sprintf("no adapter bound for backend %q", id),
		}
	}
	return desc, adapter, nil
}

func (d *Dispatcher) emitAttempt(req Request, backendID string, attempt int, outcome audit.Outcome, ctx map[string]interface{}) {
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	ctx["request_id"] = req.RequestID
	ctx["attempt"] = attempt + 1
	d.emit(audit.NewEvent(audit.EventProcessingFailed, req.ClientID, "execute", backendID, outcome).
		WithContext(ctx))
}

func (d *Dispatcher) emit(e audit.Event) {
	if d.sink != nil {
		d.sink.Emit(e)
	}
}

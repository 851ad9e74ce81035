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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mpcgate/gateway/audit"
	"mpcgate/gateway/auth"
	"mpcgate/gateway/config"
	"mpcgate/gateway/pii"
	"mpcgate/gateway/policy"
	"mpcgate/gateway/shared/logger"
)

// Run is the process entry point behind cmd/gateway. It loads
// configuration, resolves the token and signing keys, wires the audit
// trail, backend catalog, and policy engine, and serves HTTP until the
// process receives SIGINT or SIGTERM.
//
// Environment variables read here:
//   - MPC_CONFIG: path to the YAML configuration file. Unset serves the
//     built-in defaults (mock catalog, memory idempotency store).
//   - MPC_SECRETS_ARN: AWS Secrets Manager secret holding the keyrings.
//     Unset reads MPC_TOKEN_KEY, MPC_SIGNING_KEY, and the *_PREVIOUS
//     rotation variables from the environment instead.
//   - MPC_SECRETS_REGION: region for Secrets Manager lookups. Unset
//     defers to the ambient AWS credential chain.
//
// Per-field overrides such as MPC_LISTEN_ADDR and MPC_AUDIT_LOG are
// documented on config.Load.
func Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.New("run")

	cfg, err := config.Load(os.Getenv("MPC_CONFIG"))
	if err != nil {
		return err
	}

	keyrings, err := loadKeyrings(ctx)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenManager(keyrings.Token, 0)
	signer := auth.NewSigner(keyrings.Signing)

	detector := pii.NewDetector()
	scanner := pii.NewInjectionScanner()
	for _, expr := range cfg.Injection.Patterns {
		if err := scanner.AddPattern(expr); err != nil {
			return fmt.Errorf("injection pattern %q: %w", expr, err)
		}
	}

	sink, closeSink, err := buildAuditSink(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			log.Error("", "", "audit sink close failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	registry, dispatcher, err := BuildBackends(ctx, cfg, detector, scanner, sink)
	if err != nil {
		return err
	}

	store, closeStore, err := buildIdempotencyStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.Error("", "", "idempotency store close failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	gw, err := New(Options{
		Tokens:      tokens,
		Signer:      signer,
		Audit:       sink,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Policy:      policy.NewEngineWithTables(cfg.Tables()),
		Detector:    detector,
		Injection:   scanner,
		Idempotency: store,
		AuditPath:   cfg.Audit.Path,
	})
	if err != nil {
		return err
	}

	log.Info("", "", "gateway wired", map[string]interface{}{
		"backends":          registry.Count(),
		"idempotency_store": cfg.Idempotency.Store,
		"audit_path":        cfg.Audit.Path,
		"postgres_mirror":   cfg.Audit.PostgresDSN != "",
	})
	return NewServer(gw, cfg).Run(ctx)
}

// loadKeyrings resolves the token and signing keys. MPC_SECRETS_ARN
// selects AWS Secrets Manager; otherwise the keys come straight from the
// environment under the MPC_ prefix.
func loadKeyrings(ctx context.Context) (*config.Keyrings, error) {
	if arn := os.Getenv("MPC_SECRETS_ARN"); arn != "" {
		secrets, err := config.NewAWSSecretsManager(ctx, os.Getenv("MPC_SECRETS_REGION"), config.DefaultSecretCacheTTL)
		if err != nil {
			return nil, err
		}
		return config.LoadKeyrings(ctx, secrets, arn)
	}
	return config.LoadKeyrings(ctx, config.NewEnvSecretsManager(), config.EnvSecretsRef)
}

// buildAuditSink opens the JSONL file sink and, when a DSN is configured,
// mirrors every event into Postgres as well. Dropped events feed the
// audit drop counter.
func buildAuditSink(cfg *config.Config) (audit.Emitter, func() error, error) {
	file, err := audit.NewFileSink(cfg.Audit.Path, audit.SinkConfig{
		QueueSize: cfg.Audit.QueueSize,
		OnDrop:    promAuditDropped.Inc,
	})
	if err != nil {
		return nil, nil, err
	}
	if cfg.Audit.PostgresDSN == "" {
		return file, file.Close, nil
	}

	pg, err := audit.NewPostgresStore(cfg.Audit.PostgresDSN, audit.PostgresConfig{})
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	closer := func() error {
		pgErr := pg.Close()
		if err := file.Close(); err != nil {
			return err
		}
		return pgErr
	}
	return audit.MultiEmitter{file, pg}, closer, nil
}

// buildIdempotencyStore picks the duplicate-suppression store the
// configuration names. Redis is the shared store for multi-replica
// deployments; memory suits a single replica.
func buildIdempotencyStore(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	ttl := time.Duration(cfg.Idempotency.TTLMs) * time.Millisecond
	if cfg.Idempotency.Store == "redis" {
		store, err := NewRedisStore(ctx, cfg.Idempotency.RedisURL, ttl)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	store := NewMemoryStore(cfg.Idempotency.Capacity, ttl)
	return store, func() error { return nil }, nil
}

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

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"mpcgate/gateway/auth"
	"mpcgate/gateway/shared/logger"
)

// Keyring secret field names. The same names are used as JSON keys in an
// AWS secret payload and, uppercased with the MPC_ prefix, as environment
// variable names.
const (
	SecretTokenKey           = "token_key"
	SecretTokenKeyPrevious   = "token_key_previous"
	SecretSigningKey         = "signing_key"
	SecretSigningKeyPrevious = "signing_key_previous"
)

// EnvSecretsRef is the ref EnvSecretsManager resolves keyring fields under.
const EnvSecretsRef = "MPC"

// SecretsManager resolves a named secret into a string map.
type SecretsManager interface {
	GetSecret(ctx context.Context, ref string) (map[string]string, error)
}

// SecretsAPI is the slice of the AWS Secrets Manager client the gateway
// uses (enables testing with a stub).
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager fetches secrets from AWS Secrets Manager and caches
// them with a TTL so key verification does not call AWS per request.
type AWSSecretsManager struct {
	client SecretsAPI
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	log    *logger.Logger
	now    func() time.Time
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// DefaultSecretCacheTTL bounds how stale a cached secret may be.
const DefaultSecretCacheTTL = 5 * time.Minute

// NewAWSSecretsManager builds a manager over a real AWS client using the
// ambient credential chain. Region is optional; empty defers to the chain.
func NewAWSSecretsManager(ctx context.Context, region string, cacheTTL time.Duration) (*AWSSecretsManager, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: load AWS config: %w", err)
	}
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg), cacheTTL), nil
}

// NewAWSSecretsManagerWithClient builds a manager over an existing client.
func NewAWSSecretsManagerWithClient(client SecretsAPI, cacheTTL time.Duration) *AWSSecretsManager {
	if cacheTTL <= 0 {
		cacheTTL = DefaultSecretCacheTTL
	}
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    cacheTTL,
		log:    logger.New("secrets"),
		now:    time.Now,
	}
}

// GetSecret resolves ref (a secret ARN or name). The secret value must be
// a JSON object of string fields; a non-JSON value is returned under the
// single key "value".
func (s *AWSSecretsManager) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	s.mu.RLock()
	entry, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok && s.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(ref),
	})
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", maskRef(ref), err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", maskRef(ref))
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(*result.SecretString), &fields); err != nil {
		fields = map[string]string{"value": *result.SecretString}
	}

	s.mu.Lock()
	s.cache[ref] = &secretCacheEntry{value: fields, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	s.log.Info("", "", "Fetched and cached secret", map[string]interface{}{
		"ref":    maskRef(ref),
		"fields": len(fields),
	})
	return fields, nil
}

// Invalidate drops one ref from the cache, forcing a refetch.
func (s *AWSSecretsManager) Invalidate(ref string) {
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
}

// maskRef hides all but the tail of a secret ARN in logs and errors.
func maskRef(ref string) string {
	if len(ref) <= 12 {
		return "***"
	}
	return "..." + ref[len(ref)-8:]
}

// EnvSecretsManager resolves secrets from environment variables. The ref
// is used as a variable name prefix: ref "MPC" and field "token_key" read
// MPC_TOKEN_KEY. Suits development and single-host deployments.
type EnvSecretsManager struct{}

// NewEnvSecretsManager returns an environment-backed manager.
func NewEnvSecretsManager() *EnvSecretsManager {
	return &EnvSecretsManager{}
}

// GetSecret reads the keyring fields under the ref prefix. Unset
// variables are simply absent from the map.
func (s *EnvSecretsManager) GetSecret(ctx context.Context, ref string) (map[string]string, error) {
	fields := []string{
		SecretTokenKey, SecretTokenKeyPrevious,
		SecretSigningKey, SecretSigningKeyPrevious,
	}
	out := make(map[string]string)
	for _, field := range fields {
		envVar := ref + "_" + strings.ToUpper(field)
		if value := os.Getenv(envVar); value != "" {
			out[field] = value
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no secrets found under environment prefix %s", ref)
	}
	return out, nil
}

// Keyrings bundles the two keyrings the gateway authenticates with.
type Keyrings struct {
	Token   *auth.Keyring
	Signing *auth.Keyring
}

// LoadKeyrings builds both keyrings from a resolved secret. The current
// keys are required; previous keys are optional and only matter across a
// rotation window.
func LoadKeyrings(ctx context.Context, secrets SecretsManager, ref string) (*Keyrings, error) {
	fields, err := secrets.GetSecret(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load keyrings: %w", err)
	}

	token, err := buildKeyring(fields, SecretTokenKey, SecretTokenKeyPrevious)
	if err != nil {
		return nil, fmt.Errorf("load keyrings: %w", err)
	}
	signing, err := buildKeyring(fields, SecretSigningKey, SecretSigningKeyPrevious)
	if err != nil {
		return nil, fmt.Errorf("load keyrings: %w", err)
	}
	return &Keyrings{Token: token, Signing: signing}, nil
}

func buildKeyring(fields map[string]string, currentField, previousField string) (*auth.Keyring, error) {
	current, ok := fields[currentField]
	if !ok || current == "" {
		return nil, fmt.Errorf("secret field %s is required", currentField)
	}
	var previous []byte
	if p := fields[previousField]; p != "" {
		previous = []byte(p)
	}
	ring, err := auth.NewKeyring([]byte(current), previous)
	if err != nil {
		return nil, fmt.Errorf("secret field %s: %w", currentField, err)
	}
	return ring, nil
}

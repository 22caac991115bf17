// Package secrets resolves provider credential references. A configuration
// row never stores a bare API key; it stores a reference with a scheme:
//
//	aws-sm:name  - AWS Secrets Manager entry
//	env:VAR      - process environment variable
//	enc:payload  - AES-GCM sealed value (see internal/crypto)
//
// Anything without a scheme is treated as a literal value, which is only
// expected in tests and local development.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/modelrelay/gateway/internal/crypto"
)

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Resolver turns a credential reference into a usable credential.
type Resolver struct {
	store  SecretStore
	sealer *crypto.Sealer
}

// NewResolver builds a resolver. Either collaborator may be nil; references
// needing a missing collaborator fail at resolution time.
func NewResolver(store SecretStore, sealer *crypto.Sealer) *Resolver {
	return &Resolver{store: store, sealer: sealer}
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "aws-sm:"):
		if r.store == nil {
			return "", fmt.Errorf("credential ref %q: no secret store configured", ref)
		}
		return r.store.GetSecret(ctx, strings.TrimPrefix(ref, "aws-sm:"))
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value := os.Getenv(name)
		if value == "" {
			return "", fmt.Errorf("credential ref %q: environment variable not set", ref)
		}
		return value, nil
	case strings.HasPrefix(ref, "enc:"):
		if r.sealer == nil {
			return "", fmt.Errorf("credential ref %q: no encryption key configured", ref)
		}
		return r.sealer.Open(strings.TrimPrefix(ref, "enc:"))
	default:
		return ref, nil
	}
}

// AWSSecretsManager reads secrets from AWS Secrets Manager with a short
// in-process cache so hot configurations do not hammer the API.
type AWSSecretsManager struct {
	client *secretsmanager.Client
	mu     sync.RWMutex
	cache  map[string]cachedSecret
	ttl    time.Duration
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSSecretsManager{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]cachedSecret),
		ttl:    5 * time.Minute,
	}, nil
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}

	value := ""
	if result.SecretString != nil {
		value = *result.SecretString
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return value, nil
}

// StaticStore serves secrets from a fixed map. Test helper.
type StaticStore map[string]string

func (s StaticStore) GetSecret(ctx context.Context, name string) (string, error) {
	if value, ok := s[name]; ok {
		return value, nil
	}
	return "", fmt.Errorf("secret %q not found", name)
}

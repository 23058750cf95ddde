// Package secrets resolves the session signing secret from the environment or
// AWS Secrets Manager.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/tidwall/gjson"
)

const minSecretLength = 32

var ErrSecretNotFound = errors.New("secret not found")

type SecretStore interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSSecretsManager struct {
	client SecretsManagerAPI
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

func NewAWSSecretsManager(ctx context.Context, region string) (*AWSSecretsManager, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg)), nil
}

func NewAWSSecretsManagerWithClient(client SecretsManagerAPI) *AWSSecretsManager {
	return &AWSSecretsManager{
		client: client,
		ttl:    5 * time.Minute,
		cache:  make(map[string]cachedSecret),
	}
}

func (s *AWSSecretsManager) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if cached, ok := s.cache[name]; ok && time.Now().Before(cached.expiresAt) {
		s.mu.RUnlock()
		return cached.value, nil
	}
	s.mu.RUnlock()

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("get secret %s: %w", name, ErrSecretNotFound)
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: *out.SecretString, expiresAt: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	return *out.SecretString, nil
}

type InMemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewInMemorySecretStore() *InMemorySecretStore {
	return &InMemorySecretStore{secrets: make(map[string]string)}
}

func (s *InMemorySecretStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.secrets[name]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", name, ErrSecretNotFound)
	}
	return value, nil
}

func (s *InMemorySecretStore) SetSecret(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[name] = value
}

// ResolveJWTSecret picks the signing secret: the named store secret when name
// is set, then the literal fallback, then a random per-process secret. A store
// secret holding a JSON object is read from its "jwt_secret" field.
func ResolveJWTSecret(ctx context.Context, store SecretStore, name, fallback string) ([]byte, error) {
	if name != "" && store != nil {
		raw, err := store.GetSecret(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolve jwt secret: %w", err)
		}
		value := extractSecret(raw)
		if value == "" {
			return nil, fmt.Errorf("resolve jwt secret %s: empty value", name)
		}
		warnIfShort(value)
		slog.Info("jwt secret loaded from secret store", "name", name)
		return []byte(value), nil
	}

	if fallback != "" {
		warnIfShort(fallback)
		return []byte(fallback), nil
	}

	buf := make([]byte, minSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	slog.Warn("JWT_SECRET not set, using a random secret; sessions will not survive a restart")
	return []byte(hex.EncodeToString(buf)), nil
}

func extractSecret(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		return gjson.Get(trimmed, "jwt_secret").String()
	}
	return trimmed
}

func warnIfShort(secret string) {
	if len(secret) < minSecretLength {
		slog.Warn("jwt secret is shorter than recommended", "min_length", minSecretLength)
	}
}

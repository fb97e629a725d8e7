// Package secrets resolves the relayer's signing keys and other credentials
// from references such as "env:RELAYER_KEY", "file:/run/secrets/relayer_key"
// or "aws-sm:relayer/mainnet#key", so that key material never appears on a
// command line.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

const (
	SchemeEnv   = "env"
	SchemeFile  = "file"
	SchemeAWSSM = "aws-sm"
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

// Get returns the secret value. A key of the form "id#field" treats the
// secret as a JSON object and returns one string field of it.
func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	id, field, hasField := strings.Cut(key, "#")
	if id == "" || (hasField && field == "") {
		return "", fmt.Errorf("%w: empty secret key", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	var v string
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		v = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		v = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if !hasField {
		return v, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(v), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a JSON object", ErrInvalidConfig, id)
	}
	s, ok := fields[field].(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return strings.TrimSpace(s), nil
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// FileProvider reads a secret from a mounted file, as with Docker or
// Kubernetes secrets. Surrounding whitespace is dropped.
type FileProvider struct{}

func (FileProvider) Get(_ context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty file path", ErrInvalidConfig)
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, path)
	}
	if err != nil {
		return "", fmt.Errorf("secrets: read %s: %w", path, err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", fmt.Errorf("%w: file %s is empty", ErrNotFound, path)
	}
	return v, nil
}

// Resolver dispatches "<scheme>:<key>" references to a provider. The AWS
// provider is created on first use so env-only deployments need no AWS
// credentials.
type Resolver struct {
	env  Provider
	file Provider

	mu     sync.Mutex
	aws    Provider
	newAWS func(ctx context.Context) (Provider, error)
}

func NewResolver() *Resolver {
	return &Resolver{
		env:  NewEnv(),
		file: FileProvider{},
		newAWS: func(ctx context.Context) (Provider, error) {
			return NewAWS(ctx)
		},
	}
}

// NewResolverWith is NewResolver with explicit providers; aws may be nil.
func NewResolverWith(env, aws Provider) *Resolver {
	r := &Resolver{env: env, file: FileProvider{}, aws: aws}
	r.newAWS = func(context.Context) (Provider, error) {
		return nil, fmt.Errorf("%w: aws secrets manager not configured", ErrInvalidConfig)
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: reference must be %s:<name>, %s:<path> or %s:<secret-id>", ErrInvalidConfig, SchemeEnv, SchemeFile, SchemeAWSSM)
	}
	switch strings.ToLower(scheme) {
	case SchemeEnv:
		return r.env.Get(ctx, key)
	case SchemeFile:
		return r.file.Get(ctx, key)
	case SchemeAWSSM:
		p, err := r.awsProvider(ctx)
		if err != nil {
			return "", err
		}
		return p.Get(ctx, key)
	default:
		return "", fmt.Errorf("%w: unsupported secret scheme %q", ErrInvalidConfig, scheme)
	}
}

func (r *Resolver) awsProvider(ctx context.Context) (Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}
	p, err := r.newAWS(ctx)
	if err != nil {
		return nil, err
	}
	r.aws = p
	return p, nil
}

// Package secrets resolves named secrets (signing secret, runtime and bot
// credentials) from an external store and caches them in memory.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound is returned when a provider has no value for a name.
var ErrNotFound = errors.New("secret not found")

// Provider returns the current value of a secret by logical name.
type Provider interface {
	GetSecret(ctx context.Context, name string) ([]byte, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, name string) ([]byte, error)

func (f ProviderFunc) GetSecret(ctx context.Context, name string) ([]byte, error) {
	return f(ctx, name)
}

// StaticProvider serves secrets from a fixed map.
type StaticProvider struct {
	values map[string][]byte
}

func NewStaticProvider(values map[string]string) *StaticProvider {
	m := make(map[string][]byte, len(values))
	for k, v := range values {
		m[k] = []byte(v)
	}
	return &StaticProvider{values: m}
}

func (p *StaticProvider) GetSecret(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := p.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

// EnvProvider maps a logical name such as "/slack-issue-agent/slack/signing-secret"
// to the environment variable SLACK_ISSUE_AGENT_SLACK_SIGNING_SECRET.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// EnvName returns the environment variable consulted for name.
func EnvName(name string) string {
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func (p *EnvProvider) GetSecret(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := p.lookup(EnvName(name))
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: %s (env %s)", ErrNotFound, name, EnvName(name))
	}
	return []byte(v), nil
}

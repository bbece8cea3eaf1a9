package runtime

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/secrets"
)

// BackendConfig describes how to reach the runtime.
type BackendConfig struct {
	// Ref is http(s)://host[/base] or nats://host:port[/subject].
	Ref string
	// NATSSubject overrides the subject taken from Ref.
	NATSSubject string
	Timeout     time.Duration
	// Credentials and CredentialSecretName enable bearer tokens on HTTP
	// invocations when both are set.
	Credentials          secrets.Provider
	CredentialSecretName string
	Logger               *logging.Logger
}

// NewBackend selects a backend from the scheme of cfg.Ref. The returned
// close function releases connections held by the backend.
func NewBackend(cfg BackendConfig) (Backend, func() error, error) {
	u, err := url.Parse(cfg.Ref)
	if err != nil {
		return nil, nil, fmt.Errorf("parse backend ref: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		var signer *TokenSigner
		if cfg.Credentials != nil && cfg.CredentialSecretName != "" {
			signer = NewTokenSigner(cfg.Credentials, cfg.CredentialSecretName)
		}
		return NewHTTPBackend(cfg.Ref, cfg.Timeout, signer), func() error { return nil }, nil

	case "nats", "tls":
		subject := cfg.NATSSubject
		if subject == "" {
			subject = strings.Trim(u.Path, "/")
		}
		server := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}
		b, err := DialNATS(server.String(), subject, cfg.Logger)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
}

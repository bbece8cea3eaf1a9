// Package signature authenticates Slack requests using the v0 signing
// scheme: HMAC-SHA256 over "v0:{timestamp}:{body}" keyed by the app's
// signing secret.
package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/a1hang/slack-issue-agent/internal/models"
	"github.com/a1hang/slack-issue-agent/internal/secrets"
)

// Version is the signing scheme identifier.
const Version = "v0"

// DefaultMaxSkew is the default replay window.
const DefaultMaxSkew = 5 * time.Minute

// Verifier checks freshness and signature of inbound requests.
type Verifier struct {
	secrets    secrets.Provider
	secretName string
	maxSkew    time.Duration
	now        func() time.Time
}

type Option func(*Verifier)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithMaxSkew overrides DefaultMaxSkew.
func WithMaxSkew(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.maxSkew = d
		}
	}
}

func NewVerifier(provider secrets.Provider, secretName string, opts ...Option) *Verifier {
	v := &Verifier{
		secrets:    provider,
		secretName: secretName,
		maxSkew:    DefaultMaxSkew,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MaxSkew returns the configured replay window.
func (v *Verifier) MaxSkew() time.Duration {
	return v.maxSkew
}

// Verify returns nil when the request is fresh and correctly signed.
// Failures are classified as MalformedRequest, StaleRequest,
// SecretUnavailable, RequestTimeout or InvalidSignature. The freshness
// check runs before the secret is fetched.
func (v *Verifier) Verify(ctx context.Context, timestamp, signature string, body []byte) error {
	if signature == "" {
		return models.Errorf(models.KindMalformedRequest, "missing %s header", models.HeaderSignature)
	}
	if timestamp == "" {
		return models.Errorf(models.KindMalformedRequest, "missing %s header", models.HeaderTimestamp)
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return models.NewError(models.KindMalformedRequest, "unparseable timestamp", err)
	}

	// Bounds are computed around now so arbitrary int64 timestamps cannot
	// overflow the comparison.
	now := v.now().Unix()
	maxSec := int64(v.maxSkew / time.Second)
	if ts < now-maxSec || ts > now+maxSec {
		return models.Errorf(models.KindStaleRequest, "timestamp %d outside %s of %d", ts, v.maxSkew, now)
	}

	if !strings.HasPrefix(signature, Version+"=") {
		return models.Errorf(models.KindInvalidSignature, "unsupported signature version")
	}

	secret, err := v.secrets.GetSecret(ctx, v.secretName)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrSecretUnavailable), errors.Is(err, models.ErrRequestTimeout):
			return err
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return models.NewError(models.KindRequestTimeout, "deadline passed fetching signing secret", err)
		}
		return models.NewError(models.KindSecretUnavailable, "signing secret", err)
	}

	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return models.Errorf(models.KindInvalidSignature, "signature mismatch")
	}

	return nil
}

// BaseString builds the canonical signed payload.
func BaseString(timestamp string, body []byte) []byte {
	buf := make([]byte, 0, len(Version)+len(timestamp)+len(body)+2)
	buf = append(buf, Version...)
	buf = append(buf, ':')
	buf = append(buf, timestamp...)
	buf = append(buf, ':')
	buf = append(buf, body...)
	return buf
}

// Sign returns the X-Slack-Signature value for timestamp and body.
func Sign(secret []byte, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(BaseString(timestamp, body))
	return fmt.Sprintf("%s=%s", Version, hex.EncodeToString(h.Sum(nil)))
}

package signature

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1hang/slack-issue-agent/internal/models"
	"github.com/a1hang/slack-issue-agent/internal/secrets"
)

const testSecret = "8f742231b10e8888abcd99yyyzzz85a5"

var fixedNow = time.Unix(1700000000, 0)

type countingProvider struct {
	calls atomic.Int32
	err   error
}

func (p *countingProvider) GetSecret(ctx context.Context, name string) ([]byte, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return []byte(testSecret), nil
}

func newTestVerifier(p secrets.Provider) *Verifier {
	return NewVerifier(p, "signing", WithClock(func() time.Time { return fixedNow }))
}

func ts(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func TestSign_Format(t *testing.T) {
	body := []byte(`{"type":"url_verification","challenge":"test"}`)
	timestamp := "1531420618"

	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte("v0:1531420618:" + string(body)))
	want := "v0=" + hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign([]byte(testSecret), timestamp, body))
	assert.Equal(t, "v0:1531420618:"+string(body), string(BaseString(timestamp, body)))
}

func TestVerify_Valid(t *testing.T) {
	p := &countingProvider{}
	v := newTestVerifier(p)
	body := []byte(`{"type":"event_callback","event":{"type":"mention","text":"hello"}}`)
	timestamp := ts(fixedNow)

	err := v.Verify(context.Background(), timestamp, Sign([]byte(testSecret), timestamp, body), body)
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestVerify_WithinSkew(t *testing.T) {
	v := newTestVerifier(&countingProvider{})
	body := []byte(`{}`)

	for _, offset := range []time.Duration{-299 * time.Second, 299 * time.Second, 5 * time.Minute} {
		timestamp := ts(fixedNow.Add(offset))
		err := v.Verify(context.Background(), timestamp, Sign([]byte(testSecret), timestamp, body), body)
		assert.NoError(t, err, "offset %s", offset)
	}
}

func TestVerify_StaleRejectedBeforeSecretFetch(t *testing.T) {
	tests := []struct {
		name      string
		timestamp string
	}{
		{"ten minutes old", ts(fixedNow.Add(-600 * time.Second))},
		{"just past window", ts(fixedNow.Add(-301 * time.Second))},
		{"just ahead of window", ts(fixedNow.Add(301 * time.Second))},
		{"ten minutes ahead", ts(fixedNow.Add(10 * time.Minute))},
		{"year 5138", "99999999999"},
		{"beyond duration range", "9000000000000000000"},
		{"max int64", "9223372036854775807"},
		{"epoch", "0"},
		{"far past", "-9000000000000000000"},
		{"min int64", "-9223372036854775808"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &countingProvider{}
			v := newTestVerifier(p)
			body := []byte(`{"type":"event_callback"}`)
			timestamp := tt.timestamp

			err := v.Verify(context.Background(), timestamp, Sign([]byte(testSecret), timestamp, body), body)
			assert.ErrorIs(t, err, models.ErrStaleRequest)
			assert.Equal(t, int32(0), p.calls.Load(), "stale requests must not trigger a secret fetch")
		})
	}
}

func TestVerify_Malformed(t *testing.T) {
	v := newTestVerifier(&countingProvider{})
	body := []byte(`{}`)
	good := Sign([]byte(testSecret), ts(fixedNow), body)

	tests := []struct {
		name      string
		timestamp string
		signature string
	}{
		{"missing signature", ts(fixedNow), ""},
		{"missing timestamp", "", good},
		{"non-numeric timestamp", "yesterday", good},
		{"float timestamp", "1700000000.5", good},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(context.Background(), tt.timestamp, tt.signature, body)
			assert.ErrorIs(t, err, models.ErrMalformedRequest)
		})
	}
}

func TestVerify_WrongVersion(t *testing.T) {
	v := newTestVerifier(&countingProvider{})
	body := []byte(`{}`)
	timestamp := ts(fixedNow)
	sig := Sign([]byte(testSecret), timestamp, body)

	err := v.Verify(context.Background(), timestamp, "v1="+sig[3:], body)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)
}

func TestVerify_TamperedBodyOrSignature(t *testing.T) {
	faker := gofakeit.New(42)
	v := newTestVerifier(&countingProvider{})
	timestamp := ts(fixedNow)

	for i := 0; i < 50; i++ {
		body := []byte(`{"type":"event_callback","event":{"type":"app_mention","text":"` + faker.Sentence(8) + `"}}`)
		sig := Sign([]byte(testSecret), timestamp, body)
		require.NoError(t, v.Verify(context.Background(), timestamp, sig, body))

		tamperedBody := append([]byte(nil), body...)
		pos := faker.Number(0, len(tamperedBody)-1)
		tamperedBody[pos] ^= 0x01
		err := v.Verify(context.Background(), timestamp, sig, tamperedBody)
		assert.ErrorIs(t, err, models.ErrInvalidSignature, "body byte %d flipped", pos)

		tamperedSig := []byte(sig)
		sigPos := faker.Number(len(Version)+1, len(tamperedSig)-1)
		if tamperedSig[sigPos] == 'a' {
			tamperedSig[sigPos] = 'b'
		} else {
			tamperedSig[sigPos] = 'a'
		}
		err = v.Verify(context.Background(), timestamp, string(tamperedSig), body)
		assert.ErrorIs(t, err, models.ErrInvalidSignature, "signature byte %d changed", sigPos)
	}
}

func TestVerify_TimestampIsSigned(t *testing.T) {
	v := newTestVerifier(&countingProvider{})
	body := []byte(`{"type":"event_callback"}`)

	sig := Sign([]byte(testSecret), ts(fixedNow.Add(-time.Minute)), body)
	err := v.Verify(context.Background(), ts(fixedNow), sig, body)
	assert.ErrorIs(t, err, models.ErrInvalidSignature)
}

func TestVerify_SecretUnavailable(t *testing.T) {
	p := &countingProvider{err: errors.New("ssm: connection reset")}
	v := newTestVerifier(p)
	body := []byte(`{}`)
	timestamp := ts(fixedNow)

	err := v.Verify(context.Background(), timestamp, Sign([]byte(testSecret), timestamp, body), body)
	assert.ErrorIs(t, err, models.ErrSecretUnavailable)
	assert.NotErrorIs(t, err, models.ErrInvalidSignature)
}

func TestVerify_SecretUnavailableFromCache(t *testing.T) {
	provider := secrets.ProviderFunc(func(ctx context.Context, name string) ([]byte, error) {
		return nil, errors.New("down")
	})
	cache := secrets.NewCache(provider, time.Minute)
	v := newTestVerifier(cache)
	body := []byte(`{}`)
	timestamp := ts(fixedNow)

	err := v.Verify(context.Background(), timestamp, Sign([]byte(testSecret), timestamp, body), body)
	assert.Equal(t, models.KindSecretUnavailable, models.KindOf(err))
}

func TestWithMaxSkew(t *testing.T) {
	v := NewVerifier(&countingProvider{}, "signing",
		WithClock(func() time.Time { return fixedNow }),
		WithMaxSkew(30*time.Second),
	)
	assert.Equal(t, 30*time.Second, v.MaxSkew())

	body := []byte(`{}`)
	timestamp := ts(fixedNow.Add(-time.Minute))
	err := v.Verify(context.Background(), timestamp, Sign([]byte(testSecret), timestamp, body), body)
	assert.ErrorIs(t, err, models.ErrStaleRequest)
}

func TestVerify_DeadlineWhileFetchingSecret(t *testing.T) {
	provider := secrets.ProviderFunc(func(ctx context.Context, name string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	v := newTestVerifier(provider)
	body := []byte(`{}`)
	timestamp := ts(fixedNow)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := v.Verify(ctx, timestamp, Sign([]byte(testSecret), timestamp, body), body)
	assert.ErrorIs(t, err, models.ErrRequestTimeout)
	assert.NotErrorIs(t, err, models.ErrSecretUnavailable)
}

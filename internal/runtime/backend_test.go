package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/models"
	"github.com/a1hang/slack-issue-agent/internal/secrets"
)

func TestHTTPBackend_Invoke(t *testing.T) {
	var gotBody ForwardRequest
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invocations", r.URL.Path)
		gotHeader = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"content":[{"text":"Created issue #12"}]}}`))
	}))
	defer server.Close()

	b := NewHTTPBackend(server.URL+"/", time.Second, nil)
	req := ForwardRequest{Prompt: "file a bug", SessionID: NewSessionID(), Channel: "C1", EventID: "Ev1"}

	res, err := b.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Created issue #12", res.Text())
	assert.Equal(t, req, gotBody)
	assert.Equal(t, req.SessionID, gotHeader.Get(HeaderSessionID))
	assert.Empty(t, gotHeader.Get("Authorization"))
}

func TestHTTPBackend_BearerToken(t *testing.T) {
	key := "runtime-credential"
	provider := secrets.NewStaticProvider(map[string]string{"/runtime/credential": key})

	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer server.Close()

	b := NewHTTPBackend(server.URL, time.Second, NewTokenSigner(provider, "/runtime/credential"))
	req := ForwardRequest{Prompt: "p", SessionID: NewSessionID(), EventID: "Ev9", TeamID: "T1"}
	_, err := b.Invoke(context.Background(), req)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(auth, "Bearer "))
	claims, err := ValidateToken(strings.TrimPrefix(auth, "Bearer "), []byte(key))
	require.NoError(t, err)
	assert.Equal(t, req.SessionID, claims.SessionID)
	assert.Equal(t, "Ev9", claims.EventID)
	assert.Equal(t, "T1", claims.Subject)

	_, err = ValidateToken(strings.TrimPrefix(auth, "Bearer "), []byte("wrong"))
	assert.Error(t, err)
}

func TestHTTPBackend_CredentialUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("runtime must not be called without credentials")
	}))
	defer server.Close()

	b := NewHTTPBackend(server.URL, time.Second, NewTokenSigner(secrets.NewStaticProvider(nil), "/missing"))
	_, err := b.Invoke(context.Background(), ForwardRequest{Prompt: "p"})
	assert.ErrorIs(t, err, models.ErrBackendError)
}

func TestHTTPBackend_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    models.Kind
		wantMsg string
	}{
		{"server error", http.StatusInternalServerError, `{"message":"boom"}`, models.KindBackendError, "status 500"},
		{"throttled", http.StatusTooManyRequests, `slow down`, models.KindBackendError, "slow down"},
		{"not json", http.StatusOK, `<html>`, models.KindMalformedResponse, ""},
		{"runtime error field", http.StatusOK, `{"error":"agent crashed"}`, models.KindBackendError, "agent crashed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, err := NewHTTPBackend(server.URL, time.Second, nil).Invoke(context.Background(), ForwardRequest{Prompt: "p"})
			require.Error(t, err)
			assert.Equal(t, tt.want, models.KindOf(err))
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestHTTPBackend_ErrorBodyTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, strings.Repeat("x", 4096))
	}))
	defer server.Close()

	_, err := NewHTTPBackend(server.URL, time.Second, nil).Invoke(context.Background(), ForwardRequest{Prompt: "p"})
	require.Error(t, err)
	assert.Less(t, len(err.Error()), 1024)
}

func TestHTTPBackend_TimeoutThroughForwarder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	f := NewForwarder(NewHTTPBackend(server.URL, 0, nil), 50*time.Millisecond, logging.Discard())
	start := time.Now()
	_, err := f.Forward(context.Background(), ForwardRequest{Prompt: "p"})
	assert.ErrorIs(t, err, models.ErrBackendTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

type fakeRequester struct {
	reply *nats.Msg
	err   error
	got   *nats.Msg
}

func (f *fakeRequester) RequestMsgWithContext(ctx context.Context, msg *nats.Msg) (*nats.Msg, error) {
	f.got = msg
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func TestNATSBackend_Invoke(t *testing.T) {
	conn := &fakeRequester{reply: &nats.Msg{Data: []byte(`{"result":"done","session_id":"abc"}`)}}
	b := NewNATSBackend(conn, "agent.invoke.issues")
	req := ForwardRequest{Prompt: "p", SessionID: NewSessionID()}

	res, err := b.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "done", res.Text())
	assert.Equal(t, "abc", res.SessionID)

	require.NotNil(t, conn.got)
	assert.Equal(t, "agent.invoke.issues", conn.got.Subject)
	assert.Equal(t, req.SessionID, conn.got.Header.Get(HeaderSessionID))

	var sent ForwardRequest
	require.NoError(t, json.Unmarshal(conn.got.Data, &sent))
	assert.Equal(t, req, sent)
}

func TestNATSBackend_Errors(t *testing.T) {
	tests := []struct {
		name string
		conn *fakeRequester
		want models.Kind
	}{
		{"no responders", &fakeRequester{err: nats.ErrNoResponders}, models.KindBackendError},
		{"bad reply", &fakeRequester{reply: &nats.Msg{Data: []byte(`not json`)}}, models.KindMalformedResponse},
		{"runtime error", &fakeRequester{reply: &nats.Msg{Data: []byte(`{"error":"tool failed"}`)}}, models.KindBackendError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNATSBackend(tt.conn, "").Invoke(context.Background(), ForwardRequest{Prompt: "p"})
			assert.Equal(t, tt.want, models.KindOf(err))
		})
	}
}

func TestNATSBackend_TimeoutThroughForwarder(t *testing.T) {
	conn := &fakeRequester{err: context.DeadlineExceeded}
	f := NewForwarder(NewNATSBackend(conn, ""), time.Second, logging.Discard())

	_, err := f.Forward(context.Background(), ForwardRequest{Prompt: "p"})
	assert.ErrorIs(t, err, models.ErrBackendTimeout)
}

func TestNATSBackend_DefaultSubject(t *testing.T) {
	assert.Equal(t, DefaultSubject, NewNATSBackend(&fakeRequester{}, "").Subject())
}

func TestNewBackend(t *testing.T) {
	b, closeFn, err := NewBackend(BackendConfig{Ref: "https://runtime.internal/agent", Timeout: time.Second})
	require.NoError(t, err)
	assert.IsType(t, &HTTPBackend{}, b)
	assert.NoError(t, closeFn())

	_, _, err = NewBackend(BackendConfig{Ref: "ftp://runtime"})
	assert.Error(t, err)

	_, _, err = NewBackend(BackendConfig{Ref: "nats://127.0.0.1:1/agent.invoke", Logger: logging.Discard()})
	assert.Error(t, err, "dial must fail when no server is listening")
}

func TestForward_BackendErrorNotLeakedInKind(t *testing.T) {
	backend := BackendFunc(func(ctx context.Context, req ForwardRequest) (*ForwardResult, error) {
		return nil, errors.New("dial tcp 10.0.0.5:8080: connection refused")
	})
	_, err := NewForwarder(backend, time.Second, logging.Discard()).Forward(context.Background(), ForwardRequest{})
	require.Error(t, err)
	assert.Equal(t, "Upstream processing failed", models.KindOf(err).PublicMessage())
}

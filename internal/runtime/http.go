package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/a1hang/slack-issue-agent/internal/models"
)

// HeaderSessionID carries the runtime session id on HTTP invocations.
const HeaderSessionID = "X-Runtime-Session-Id"

const maxErrorBody = 512

// HTTPBackend invokes a runtime exposing POST {base}/invocations.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
	signer     *TokenSigner
}

// NewHTTPBackend constructs an HTTPBackend. signer may be nil.
func NewHTTPBackend(baseURL string, timeout time.Duration, signer *TokenSigner) *HTTPBackend {
	return &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		signer: signer,
	}
}

type invocationResponse struct {
	Result    json.RawMessage `json:"result"`
	SessionID string          `json:"sessionId,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (b *HTTPBackend) Invoke(ctx context.Context, req ForwardRequest) (*ForwardResult, error) {
	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/invocations", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(HeaderSessionID, req.SessionID)

	if b.signer != nil {
		token, err := b.signer.Sign(ctx, req)
		if err != nil {
			return nil, models.NewError(models.KindBackendError, "runtime credentials unavailable", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, models.Errorf(models.KindBackendError, "runtime response status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out invocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, models.NewError(models.KindMalformedResponse, "decode runtime response", err)
	}
	if out.Error != "" {
		return nil, models.Errorf(models.KindBackendError, "runtime error: %s", out.Error)
	}

	return &ForwardResult{Result: out.Result, SessionID: out.SessionID}, nil
}

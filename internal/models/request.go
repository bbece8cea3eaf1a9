package models

import (
	"net/http"
	"time"
)

// Slack request headers.
const (
	HeaderSignature   = "X-Slack-Signature"
	HeaderTimestamp   = "X-Slack-Request-Timestamp"
	HeaderRetryNum    = "X-Slack-Retry-Num"
	HeaderRetryReason = "X-Slack-Retry-Reason"
)

// InboundRequest is the immutable view of one webhook delivery.
type InboundRequest struct {
	Body       []byte
	Header     http.Header
	ReceivedAt time.Time
	RemoteIP   string
}

// NewInboundRequest copies body and headers so later mutation of the
// http.Request cannot leak into verification.
func NewInboundRequest(body []byte, header http.Header, receivedAt time.Time, remoteIP string) InboundRequest {
	b := make([]byte, len(body))
	copy(b, body)
	return InboundRequest{
		Body:       b,
		Header:     header.Clone(),
		ReceivedAt: receivedAt,
		RemoteIP:   remoteIP,
	}
}

func (r InboundRequest) Signature() string {
	return r.Header.Get(HeaderSignature)
}

func (r InboundRequest) Timestamp() string {
	return r.Header.Get(HeaderTimestamp)
}

// RetryNum returns the platform retry counter, or "" on first delivery.
func (r InboundRequest) RetryNum() string {
	return r.Header.Get(HeaderRetryNum)
}

func (r InboundRequest) RetryReason() string {
	return r.Header.Get(HeaderRetryReason)
}

// Response is the acknowledgement body for successful outcomes.
type Response struct {
	OK bool `json:"ok"`
}

// ChallengeResponse echoes a url_verification challenge.
type ChallengeResponse struct {
	Challenge string `json:"challenge"`
}

// ErrorResponse is returned for every failure classification.
type ErrorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Code  Kind   `json:"code"`
}

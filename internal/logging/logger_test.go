package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/a1hang/slack-issue-agent/internal/middleware"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		level  slog.Level
		format string
	}{
		{"json format with info level", slog.LevelInfo, "json"},
		{"text format with debug level", slog.LevelDebug, "text"},
		{"default format (json) with error level", slog.LevelError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.level, tt.format)
			if logger == nil || logger.Logger == nil {
				t.Fatal("expected non-nil logger")
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, slog.LevelInfo, "json")

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-123")
	logger.InfoContext(ctx, "hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if entry[FieldRequestID] != "req-123" {
		t.Errorf("expected request_id req-123, got %v", entry[FieldRequestID])
	}

	buf.Reset()
	logger.InfoContext(context.Background(), "no id")
	entry = map[string]any{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse log output: %v", err)
	}
	if _, ok := entry[FieldRequestID]; ok {
		t.Error("did not expect request_id without context value")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
		"WARNING": slog.LevelWarn,
		"Debug":   slog.LevelDebug,
		" error ": slog.LevelError,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFieldHelpers(t *testing.T) {
	tests := []struct {
		attr slog.Attr
		key  string
		want string
	}{
		{Service("slack-gateway"), FieldService, "slack-gateway"},
		{IP("10.0.0.1"), FieldIP, "10.0.0.1"},
		{Stage("verifying"), FieldStage, "verifying"},
		{Kind("stale_request"), FieldKind, "stale_request"},
		{EventID("Ev123"), FieldEventID, "Ev123"},
		{TeamID("T1"), FieldTeamID, "T1"},
		{SecretName("/a/b"), FieldSecret, "/a/b"},
		{Error(errors.New("token xoxb-1-abc leaked")), FieldError, "token xoxb-***MASKED*** leaked"},
	}
	for _, tt := range tests {
		if tt.attr.Key != tt.key {
			t.Errorf("expected key %q, got %q", tt.key, tt.attr.Key)
		}
		if tt.attr.Value.String() != tt.want {
			t.Errorf("expected value %q, got %q", tt.want, tt.attr.Value.String())
		}
	}

	if d := Duration(1500 * time.Millisecond); d.Value.Int64() != 1500 {
		t.Errorf("expected 1500ms, got %d", d.Value.Int64())
	}
}

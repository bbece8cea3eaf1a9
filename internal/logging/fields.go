package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldIP        = "ip"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldStage     = "stage"
	FieldKind      = "kind"
	FieldEventID   = "event_id"
	FieldEventType = "event_type"
	FieldTeamID    = "team_id"
	FieldChannel   = "channel"
	FieldSecret    = "secret_name"
	FieldRetryNum  = "retry_num"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

func Path(path string) slog.Attr {
	return slog.String(FieldPath, path)
}

func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for d in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. The message is masked.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, Mask(err.Error()))
}

func Stage(stage string) slog.Attr {
	return slog.String(FieldStage, stage)
}

func Kind(kind string) slog.Attr {
	return slog.String(FieldKind, kind)
}

func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

func TeamID(id string) slog.Attr {
	return slog.String(FieldTeamID, id)
}

func Channel(id string) slog.Attr {
	return slog.String(FieldChannel, id)
}

// SecretName logs the logical secret name, never its value.
func SecretName(name string) slog.Attr {
	return slog.String(FieldSecret, name)
}

func RetryNum(n string) slog.Attr {
	return slog.String(FieldRetryNum, n)
}

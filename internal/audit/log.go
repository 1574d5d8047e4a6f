package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"incidentdesk.org/internal/auth"
	"incidentdesk.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Outcomes recorded on audit lines.
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// LogEvent writes a successful change to the audit stream. Audit lines are
// not subject to the log level.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return write(ctx, event, OutcomeOK, fields)
}

// LogDenied records a refused attempt: who tried action and why it failed.
func LogDenied(ctx context.Context, action, reason string) error {
	return write(ctx, "access.denied", OutcomeDenied, map[string]any{
		"action": action,
		"reason": reason,
	})
}

func write(ctx context.Context, event, outcome string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"type":    "audit",
		"event":   event,
		"outcome": outcome,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := auth.UserIDFromContext(ctx); ok {
		actor := map[string]string{"id": id}
		if name := auth.UsernameFromContext(ctx); name != "" {
			actor["username"] = name
		}
		entry["actor"] = actor
	}
	// copied so callers may reuse their map
	own := make(map[string]any, len(fields))
	for k, v := range fields {
		own[k] = v
	}
	entry["fields"] = own
	obs.LogRequest(entry)
	return nil
}

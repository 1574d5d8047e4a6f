package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incidentdesk.org/internal/auth"
	"incidentdesk.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	flags := logger.Flags()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(original)
		logger.SetFlags(flags)
	})
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithUser(ctx, "user-42", "ana")
	fields := map[string]any{"foo": "bar"}

	require.NoError(t, LogEvent(ctx, "audit.test", fields))
	fields["foo"] = "changed"

	entry := decodeLine(t, buf)
	assert.Equal(t, "audit", entry["type"])
	assert.Equal(t, "audit.test", entry["event"])
	assert.Equal(t, OutcomeOK, entry["outcome"])
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, map[string]any{"id": "user-42", "username": "ana"}, entry["actor"])
	assert.Equal(t, map[string]any{"foo": "bar"}, entry["fields"])
}

func TestLogEventWithoutActor(t *testing.T) {
	buf := captureLog(t)
	require.NoError(t, LogEvent(context.Background(), "seed.apply", nil))

	entry := decodeLine(t, buf)
	assert.NotContains(t, entry, "actor")
	assert.NotContains(t, entry, "request_id")
}

func TestLogDenied(t *testing.T) {
	buf := captureLog(t)
	ctx := auth.ContextWithUser(context.Background(), "cuad", "")

	require.NoError(t, LogDenied(ctx, "POST /v1/roles/assign", "crew members cannot assign roles"))

	entry := decodeLine(t, buf)
	assert.Equal(t, "access.denied", entry["event"])
	assert.Equal(t, OutcomeDenied, entry["outcome"])
	assert.Equal(t, map[string]any{"id": "cuad"}, entry["actor"])
	fields := entry["fields"].(map[string]any)
	assert.Equal(t, "POST /v1/roles/assign", fields["action"])
}

func TestLogEventRequiresName(t *testing.T) {
	assert.Error(t, LogEvent(context.Background(), "  ", nil))
}

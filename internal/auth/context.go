package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey   ctxKey = "auth_user_id"
	usernameKey ctxKey = "auth_username"
)

// ContextWithUser stores the authenticated person in the context.
func ContextWithUser(ctx context.Context, userID, username string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if username = strings.TrimSpace(username); username != "" {
		ctx = context.WithValue(ctx, usernameKey, username)
	}
	return ctx
}

// UserIDFromContext extracts the authenticated person id from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func UsernameFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(usernameKey).(string)
	return v
}

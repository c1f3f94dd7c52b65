package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"soundboard.app/internal/auth"
	"soundboard.app/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields ...zap.Field) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	all := make([]zap.Field, 0, len(fields)+4)
	all = append(all, zap.String("type", "audit"), zap.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		all = append(all, zap.String("request_id", rid))
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		all = append(all, zap.Stringer("user_id", id.UserID))
	}
	all = append(all, fields...)
	obs.Logger().Info("audit", all...)
	return nil
}

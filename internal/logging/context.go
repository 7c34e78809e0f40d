package logging

import (
	"context"

	"go.uber.org/zap"
)

type requestCtxKey struct{}
type taskTypeCtxKey struct{}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext returns the request id, or "" when absent.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestCtxKey{}).(string)
	return id
}

// WithTaskType attaches the task type being processed to the context.
func WithTaskType(ctx context.Context, taskType string) context.Context {
	return context.WithValue(ctx, taskTypeCtxKey{}, taskType)
}

// TaskTypeFromContext returns the task type, or "" when absent.
func TaskTypeFromContext(ctx context.Context) string {
	t, _ := ctx.Value(taskTypeCtxKey{}).(string)
	return t
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 2)
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	if taskType := TaskTypeFromContext(ctx); taskType != "" {
		fields = append(fields, zap.String("task_type", taskType))
	}
	return fields
}

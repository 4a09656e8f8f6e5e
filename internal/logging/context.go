package logging

import (
	"context"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	fieldNamespace = "namespace"
	fieldTenant    = "tenant"
	fieldRequestID = "request_id"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if p, ok := PartitionFromContext(ctx); ok {
		fields = append(fields, zap.String(fieldNamespace, p.Namespace))
		if p.Tenant != "" {
			fields = append(fields, zap.String(fieldTenant, p.Tenant))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String(fieldRequestID, requestID))
	}

	return fields
}

type partitionCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// PartitionFields identifies the namespace and optional tenant a request
// operates on.
type PartitionFields struct {
	Namespace string
	Tenant    string
}

// WithPartition records the active namespace and tenant. An empty namespace
// leaves ctx unchanged.
func WithPartition(ctx context.Context, namespace, tenant string) context.Context {
	if namespace == "" {
		return ctx
	}
	return context.WithValue(ctx, partitionCtxKey{}, PartitionFields{Namespace: namespace, Tenant: tenant})
}

// PartitionFromContext returns the partition recorded by WithPartition.
func PartitionFromContext(ctx context.Context) (PartitionFields, bool) {
	p, ok := ctx.Value(partitionCtxKey{}).(PartitionFields)
	return p, ok
}

const maxRequestIDLen = 128

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// ValidRequestID reports whether id is safe to echo into logs and headers.
func ValidRequestID(id string) bool {
	return id != "" && len(id) <= maxRequestIDLen && requestIDPattern.MatchString(id)
}

// WithRequestID adds a request ID to context. Invalid IDs are dropped since
// they usually arrive from client headers.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if !ValidRequestID(requestID) {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
